// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package diskutils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildSfdiskScriptGpt(t *testing.T) {
	partitions := []PartitionSpec{
		{
			Label:     "esp",
			TypeUuid:  EfiSystemPartitionTypeUuid,
			SizeBytes: 512 * MiB,
		},
		{
			Label:     "boot",
			TypeUuid:  XbootldrPartitionTypeUuid,
			SizeBytes: 1 * GiB,
		},
		{
			Label:      "root",
			TypeUuid:   RootPartitionTypeUuidX86_64,
			SizeBytes:  0,
			Attributes: []int{GptAttrGrowFs},
		},
	}

	script, err := BuildSfdiskScript(PartitionTableTypeGpt, 512, partitions)
	assert.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(script), "\n")
	assert.Equal(t, "label: gpt", lines[0])
	assert.Equal(t, "unit: sectors", lines[1])

	// 1 MiB alignment = sector 2048 at 512-byte sectors.
	assert.Equal(t, `start=2048, size=1048576, type=c12a7328-f81f-11d2-ba4b-00a0c93ec93b, name="esp"`,
		lines[2])
	assert.Equal(t, `start=1050624, size=2097152, type=bc13c2ff-59e6-4262-a352-b275fd6f7172, name="boot"`,
		lines[3])

	// The grow partition gets no size field.
	assert.Equal(t, `start=3147776, type=4f68bce3-e8cd-4db1-96e7-fbcaf984b709, name="root", attrs="GUID:59"`,
		lines[4])
}

func TestBuildSfdiskScriptMbr(t *testing.T) {
	partitions := []PartitionSpec{
		{Label: "biosboot", SizeBytes: 1 * MiB},
		{Label: "root", MbrType: MbrTypeLinux, SizeBytes: 0, Bootable: true},
	}

	script, err := BuildSfdiskScript(PartitionTableTypeMbr, 512, partitions)
	assert.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(script), "\n")
	assert.Equal(t, "label: dos", lines[0])
	assert.Equal(t, "start=2048, size=2048, type=83", lines[2])
	assert.Equal(t, "start=4096, type=83, bootable", lines[3])
}

func TestBuildSfdiskScriptMbrLogicalPartitions(t *testing.T) {
	partitions := []PartitionSpec{
		{SizeBytes: 512 * MiB, MbrType: MbrTypeEsp},
		{SizeBytes: 1 * GiB},
		{SizeBytes: 1 * GiB},
		{SizeBytes: 1 * GiB},
		{SizeBytes: 0},
	}

	script, err := BuildSfdiskScript(PartitionTableTypeMbr, 512, partitions)
	assert.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(script), "\n")
	// 3 primary + 1 extended container + 2 logical.
	assert.Len(t, lines, 2+6)
	assert.Contains(t, lines[5], "type=05")

	// Logical partitions start behind their extended boot record gap.
	assert.True(t, strings.HasPrefix(lines[6], "start="))
}

func TestBuildSfdiskScriptRejectsMidListGrow(t *testing.T) {
	partitions := []PartitionSpec{
		{SizeBytes: 0},
		{SizeBytes: 1 * GiB},
	}

	_, err := BuildSfdiskScript(PartitionTableTypeGpt, 512, partitions)
	assert.ErrorContains(t, err, "only the last partition may grow")
}

func TestRootPartitionTypeUuidPerArch(t *testing.T) {
	uuid, err := RootPartitionTypeUuid("x86_64")
	assert.NoError(t, err)
	assert.Equal(t, RootPartitionTypeUuidX86_64, uuid)

	uuid, err = RootPartitionTypeUuid("aarch64")
	assert.NoError(t, err)
	assert.Equal(t, RootPartitionTypeUuidAarch64, uuid)

	_, err = RootPartitionTypeUuid("m68k")
	assert.Error(t, err)
}

func TestMkfsCommandPinsUuid(t *testing.T) {
	program, args, err := MkfsCommand(FileSystemTypeExt4, "root", "530a36a4-8e23-4102-b1a5-7d7d2d4c4b4e")
	assert.NoError(t, err)
	assert.Equal(t, "mkfs.ext4", program)
	assert.Equal(t, []string{"-L", "root", "-U", "530a36a4-8e23-4102-b1a5-7d7d2d4c4b4e"}, args)

	program, args, err = MkfsCommand(FileSystemTypeVfat, "esp", "4BD9-3A78")
	assert.NoError(t, err)
	assert.Equal(t, "mkfs.vfat", program)
	assert.Equal(t, []string{"-F", "32", "-n", "ESP", "-i", "4BD93A78"}, args)

	_, _, err = MkfsCommand("ntfs", "", "")
	assert.Error(t, err)
}
