// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsulib

import (
	"strings"
	"testing"

	"github.com/microsoft/katsu/api/katsuapi"
	"github.com/microsoft/katsu/imagegen/diskutils"
	"github.com/microsoft/katsu/internal/ptrutils"
	"github.com/stretchr/testify/assert"
)

func TestGenerateFstab(t *testing.T) {
	disk := &katsuapi.Disk{
		Size:               katsuapi.DiskSize(8 * diskutils.GiB),
		PartitionTableType: katsuapi.PartitionTableTypeGpt,
		Partitions: []katsuapi.Partition{
			// Declared out of mount order on purpose.
			{
				Label:      "esp",
				Type:       katsuapi.PartitionTypeEsp,
				FileSystem: katsuapi.FileSystemVfat,
				Size:       ptrutils.PtrTo(katsuapi.DiskSize(512 * diskutils.MiB)),
				MountPoint: "/boot/efi",
			},
			{
				Label:      "swap",
				Type:       katsuapi.PartitionTypeSwap,
				FileSystem: katsuapi.FileSystemNone,
				Size:       ptrutils.PtrTo(katsuapi.DiskSize(1 * diskutils.GiB)),
				MountPoint: "-",
			},
			{
				Label:      "root",
				Type:       katsuapi.PartitionTypeRoot,
				FileSystem: katsuapi.FileSystemExt4,
				MountPoint: "/",
			},
		},
	}

	fsUuids := map[string]string{
		"esp":  "4BD9-3A78",
		"root": "530a36a4-8e23-4102-b1a5-7d7d2d4c4b4e",
		"swap": "76a96bfa-6c70-4915-a2c0-1c0c4192eb26",
	}

	fstab, err := GenerateFstab(disk, fsUuids)
	assert.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(fstab), "\n")
	assert.Equal(t, "# /etc/fstab: static file system information.", lines[0])

	// Mounted filesystems come in mount order: / before /boot/efi.
	assert.Equal(t, "UUID=530a36a4-8e23-4102-b1a5-7d7d2d4c4b4e / ext4 defaults 0 2", lines[1])
	assert.Equal(t, "UUID=4BD9-3A78 /boot/efi vfat defaults 0 0", lines[2])

	// Swap is activated but never mounted.
	assert.Equal(t, "UUID=76a96bfa-6c70-4915-a2c0-1c0c4192eb26 none swap defaults 0 0", lines[3])
}

func TestGenerateFstabMissingUuid(t *testing.T) {
	disk := &katsuapi.Disk{
		Partitions: []katsuapi.Partition{
			{
				Label:      "root",
				Type:       katsuapi.PartitionTypeRoot,
				FileSystem: katsuapi.FileSystemExt4,
				MountPoint: "/",
			},
		},
	}

	_, err := GenerateFstab(disk, map[string]string{})
	assert.ErrorContains(t, err, "no discovered filesystem UUID")
}
