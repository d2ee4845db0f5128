// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isogenerator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildXorrisoArgsHybrid(t *testing.T) {
	config := Config{
		StagingDirPath:  "/work/iso-root",
		OutputFilePath:  "/out/live.iso",
		VolumeId:        "KATSU-LIVEOS",
		BiosBootBinary:  "boot/limine-bios-cd.bin",
		EfiBootImg:      "boot/efiboot.img",
		HybridMbrBinary: "/work/bootimgs/boot_hybrid.img",
	}

	args := BuildXorrisoArgs(config)
	joined := strings.Join(args, " ")

	assert.Equal(t, []string{"-as", "mkisofs"}, args[:2])
	assert.Contains(t, joined, "-V KATSU-LIVEOS")
	assert.Contains(t, joined, "--grub2-mbr /work/bootimgs/boot_hybrid.img")
	assert.Contains(t, joined, "-b boot/limine-bios-cd.bin")
	assert.Contains(t, joined, "-eltorito-alt-boot -e boot/efiboot.img")
	assert.Contains(t, joined, "-isohybrid-gpt-basdat")

	// The staging directory is the final operand.
	assert.Equal(t, "/work/iso-root", args[len(args)-1])
}

func TestBuildXorrisoArgsEfiOnly(t *testing.T) {
	config := Config{
		StagingDirPath: "/work/iso-root",
		OutputFilePath: "/out/live.iso",
		EfiBootImg:     "boot/efiboot.img",
	}

	args := BuildXorrisoArgs(config)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-V CDROM")
	assert.NotContains(t, joined, "-boot-info-table")
	assert.NotContains(t, joined, "--grub2-mbr")
	assert.Contains(t, joined, "-e boot/efiboot.img")
}
