// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsuapi

import (
	"testing"

	"github.com/microsoft/katsu/imagegen/diskutils"
	"github.com/microsoft/katsu/internal/ptrutils"
	"github.com/stretchr/testify/assert"
)

func validDiskImageManifest() *Manifest {
	return &Manifest{
		Distro:     "fedora",
		Arch:       ArchX86_64,
		Output:     OutputFormatDiskImage,
		Builder:    BuilderTypeDnf,
		Bootloader: BootloaderTypeGrub2Efi,
		Dnf: &DnfBuilder{
			Packages:   []string{"@core", "kernel"},
			ReleaseVer: "40",
			RepoDir:    "/etc/yum.repos.d",
		},
		Disk: &Disk{
			Size:               DiskSize(8 * diskutils.GiB),
			PartitionTableType: PartitionTableTypeGpt,
			Partitions: []Partition{
				{
					Label:      "esp",
					Type:       PartitionTypeEsp,
					FileSystem: FileSystemVfat,
					Size:       ptrutils.PtrTo(DiskSize(512 * diskutils.MiB)),
					MountPoint: "/boot/efi",
				},
				{
					Label:      "boot",
					Type:       PartitionTypeXbootldr,
					FileSystem: FileSystemExt4,
					Size:       ptrutils.PtrTo(DiskSize(1 * diskutils.GiB)),
					MountPoint: "/boot",
				},
				{
					Label:      "root",
					Type:       PartitionTypeRoot,
					FileSystem: FileSystemExt4,
					MountPoint: "/",
					Flags:      []PartitionFlag{PartitionFlagGrowFs},
				},
			},
		},
	}
}

func TestManifestIsValid(t *testing.T) {
	manifest := validDiskImageManifest()
	assert.NoError(t, manifest.IsValid())
}

func TestManifestMountPointsMustFormTree(t *testing.T) {
	manifest := validDiskImageManifest()

	// /boot/efi without /boot.
	manifest.Disk.Partitions[1].MountPoint = "-"
	err := manifest.IsValid()
	assert.ErrorContains(t, err, "no parent mount point")
}

func TestManifestPartitionSumExceedsDiskSize(t *testing.T) {
	manifest := validDiskImageManifest()
	manifest.Disk.Size = DiskSize(1 * diskutils.GiB)
	err := manifest.IsValid()
	assert.ErrorContains(t, err, "exceed the disk size")
}

func TestManifestPartitionSumExactlyDiskSize(t *testing.T) {
	manifest := validDiskImageManifest()
	manifest.Disk.Partitions[2].Size = ptrutils.PtrTo(
		DiskSize(8*diskutils.GiB - 512*diskutils.MiB - 1*diskutils.GiB))

	// Zero slack for the last partition is accepted.
	assert.NoError(t, manifest.IsValid())
}

func TestManifestGrowPartitionMustBeLast(t *testing.T) {
	manifest := validDiskImageManifest()
	manifest.Disk.Partitions[0].Size = nil
	err := manifest.IsValid()
	assert.ErrorContains(t, err, "not the last partition")
}

func TestManifestOnlyOnePartitionMayGrow(t *testing.T) {
	manifest := validDiskImageManifest()
	manifest.Disk.Partitions[1].Size = nil
	err := manifest.IsValid()
	assert.ErrorContains(t, err, "not the last partition")
}

func TestManifestEspRequiresUefiBootloader(t *testing.T) {
	manifest := validDiskImageManifest()
	manifest.Bootloader = BootloaderTypeGrub2Bios
	err := manifest.IsValid()
	assert.ErrorContains(t, err, "not a UEFI variant")
}

func TestManifestBiosGrubRequiresBiosBootloader(t *testing.T) {
	manifest := validDiskImageManifest()
	manifest.Disk.Partitions[0] = Partition{
		Label:      "biosboot",
		Type:       PartitionTypeBiosGrub,
		FileSystem: FileSystemNone,
		Size:       ptrutils.PtrTo(DiskSize(1 * diskutils.MiB)),
		MountPoint: "-",
	}
	err := manifest.IsValid()
	assert.ErrorContains(t, err, "not a BIOS variant")
}

func TestManifestBuilderRecordMustMatch(t *testing.T) {
	manifest := validDiskImageManifest()
	manifest.Builder = BuilderTypeTar
	err := manifest.IsValid()
	assert.ErrorContains(t, err, "configuration is missing")

	manifest = validDiskImageManifest()
	manifest.Tar = &TarBuilder{Path: "./root.tar"}
	err = manifest.IsValid()
	assert.ErrorContains(t, err, "configuration is present")
}

func TestManifestDnf5SharesDnfRecord(t *testing.T) {
	manifest := validDiskImageManifest()
	manifest.Builder = BuilderTypeDnf5
	assert.NoError(t, manifest.IsValid())
}

func TestManifestScriptNeedsMustResolve(t *testing.T) {
	manifest := validDiskImageManifest()
	manifest.Scripts.Post = []Script{
		{Id: "b", Inline: "echo b", Needs: []string{"a"}},
	}
	err := manifest.IsValid()
	assert.ErrorContains(t, err, "unknown script")

	manifest.Scripts.Post = []Script{
		{Id: "a", Inline: "echo a"},
		{Id: "b", Inline: "echo b", Needs: []string{"a"}},
	}
	assert.NoError(t, manifest.IsValid())
}

func TestManifestVolumeIdDefault(t *testing.T) {
	manifest := validDiskImageManifest()
	assert.Equal(t, "KATSU-LIVEOS", manifest.GetVolumeId())

	manifest.VolumeId = "FEDORA-40"
	assert.Equal(t, "FEDORA-40", manifest.GetVolumeId())
}

func TestUnmarshalManifestYaml(t *testing.T) {
	yaml := `
distro: fedora
arch: x86_64
output: folder
builder: dnf
bootloader: grub2-efi
dnf:
  packages:
    - "@core"
  releaseVer: "40"
  repoDir: /etc/yum.repos.d
`

	var manifest Manifest
	err := UnmarshalAndValidateYaml([]byte(yaml), &manifest)
	assert.NoError(t, err)
	assert.Equal(t, ArchX86_64, manifest.Arch)
	assert.Equal(t, OutputFormatFolder, manifest.Output)

	// Unknown fields are rejected.
	err = UnmarshalYaml([]byte("distro: fedora\nbogus: 1\n"), &manifest)
	assert.Error(t, err)
}

func TestDiskSizeParsing(t *testing.T) {
	var size DiskSize
	err := UnmarshalYaml([]byte("8G"), &size)
	assert.NoError(t, err)
	assert.Equal(t, DiskSize(8*diskutils.GiB), size)
	assert.Equal(t, "8G", size.String())

	err = UnmarshalYaml([]byte("512M"), &size)
	assert.NoError(t, err)
	assert.Equal(t, DiskSize(512*diskutils.MiB), size)

	// Sub-MiB sizes are rejected.
	err = UnmarshalYaml([]byte("100K"), &size)
	assert.Error(t, err)

	// Unit suffix is required.
	err = UnmarshalYaml([]byte("1024"), &size)
	assert.Error(t, err)
}
