// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsuapi

import (
	"fmt"
	"path"

	"github.com/microsoft/katsu/imagegen/diskutils"
)

// PartitionFlag is an attribute applied to a partition.
type PartitionFlag string

const (
	// PartitionFlagGrowFs marks the partition's filesystem for automatic
	// growth when mounted (GPT attribute bit 59).
	PartitionFlagGrowFs PartitionFlag = "grow-fs"

	// PartitionFlagBoot marks the partition bootable (MBR active flag or GPT
	// legacy-BIOS-bootable attribute).
	PartitionFlagBoot PartitionFlag = "boot"

	// PartitionFlagNoAuto disables automatic discovery mounting.
	PartitionFlagNoAuto PartitionFlag = "no-auto"

	// PartitionFlagReadOnly marks the partition for read-only mounting.
	PartitionFlagReadOnly PartitionFlag = "read-only"
)

func (f PartitionFlag) IsValid() error {
	switch f {
	case PartitionFlagGrowFs, PartitionFlagBoot, PartitionFlagNoAuto, PartitionFlagReadOnly:
		return nil
	default:
		return fmt.Errorf("invalid partition flag (%s)", f)
	}
}

// GptAttributeBit returns the GPT attribute flag position for this flag.
func (f PartitionFlag) GptAttributeBit() int {
	switch f {
	case PartitionFlagGrowFs:
		return diskutils.GptAttrGrowFs
	case PartitionFlagBoot:
		return diskutils.GptAttrBootable
	case PartitionFlagNoAuto:
		return diskutils.GptAttrNoAuto
	case PartitionFlagReadOnly:
		return diskutils.GptAttrReadOnly
	default:
		return -1
	}
}

// FileSystem is the filesystem a partition is formatted with.
type FileSystem string

const (
	FileSystemExt4  FileSystem = "ext4"
	FileSystemXfs   FileSystem = "xfs"
	FileSystemBtrfs FileSystem = "btrfs"
	FileSystemVfat  FileSystem = "vfat"
	FileSystemF2fs  FileSystem = "f2fs"
	FileSystemNone  FileSystem = "none"
)

func (f FileSystem) IsValid() error {
	switch f {
	case FileSystemExt4, FileSystemXfs, FileSystemBtrfs, FileSystemVfat, FileSystemF2fs,
		FileSystemNone:
		return nil
	default:
		return fmt.Errorf("invalid filesystem (%s)", f)
	}
}

// UnmountedMountPoint is the mount point value of a partition that is not
// mounted into the chroot.
const UnmountedMountPoint = "-"

// Partition is one entry of the disk's partition table, in table order.
type Partition struct {
	// Label is the partition label.
	Label string `yaml:"label" json:"label"`
	// Type is the partition's role.
	Type PartitionType `yaml:"type" json:"type"`
	// FileSystem is the filesystem to format; "none" leaves the partition raw.
	FileSystem FileSystem `yaml:"filesystem" json:"filesystem"`
	// Size is the partition size. Omitted means the partition grows to fill
	// the remaining disk space; only the last partition may grow.
	Size *DiskSize `yaml:"size" json:"size,omitempty"`
	// MountPoint is the absolute mount path within the chroot, or "-" for an
	// unmounted partition.
	MountPoint string `yaml:"mountPoint" json:"mountPoint"`
	// MountOptions is the comma-separated option string used when mounting.
	MountOptions string `yaml:"mountOptions" json:"mountOptions,omitempty"`
	// Flags are partition attributes.
	Flags []PartitionFlag `yaml:"flags" json:"flags,omitempty"`
	// CopyBlocks is a path to a raw payload written into the partition by
	// direct block copy.
	CopyBlocks string `yaml:"copyBlocks" json:"copyBlocks,omitempty"`
}

func (p *Partition) IsValid() error {
	if p.Label == "" {
		return fmt.Errorf("partition has no label")
	}

	err := p.Type.IsValid()
	if err != nil {
		return fmt.Errorf("partition (%s) is invalid:\n%w", p.Label, err)
	}

	if p.FileSystem != "" {
		err = p.FileSystem.IsValid()
		if err != nil {
			return fmt.Errorf("partition (%s) is invalid:\n%w", p.Label, err)
		}
	}

	if p.MountPoint != "" && p.MountPoint != UnmountedMountPoint && !path.IsAbs(p.MountPoint) {
		return fmt.Errorf("partition (%s) mount point (%s) is not an absolute path", p.Label,
			p.MountPoint)
	}

	if p.IsMounted() && (p.FileSystem == "" || p.FileSystem == FileSystemNone) {
		return fmt.Errorf("partition (%s) has a mount point but no filesystem", p.Label)
	}

	for _, flag := range p.Flags {
		err = flag.IsValid()
		if err != nil {
			return fmt.Errorf("partition (%s) is invalid:\n%w", p.Label, err)
		}
	}

	return nil
}

// Grows reports whether the partition consumes the remaining disk space.
func (p *Partition) Grows() bool {
	return p.Size == nil
}

// IsMounted reports whether the partition is mounted into the chroot.
func (p *Partition) IsMounted() bool {
	return p.MountPoint != "" && p.MountPoint != UnmountedMountPoint
}

// HasFlag reports whether the partition carries the given flag.
func (p *Partition) HasFlag(flag PartitionFlag) bool {
	for _, f := range p.Flags {
		if f == flag {
			return true
		}
	}
	return false
}
