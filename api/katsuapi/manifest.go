// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsuapi

import (
	"fmt"

	"github.com/asaskevich/govalidator"
)

// DefaultVolumeId is used when the manifest does not set one.
const DefaultVolumeId = "KATSU-LIVEOS"

// Deterministic pins the sources of nondeterminism so that repeated builds of
// the same manifest produce byte-identical artifacts.
type Deterministic struct {
	// SourceDateEpoch is the Unix timestamp applied to archive entries and
	// filesystem timestamps.
	SourceDateEpoch int64 `yaml:"sourceDateEpoch" json:"sourceDateEpoch"`
	// FilesystemUuids pins the filesystem UUID of each partition, by label.
	FilesystemUuids map[string]string `yaml:"filesystemUuids" json:"filesystemUuids,omitempty"`
}

func (d *Deterministic) IsValid() error {
	if d.SourceDateEpoch < 0 {
		return fmt.Errorf("sourceDateEpoch may not be negative")
	}

	for label, fsUuid := range d.FilesystemUuids {
		// vfat volume IDs are 8 hex digits; everything else is a full UUID.
		if govalidator.IsUUID(fsUuid) {
			continue
		}
		if len(fsUuid) == 9 && govalidator.IsHexadecimal(fsUuid[:4]) &&
			fsUuid[4] == '-' && govalidator.IsHexadecimal(fsUuid[5:]) {
			continue
		}
		return fmt.Errorf("filesystem UUID (%s) for partition (%s) is not a valid UUID", fsUuid,
			label)
	}

	return nil
}

// Manifest is the fully-resolved build configuration. The loader merges
// imports, flattens architecture-conditional lists, and fills defaults before
// the manifest reaches the build engine; the engine treats it as read-only.
type Manifest struct {
	// Distro names the distribution being built, e.g. "fedora".
	Distro string `yaml:"distro" json:"distro"`
	// Arch is the target architecture.
	Arch Arch `yaml:"arch" json:"arch"`
	// Output is the kind of artifact to produce.
	Output OutputFormat `yaml:"output" json:"output"`
	// OutFile is the path the final artifact is written to.
	OutFile string `yaml:"outFile" json:"outFile,omitempty"`
	// VolumeId labels ISO 9660 volumes; defaults to KATSU-LIVEOS.
	VolumeId string `yaml:"volumeId" json:"volumeId,omitempty"`

	// Builder selects how the root filesystem is populated.
	Builder BuilderType `yaml:"builder" json:"builder"`
	// Exactly the sub-record matching Builder must be set.
	Dnf      *DnfBuilder      `yaml:"dnf" json:"dnf,omitempty"`
	Oci      *OciBuilder      `yaml:"oci" json:"oci,omitempty"`
	Tar      *TarBuilder      `yaml:"tar" json:"tar,omitempty"`
	Squashfs *SquashfsBuilder `yaml:"squashfs" json:"squashfs,omitempty"`
	Dir      *DirBuilder      `yaml:"dir" json:"dir,omitempty"`

	// Bootloader selects the bootloader installed into the image.
	Bootloader BootloaderType `yaml:"bootloader" json:"bootloader"`
	// KernelCmdline is the kernel command line written into boot entries.
	KernelCmdline string `yaml:"kernelCmdline" json:"kernelCmdline,omitempty"`
	// RootRw mounts the root filesystem read-write in generated boot entries
	// instead of the read-only default.
	RootRw bool `yaml:"rootRw" json:"rootRw,omitempty"`

	// Users are accounts created inside the image.
	Users []User `yaml:"users" json:"users,omitempty"`
	// Scripts are the pre- and post-phase script lists.
	Scripts Scripts `yaml:"scripts" json:"scripts,omitempty"`
	// Disk is required for disk-image output and ignored otherwise.
	Disk *Disk `yaml:"disk" json:"disk,omitempty"`

	// Deterministic, when set, makes repeated builds byte-identical.
	Deterministic *Deterministic `yaml:"deterministic" json:"deterministic,omitempty"`
}

func (m *Manifest) IsValid() error {
	if m.Distro == "" {
		return fmt.Errorf("manifest has no distro name")
	}

	err := m.Arch.IsValid()
	if err != nil {
		return err
	}

	err = m.Output.IsValid()
	if err != nil {
		return err
	}

	err = m.Builder.IsValid()
	if err != nil {
		return err
	}

	err = m.validateBuilderRecord()
	if err != nil {
		return err
	}

	err = m.Bootloader.IsValid()
	if err != nil {
		return err
	}

	for i := range m.Users {
		err = m.Users[i].IsValid()
		if err != nil {
			return err
		}
	}

	err = m.Scripts.IsValid()
	if err != nil {
		return err
	}

	if m.Output == OutputFormatDiskImage {
		if m.Disk == nil {
			return fmt.Errorf("disk-image output requires a disk layout")
		}
	}

	if m.Disk != nil {
		err = m.Disk.IsValid()
		if err != nil {
			return err
		}

		err = m.validateBootloaderPartitions()
		if err != nil {
			return err
		}
	}

	if m.Deterministic != nil {
		err = m.Deterministic.IsValid()
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *Manifest) validateBuilderRecord() error {
	type record struct {
		builder BuilderType
		present bool
	}

	records := []record{
		{BuilderTypeDnf, m.Dnf != nil},
		{BuilderTypeOci, m.Oci != nil},
		{BuilderTypeTar, m.Tar != nil},
		{BuilderTypeSquashfs, m.Squashfs != nil},
		{BuilderTypeDir, m.Dir != nil},
	}

	selected := m.Builder
	if selected == BuilderTypeDnf5 {
		// dnf5 shares the dnf sub-record.
		selected = BuilderTypeDnf
	}

	for _, r := range records {
		if r.builder == selected && !r.present {
			return fmt.Errorf("builder (%s) is selected but its configuration is missing", m.Builder)
		}
	}
	for _, r := range records {
		if r.builder != selected && r.present {
			return fmt.Errorf("builder (%s) is selected but (%s) configuration is present",
				m.Builder, r.builder)
		}
	}

	var validateErr error
	switch selected {
	case BuilderTypeDnf:
		validateErr = m.Dnf.IsValid()
	case BuilderTypeOci:
		validateErr = m.Oci.IsValid()
	case BuilderTypeTar:
		validateErr = m.Tar.IsValid()
	case BuilderTypeSquashfs:
		validateErr = m.Squashfs.IsValid()
	case BuilderTypeDir:
		validateErr = m.Dir.IsValid()
	}

	return validateErr
}

func (m *Manifest) validateBootloaderPartitions() error {
	if m.Disk.HasPartitionType(PartitionTypeEsp) && !m.Bootloader.IsUefiVariant() {
		return fmt.Errorf("disk has an ESP but bootloader (%s) is not a UEFI variant", m.Bootloader)
	}

	if m.Disk.HasPartitionType(PartitionTypeBiosGrub) && !m.Bootloader.IsBiosVariant() {
		return fmt.Errorf("disk has a bios-grub partition but bootloader (%s) is not a BIOS variant",
			m.Bootloader)
	}

	return nil
}

// GetVolumeId returns the ISO volume id, defaulted when unset.
func (m *Manifest) GetVolumeId() string {
	if m.VolumeId == "" {
		return DefaultVolumeId
	}
	return m.VolumeId
}
