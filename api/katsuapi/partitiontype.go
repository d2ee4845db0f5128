// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsuapi

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/microsoft/katsu/imagegen/diskutils"
)

// PartitionType describes the role of a partition. It maps to a GPT partition
// type GUID or an MBR type code; it is not the filesystem formatted onto the
// partition.
type PartitionType string

const (
	// PartitionTypeEsp is the UEFI System Partition.
	PartitionTypeEsp PartitionType = "esp"

	// PartitionTypeXbootldr is the extended boot loader partition defined by
	// the Boot Loader Specification; it holds /boot.
	PartitionTypeXbootldr PartitionType = "xbootldr"

	// PartitionTypeBiosGrub is the BIOS boot partition holding GRUB's
	// stage 1.5 on GPT disks booted through legacy BIOS.
	PartitionTypeBiosGrub PartitionType = "bios-grub"

	// PartitionTypeRoot resolves to the root partition GUID of the target
	// architecture.
	PartitionTypeRoot PartitionType = "root"

	PartitionTypeSwap PartitionType = "swap"

	// PartitionTypeRaw carries no discoverable role; it maps to the generic
	// Linux data GUID.
	PartitionTypeRaw PartitionType = "raw"
)

func (p PartitionType) IsValid() error {
	switch p {
	case PartitionTypeEsp, PartitionTypeXbootldr, PartitionTypeBiosGrub, PartitionTypeRoot,
		PartitionTypeSwap, PartitionTypeRaw:
		return nil
	}

	// Any other value must be a custom GPT partition type GUID.
	_, err := uuid.Parse(string(p))
	if err != nil {
		return fmt.Errorf("invalid partition type (%s): not a known type or a GUID", p)
	}

	return nil
}

// GptTypeUuid returns the GPT partition type GUID for this type on the given
// architecture.
func (p PartitionType) GptTypeUuid(arch Arch) (string, error) {
	switch p {
	case PartitionTypeEsp:
		return diskutils.EfiSystemPartitionTypeUuid, nil
	case PartitionTypeXbootldr:
		return diskutils.XbootldrPartitionTypeUuid, nil
	case PartitionTypeBiosGrub:
		return diskutils.BiosBootPartitionTypeUuid, nil
	case PartitionTypeRoot:
		return diskutils.RootPartitionTypeUuid(string(arch))
	case PartitionTypeSwap:
		return diskutils.SwapPartitionTypeUuid, nil
	case PartitionTypeRaw:
		return diskutils.GenericLinuxPartitionTypeUuid, nil
	}

	parsed, err := uuid.Parse(string(p))
	if err != nil {
		return "", fmt.Errorf("invalid partition type GUID (%s):\n%w", p, err)
	}
	return parsed.String(), nil
}

// MbrType returns the MBR 1-byte type code for this type.
func (p PartitionType) MbrType() string {
	switch p {
	case PartitionTypeEsp:
		return diskutils.MbrTypeEsp
	case PartitionTypeXbootldr:
		return diskutils.MbrTypeXbootldr
	case PartitionTypeSwap:
		return diskutils.MbrTypeSwap
	default:
		return diskutils.MbrTypeLinux
	}
}
