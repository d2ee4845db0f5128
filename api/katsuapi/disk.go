// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsuapi

import (
	"fmt"

	"github.com/microsoft/katsu/imagegen/diskutils"
	"github.com/microsoft/katsu/imagegen/mountutils"
)

// PartitionTableType is the partition table written to the disk.
type PartitionTableType string

const (
	PartitionTableTypeGpt PartitionTableType = "gpt"
	PartitionTableTypeMbr PartitionTableType = "mbr"
)

func (t PartitionTableType) IsValid() error {
	switch t {
	case PartitionTableTypeGpt, PartitionTableTypeMbr:
		return nil
	default:
		return fmt.Errorf("invalid partition table type (%s)", t)
	}
}

// ToDiskUtils maps the manifest value to the block layer's sfdisk label name.
func (t PartitionTableType) ToDiskUtils() diskutils.PartitionTableType {
	if t == PartitionTableTypeMbr {
		return diskutils.PartitionTableTypeMbr
	}
	return diskutils.PartitionTableTypeGpt
}

// Disk describes the block-backed target of a disk-image build.
type Disk struct {
	// Size is the total disk size.
	Size DiskSize `yaml:"size" json:"size"`
	// PartitionTableType is "gpt" or "mbr".
	PartitionTableType PartitionTableType `yaml:"partitionTableType" json:"partitionTableType"`
	// Partitions is the ordered partition list.
	Partitions []Partition `yaml:"partitions" json:"partitions"`
}

func (d *Disk) IsValid() error {
	if d.Size == 0 {
		return fmt.Errorf("disk size must be specified")
	}

	err := d.PartitionTableType.IsValid()
	if err != nil {
		return err
	}

	if len(d.Partitions) == 0 {
		return fmt.Errorf("disk has no partitions")
	}

	labels := map[string]bool{}
	growCount := 0
	fixedSum := DiskSize(0)
	mountPoints := []string(nil)

	for i := range d.Partitions {
		partition := &d.Partitions[i]

		err = partition.IsValid()
		if err != nil {
			return err
		}

		if labels[partition.Label] {
			return fmt.Errorf("partition label (%s) is used more than once", partition.Label)
		}
		labels[partition.Label] = true

		if partition.Grows() {
			growCount++
			if i != len(d.Partitions)-1 {
				return fmt.Errorf("partition (%s) grows but is not the last partition",
					partition.Label)
			}
		} else {
			fixedSum += *partition.Size
		}

		if partition.IsMounted() {
			mountPoints = append(mountPoints, partition.MountPoint)
		}
	}

	if growCount > 1 {
		return fmt.Errorf("more than one partition grows to fill the disk")
	}

	// Each partition start is aligned to a 1 MiB boundary, so the table needs
	// an alignment margin on top of the partition sizes. A table whose fixed
	// sizes add up to exactly the disk size is still accepted: the last
	// partition then ends with zero slack.
	margin := DiskSize(diskutils.DefaultAlignment)
	if fixedSum+margin > d.Size && fixedSum != d.Size {
		return fmt.Errorf("partition sizes (%s) plus alignment margin exceed the disk size (%s)",
			fixedSum.HumanReadable(), d.Size.HumanReadable())
	}

	err = mountutils.ValidateMountPointTree(mountPoints)
	if err != nil {
		return err
	}

	return nil
}

// GrowPartition returns the growing partition, if the disk has one.
func (d *Disk) GrowPartition() *Partition {
	for i := range d.Partitions {
		if d.Partitions[i].Grows() {
			return &d.Partitions[i]
		}
	}
	return nil
}

// HasPartitionType reports whether any partition has the given type.
func (d *Disk) HasPartitionType(partitionType PartitionType) bool {
	for i := range d.Partitions {
		if d.Partitions[i].Type == partitionType {
			return true
		}
	}
	return false
}
