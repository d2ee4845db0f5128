// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsulib

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/microsoft/katsu/api/katsuapi"
	"github.com/microsoft/katsu/imagegen/mountutils"
	"github.com/microsoft/katsu/internal/file"
	"github.com/microsoft/katsu/internal/logger"
)

// GenerateFstab renders an /etc/fstab for the disk's partitions, referencing
// filesystems by their discovered UUIDs.
func GenerateFstab(disk *katsuapi.Disk, fsUuids map[string]string) (string, error) {
	builder := strings.Builder{}
	builder.WriteString("# /etc/fstab: static file system information.\n")

	specs := []mountutils.MountSpec(nil)
	partitionByMountPoint := map[string]*katsuapi.Partition{}
	for i := range disk.Partitions {
		partition := &disk.Partitions[i]
		if !partition.IsMounted() {
			continue
		}

		specs = append(specs, mountutils.MountSpec{MountPoint: partition.MountPoint})
		partitionByMountPoint[partition.MountPoint] = partition
	}

	for _, spec := range mountutils.SortMountSpecs(specs) {
		partition := partitionByMountPoint[spec.MountPoint]

		fsUuid, found := fsUuids[partition.Label]
		if !found {
			return "", fmt.Errorf("partition (%s) has no discovered filesystem UUID",
				partition.Label)
		}

		options := partition.MountOptions
		if options == "" {
			options = "defaults"
		}

		// FAT filesystems such as the ESP get pass 0 (not checked); every other
		// filesystem, the root filesystem included, gets pass 2.
		fsckPass := 2
		if partition.FileSystem == katsuapi.FileSystemVfat {
			fsckPass = 0
		}

		fmt.Fprintf(&builder, "UUID=%s %s %s %s 0 %d\n", fsUuid, partition.MountPoint,
			partition.FileSystem, options, fsckPass)
	}

	// Swap partitions are activated but never mounted.
	for i := range disk.Partitions {
		partition := &disk.Partitions[i]
		if partition.Type != katsuapi.PartitionTypeSwap {
			continue
		}

		fsUuid, found := fsUuids[partition.Label]
		if !found {
			continue
		}

		fmt.Fprintf(&builder, "UUID=%s none swap defaults 0 0\n", fsUuid)
	}

	return builder.String(), nil
}

// writeFstab writes the generated fstab into the chroot.
func writeFstab(bc *BuildContext) error {
	if bc.Manifest.Disk == nil {
		return nil
	}

	contents, err := GenerateFstab(bc.Manifest.Disk, bc.FsUuids)
	if err != nil {
		return err
	}

	fstabPath := filepath.Join(bc.ChrootDir, "etc/fstab")
	logger.Log.Debugf("Writing fstab:\n%s", contents)

	return file.Write(contents, fstabPath)
}
