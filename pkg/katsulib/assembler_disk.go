// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// The disk-image pipeline: sparse file, loop device, partition table,
// filesystems, ordered mounts, root population, bootloader, artifact.

package katsulib

import (
	"fmt"

	"github.com/microsoft/katsu/api/katsuapi"
	"github.com/microsoft/katsu/imagegen/diskutils"
	"github.com/microsoft/katsu/imagegen/mountutils"
	"github.com/microsoft/katsu/internal/file"
	"github.com/microsoft/katsu/internal/logger"
	"github.com/microsoft/katsu/internal/resources"
)

func buildDiskImage(bc *BuildContext) error {
	disk := bc.Manifest.Disk
	rawImagePath := bc.RawImagePath()

	err := diskutils.CreateSparseDisk(rawImagePath, uint64(disk.Size), 0o644)
	if err != nil {
		return newBuildError(ErrorKindBlock, err)
	}

	// The loop attachment and everything mounted on top of it live on their
	// own stack: they must be released before the artifact is harvested, not
	// just at build exit. Chaining the stack onto the build stack keeps the
	// failure-path guarantee; the chained entry no-ops after the explicit
	// release.
	diskStack := resources.NewStack()
	bc.Stack.Push("disk resources", diskStack.Unwind)

	devPath, err := diskutils.SetupLoopbackDevice(rawImagePath)
	if err != nil {
		return newBuildError(ErrorKindBlock, err)
	}
	diskStack.Push(fmt.Sprintf("loopback %s", devPath), func() error {
		return diskutils.DetachLoopbackDevice(devPath)
	})

	err = prepareBlockTarget(bc, diskStack, devPath)
	if err != nil {
		return err
	}

	bindStack, err := populateRootOnDisk(bc, diskStack)
	if err != nil {
		return err
	}

	err = writeFstab(bc)
	if err != nil {
		return newBuildError(ErrorKindBootstrap, err)
	}

	err = InstallBootloader(bc, devPath)
	if err != nil {
		return err
	}

	// Bindings release first, then the filesystem mounts, then the loop
	// device; only then is the sparse file a consistent artifact.
	err = bindStack.Unwind()
	if err != nil {
		return newBuildError(ErrorKindBlock, err)
	}

	err = diskStack.Unwind()
	if err != nil {
		return newBuildError(ErrorKindBlock, err)
	}

	err = diskutils.WaitForLoopbackToDetach(devPath, rawImagePath)
	if err != nil {
		return newBuildError(ErrorKindBlock, err)
	}

	outFile := OutFilePath(bc.Manifest)
	err = file.Move(rawImagePath, outFile)
	if err != nil {
		return newBuildError(ErrorKindBlock, err)
	}

	logger.Log.Infof("Wrote disk image (%s)", outFile)
	return nil
}

// prepareBlockTarget writes the partition table, creates the filesystems,
// copies raw payloads, and mounts everything under the chroot in order.
func prepareBlockTarget(bc *BuildContext, diskStack *resources.Stack, devPath string) error {
	disk := bc.Manifest.Disk

	specs, err := partitionSpecs(bc.Manifest)
	if err != nil {
		return newBuildError(ErrorKindManifestInvalid, err)
	}

	partDevPaths, err := diskutils.ApplyPartitionTable(devPath, disk.PartitionTableType.ToDiskUtils(),
		specs)
	if err != nil {
		return newBuildError(ErrorKindBlock, err)
	}

	mounts := []mountutils.MountSpec(nil)
	for i := range disk.Partitions {
		partition := &disk.Partitions[i]
		partDevPath := partDevPaths[i]

		if partition.CopyBlocks != "" {
			err = diskutils.CopyBlocks(partDevPath, partition.CopyBlocks)
			if err != nil {
				return newBuildError(ErrorKindBlock, err)
			}
		}

		fsType := diskutils.FileSystemType(partition.FileSystem)
		if partition.FileSystem == "" || partition.FileSystem == katsuapi.FileSystemNone {
			if partition.Type != katsuapi.PartitionTypeSwap {
				continue
			}
			fsType = diskutils.FileSystemTypeSwap
		}

		pinnedUuid := ""
		if bc.Manifest.Deterministic != nil {
			pinnedUuid = bc.Manifest.Deterministic.FilesystemUuids[partition.Label]
		}

		fsUuid, err := diskutils.FormatPartition(partDevPath, fsType, partition.Label, pinnedUuid)
		if err != nil {
			return newBuildError(ErrorKindBlock, err)
		}

		err = bc.RecordFsUuid(partition.Label, fsUuid)
		if err != nil {
			return newBuildError(ErrorKindBlock, err)
		}

		if partition.IsMounted() {
			mounts = append(mounts, mountutils.MountSpec{
				Source:     partDevPath,
				MountPoint: partition.MountPoint,
				FsType:     string(partition.FileSystem),
				Options:    partition.MountOptions,
			})
		}
	}

	err = mountutils.MountAll(diskStack, bc.ChrootDir, mounts)
	if err != nil {
		return newBuildError(ErrorKindBlock, err)
	}

	return nil
}

// populateRootOnDisk is populateRoot with the kernel binds chained onto the
// disk stack instead of the build stack, so they release with the mounts.
func populateRootOnDisk(bc *BuildContext, diskStack *resources.Stack) (*resources.Stack, error) {
	bindStack := resources.NewStack()
	diskStack.Push("kernel filesystem binds", bindStack.Unwind)

	err := RunScripts(bc, bc.Manifest.Scripts.Pre)
	if err != nil {
		return bindStack, err
	}

	err = Bootstrap(bc)
	if err != nil {
		return bindStack, err
	}

	err = mountutilsBind(bc, bindStack)
	if err != nil {
		return bindStack, err
	}

	err = RunScripts(bc, bc.Manifest.Scripts.Post)
	if err != nil {
		return bindStack, err
	}

	return bindStack, nil
}

// partitionSpecs maps the manifest's partition descriptors to the block
// layer's partition specs.
func partitionSpecs(manifest *katsuapi.Manifest) ([]diskutils.PartitionSpec, error) {
	disk := manifest.Disk

	specs := []diskutils.PartitionSpec(nil)
	for i := range disk.Partitions {
		partition := &disk.Partitions[i]

		spec := diskutils.PartitionSpec{
			Label:   partition.Label,
			MbrType: partition.Type.MbrType(),
		}

		typeUuid, err := partition.Type.GptTypeUuid(manifest.Arch)
		if err != nil {
			return nil, err
		}
		spec.TypeUuid = typeUuid

		if !partition.Grows() {
			spec.SizeBytes = uint64(*partition.Size)
		}

		for _, flag := range partition.Flags {
			if flag == katsuapi.PartitionFlagBoot {
				spec.Bootable = true
			}
			if bit := flag.GptAttributeBit(); bit >= 0 {
				spec.Attributes = append(spec.Attributes, bit)
			}
		}

		specs = append(specs, spec)
	}

	return specs, nil
}
