// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsulib

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/microsoft/katsu/api/katsuapi"
	"github.com/microsoft/katsu/internal/logger"
)

// Kernel is a bootable kernel discovered in the chroot's /boot.
type Kernel struct {
	// Version is the kernel release string, e.g. "6.8.5-301.fc40.x86_64".
	Version string
	// Vmlinuz is the kernel file name within /boot.
	Vmlinuz string
	// Initramfs is the matching initramfs file name within /boot, if present.
	Initramfs string
}

// DiscoverKernels scans the chroot's /boot for installed kernels and their
// initramfs images. Rescue images are ignored. Kernels are returned sorted by
// version string, newest last.
func DiscoverKernels(chrootDir string) ([]Kernel, error) {
	bootDir := chrootDir + "/boot"

	entries, err := os.ReadDir(bootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read (%s):\n%w", bootDir, err)
	}

	initramfsByVersion := map[string]string{}
	kernels := []Kernel(nil)

	for _, entry := range entries {
		name := entry.Name()
		if strings.Contains(name, "-rescue-") {
			continue
		}

		switch {
		case strings.HasPrefix(name, "vmlinuz-"):
			version := strings.TrimPrefix(name, "vmlinuz-")
			kernels = append(kernels, Kernel{Version: version, Vmlinuz: name})

		case strings.HasPrefix(name, "initramfs-") && strings.HasSuffix(name, ".img"):
			version := strings.TrimSuffix(strings.TrimPrefix(name, "initramfs-"), ".img")
			initramfsByVersion[version] = name
		}
	}

	if len(kernels) == 0 {
		return nil, fmt.Errorf("no kernels found in (%s)", bootDir)
	}

	for i := range kernels {
		kernels[i].Initramfs = initramfsByVersion[kernels[i].Version]
	}

	sort.Slice(kernels, func(i, j int) bool {
		return kernels[i].Version < kernels[j].Version
	})

	return kernels, nil
}

// InstallBootloader writes boot code for the manifest's bootloader. Called
// after bootstrap and post-scripts have produced /boot's contents, but before
// the chroot mounts are released. diskDevPath is the loop device of the disk
// image, or empty for filesystem-only outputs.
func InstallBootloader(bc *BuildContext, diskDevPath string) error {
	logger.Log.Infof("Installing bootloader (%s)", bc.Manifest.Bootloader)

	var err error
	switch bc.Manifest.Bootloader {
	case katsuapi.BootloaderTypeGrub2Bios:
		err = installGrub2Bios(bc, diskDevPath)

	case katsuapi.BootloaderTypeGrub2Efi:
		err = installGrub2Efi(bc)

	case katsuapi.BootloaderTypeLimineBios, katsuapi.BootloaderTypeLimineUefi,
		katsuapi.BootloaderTypeLimine:
		err = installLimine(bc, diskDevPath)

	case katsuapi.BootloaderTypeUBoot:
		err = installUBoot(bc)

	default:
		err = fmt.Errorf("unknown bootloader type (%s)", bc.Manifest.Bootloader)
	}
	if err != nil {
		return newBuildError(ErrorKindBootloader, err)
	}

	return nil
}

// rootMountToken renders the root filesystem mode token of a boot entry. The
// read-only default matches what distro initramfs generators expect; the
// manifest can flip it to read-write as a first-class option instead of
// scripts rewriting boot entries with regexes.
func rootMountToken(manifest *katsuapi.Manifest) string {
	if manifest.RootRw {
		return "rw"
	}
	return "ro"
}

// rootFsUuid returns the discovered filesystem UUID of the partition mounted
// at /.
func rootFsUuid(bc *BuildContext) (string, error) {
	if bc.Manifest.Disk == nil {
		return "", fmt.Errorf("no disk layout; root filesystem UUID is not available")
	}

	for i := range bc.Manifest.Disk.Partitions {
		partition := &bc.Manifest.Disk.Partitions[i]
		if partition.MountPoint != "/" {
			continue
		}

		fsUuid, found := bc.FsUuids[partition.Label]
		if !found {
			return "", fmt.Errorf("root partition (%s) has no discovered UUID", partition.Label)
		}
		return fsUuid, nil
	}

	return "", fmt.Errorf("no partition is mounted at /")
}

// bootFsUuid returns the UUID of the filesystem holding /boot: the partition
// mounted at /boot when one exists, the root filesystem otherwise. The returned
// prefix is the path of the boot directory within that filesystem.
func bootFsUuid(bc *BuildContext) (fsUuid string, bootPrefix string, err error) {
	for i := range bc.Manifest.Disk.Partitions {
		partition := &bc.Manifest.Disk.Partitions[i]
		if partition.MountPoint != "/boot" {
			continue
		}

		fsUuid, found := bc.FsUuids[partition.Label]
		if !found {
			return "", "", fmt.Errorf("boot partition (%s) has no discovered UUID", partition.Label)
		}
		return fsUuid, "", nil
	}

	fsUuid, err = rootFsUuid(bc)
	if err != nil {
		return "", "", err
	}
	return fsUuid, "/boot", nil
}
