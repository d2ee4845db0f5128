// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Computes and applies the mount order for a partitioned chroot.

package mountutils

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/microsoft/katsu/internal/logger"
	"github.com/microsoft/katsu/internal/resources"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// UnmountedMountPoint is the manifest sentinel for a partition that is not
// mounted into the chroot.
const UnmountedMountPoint = "-"

// MountSpec is a single filesystem to mount into the chroot.
type MountSpec struct {
	// Source is the device path to mount.
	Source string
	// MountPoint is the absolute mount path within the chroot.
	MountPoint string
	// FsType is the filesystem type passed to the mount syscall.
	FsType string
	// Options is the comma-separated mount option string.
	Options string
}

// SortMountSpecs orders mounts so that every mount point's parent is mounted
// first: "/" before "/boot" before "/boot/efi". Mounts of equal depth are
// ordered lexicographically; the input order never matters.
func SortMountSpecs(mounts []MountSpec) []MountSpec {
	sorted := append([]MountSpec(nil), mounts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a := sorted[i].MountPoint
		b := sorted[j].MountPoint

		if a == "/" || b == "/" {
			return a == "/"
		}

		aDepth := mountPointDepth(a)
		bDepth := mountPointDepth(b)
		if aDepth != bDepth {
			return aDepth < bDepth
		}
		return a < b
	})
	return sorted
}

func mountPointDepth(mountPoint string) int {
	trimmed := strings.TrimSuffix(mountPoint, "/")
	return strings.Count(trimmed, "/")
}

// ValidateMountPointTree checks that the mount point set forms a tree: every
// mount point is absolute and every non-root mount point's parent directory
// chain reaches "/" through other mount points or through "/" itself.
func ValidateMountPointTree(mountPoints []string) error {
	set := map[string]bool{}
	for _, mountPoint := range mountPoints {
		if mountPoint == UnmountedMountPoint {
			continue
		}

		if !path.IsAbs(mountPoint) {
			return fmt.Errorf("mount point (%s) is not an absolute path", mountPoint)
		}

		cleaned := path.Clean(mountPoint)
		if set[cleaned] {
			return fmt.Errorf("mount point (%s) is used by more than one partition", cleaned)
		}
		set[cleaned] = true
	}

	if len(set) > 0 && !set["/"] {
		return fmt.Errorf("no partition is mounted at /")
	}

	for mountPoint := range set {
		if mountPoint == "/" {
			continue
		}

		parent := path.Dir(mountPoint)
		if parent != "/" && !set[parent] {
			return fmt.Errorf("mount point (%s) has no parent mount point (%s)", mountPoint, parent)
		}
	}

	return nil
}

// MountAll mounts the given filesystems under the chroot directory in
// dependency order, pushing an unmount release for each onto the stack.
func MountAll(stack *resources.Stack, chrootDir string, mounts []MountSpec) error {
	sorted := SortMountSpecs(mounts)

	for _, mount := range sorted {
		targetDir := filepath.Join(chrootDir, mount.MountPoint)

		err := mountOne(stack, mount.Source, targetDir, mount.FsType, 0, mount.Options)
		if err != nil {
			return err
		}
	}

	return nil
}

// kernelFileSystems are the host filesystems bound under the chroot so that
// processes executed inside it behave like they would on a running system.
// Order matters: /dev must precede /dev/pts.
var kernelFileSystems = []struct {
	source string
	target string
	fstype string
	flags  uintptr
}{
	{"proc", "/proc", "proc", 0},
	{"sysfs", "/sys", "sysfs", 0},
	{"/dev", "/dev", "", unix.MS_BIND},
	{"/dev/pts", "/dev/pts", "", unix.MS_BIND},
	{"/run", "/run", "", unix.MS_BIND},
}

// BindKernelFileSystems binds /proc, /sys, /dev, /dev/pts, and /run under the
// chroot for in-chroot execution. Each binding is a separate resource, so the
// bindings release before the filesystem mounts that contain them.
func BindKernelFileSystems(stack *resources.Stack, chrootDir string) error {
	for _, kfs := range kernelFileSystems {
		targetDir := filepath.Join(chrootDir, kfs.target)

		err := mountOne(stack, kfs.source, targetDir, kfs.fstype, kfs.flags, "")
		if err != nil {
			return err
		}
	}

	return nil
}

func mountOne(stack *resources.Stack, source, targetDir, fstype string, flags uintptr,
	options string,
) error {
	err := unix.Mkdir(targetDir, 0o755)
	if err != nil && err != unix.EEXIST {
		return fmt.Errorf("failed to create mount directory (%s):\n%w", targetDir, err)
	}

	logger.Log.Debugf("Mounting (%s) at (%s)", source, targetDir)
	err = unix.Mount(source, targetDir, fstype, flags, options)
	if err != nil {
		return fmt.Errorf("failed to mount (%s) at (%s):\n%w", source, targetDir, err)
	}

	stack.Push(fmt.Sprintf("mount %s", targetDir), func() error {
		return unmount(targetDir)
	})

	return nil
}

func unmount(targetDir string) error {
	mounted, err := mountinfo.Mounted(targetDir)
	if err == nil && !mounted {
		// Already released; success by the idempotency contract.
		return nil
	}

	logger.Log.Debugf("Unmounting (%s)", targetDir)
	err = unix.Unmount(targetDir, 0)
	if err != nil {
		return fmt.Errorf("failed to unmount (%s):\n%w", targetDir, err)
	}

	return nil
}
