// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package mountutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortMountSpecsDepthOrder(t *testing.T) {
	mounts := []MountSpec{
		{MountPoint: "/boot/efi"},
		{MountPoint: "/var"},
		{MountPoint: "/"},
		{MountPoint: "/boot"},
	}

	sorted := SortMountSpecs(mounts)

	order := []string(nil)
	for _, mount := range sorted {
		order = append(order, mount.MountPoint)
	}

	assert.Equal(t, []string{"/", "/boot", "/var", "/boot/efi"}, order)
}

func TestSortMountSpecsRootAlwaysFirst(t *testing.T) {
	mounts := []MountSpec{
		{MountPoint: "/a"},
		{MountPoint: "/"},
	}

	sorted := SortMountSpecs(mounts)
	assert.Equal(t, "/", sorted[0].MountPoint)

	// Input order must not matter.
	mounts = []MountSpec{
		{MountPoint: "/"},
		{MountPoint: "/a"},
	}

	sorted = SortMountSpecs(mounts)
	assert.Equal(t, "/", sorted[0].MountPoint)
}

func TestValidateMountPointTree(t *testing.T) {
	err := ValidateMountPointTree([]string{"/", "/boot", "/boot/efi", "-"})
	assert.NoError(t, err)

	// /boot/efi without /boot: /boot is not a mount point and not /.
	err = ValidateMountPointTree([]string{"/", "/boot/efi"})
	assert.ErrorContains(t, err, "no parent mount point")

	// Top-level directories hang directly off /.
	err = ValidateMountPointTree([]string{"/", "/home"})
	assert.NoError(t, err)

	err = ValidateMountPointTree([]string{"/", "boot"})
	assert.ErrorContains(t, err, "not an absolute path")

	err = ValidateMountPointTree([]string{"/boot"})
	assert.ErrorContains(t, err, "no partition is mounted at /")

	err = ValidateMountPointTree([]string{"/", "/boot", "/boot"})
	assert.ErrorContains(t, err, "more than one partition")
}
