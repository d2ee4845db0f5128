// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsuapi

import (
	"fmt"
)

// BuilderType selects how the target root filesystem is populated.
type BuilderType string

const (
	// BuilderTypeDnf populates the root with the dnf package manager.
	BuilderTypeDnf BuilderType = "dnf"

	// BuilderTypeDnf5 populates the root with dnf5.
	BuilderTypeDnf5 BuilderType = "dnf5"

	// BuilderTypeOci unpacks a local OCI image reference, layer by layer.
	BuilderTypeOci BuilderType = "oci"

	// BuilderTypeTar extracts a local tarball.
	BuilderTypeTar BuilderType = "tar"

	// BuilderTypeSquashfs unsquashes a local squashfs image.
	BuilderTypeSquashfs BuilderType = "squashfs"

	// BuilderTypeDir copies a local directory tree.
	BuilderTypeDir BuilderType = "dir"
)

func (b BuilderType) IsValid() error {
	switch b {
	case BuilderTypeDnf, BuilderTypeDnf5, BuilderTypeOci, BuilderTypeTar, BuilderTypeSquashfs,
		BuilderTypeDir:
		return nil
	default:
		return fmt.Errorf("invalid builder type (%s)", b)
	}
}
