// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Bootstrap variants that populate the root from local artifacts.

package katsulib

import (
	"fmt"

	"github.com/microsoft/katsu/internal/file"
	"github.com/microsoft/katsu/internal/logger"
	"github.com/microsoft/katsu/internal/shell"
)

// bootstrapTar extracts a local tarball into the target root, preserving
// ownership, xattrs, and SELinux contexts.
func bootstrapTar(bc *BuildContext) error {
	tarPath := bc.Manifest.Tar.Path

	exists, err := file.PathExists(tarPath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("tarball (%s) does not exist", tarPath)
	}

	logger.Log.Infof("Extracting (%s) into (%s)", tarPath, bc.ChrootDir)
	err = shell.ExecuteLive(false, "tar",
		"--extract",
		"--file", tarPath,
		"--directory", bc.ChrootDir,
		"--numeric-owner",
		"--xattrs",
		"--xattrs-include=*",
		"--acls",
		"--selinux")
	if err != nil {
		return fmt.Errorf("failed to extract tarball (%s):\n%w", tarPath, err)
	}

	return nil
}

// bootstrapSquashfs unsquashes a local image into the target root.
func bootstrapSquashfs(bc *BuildContext) error {
	imagePath := bc.Manifest.Squashfs.Path

	exists, err := file.PathExists(imagePath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("squashfs image (%s) does not exist", imagePath)
	}

	logger.Log.Infof("Unsquashing (%s) into (%s)", imagePath, bc.ChrootDir)

	// Note: unsquashfs has a noisy progress output on stderr.
	err = shell.ExecuteLive(true /*squashErrors*/, "unsquashfs",
		"-force",
		"-dest", bc.ChrootDir,
		imagePath)
	if err != nil {
		return fmt.Errorf("failed to unsquash (%s):\n%w", imagePath, err)
	}

	return nil
}

// bootstrapDir copies a source directory tree into the target root,
// preserving permissions, symlinks, xattrs, and SELinux contexts.
func bootstrapDir(bc *BuildContext) error {
	sourceDir := bc.Manifest.Dir.Path

	isDir, err := file.IsDir(sourceDir)
	if err != nil {
		return err
	}
	if !isDir {
		return fmt.Errorf("source (%s) is not a directory", sourceDir)
	}

	logger.Log.Infof("Copying (%s) into (%s)", sourceDir, bc.ChrootDir)
	err = shell.ExecuteLive(false, "cp",
		"--archive",
		"--preserve=all",
		sourceDir+"/.",
		bc.ChrootDir)
	if err != nil {
		return fmt.Errorf("failed to copy (%s):\n%w", sourceDir, err)
	}

	return nil
}
