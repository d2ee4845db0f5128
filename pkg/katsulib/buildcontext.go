// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsulib

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/microsoft/katsu/api/katsuapi"
	"github.com/microsoft/katsu/internal/logger"
	"github.com/microsoft/katsu/internal/resources"
)

const (
	// KeepChrootEnvVar, when truthy, suppresses working-directory cleanup and
	// leaves every resource still on the build stack at exit (after a failure:
	// mounts and the loop device) in place for post-mortem inspection.
	KeepChrootEnvVar = "KATSU_KEEP_CHROOT"

	chrootDirName  = "chroot"
	imageDirName   = "image"
	isoRootDirName = "iso-root"

	// rawImageName is the disk image file inside <work>/image.
	rawImageName = "katsu.img"
)

// BuildContext carries the per-invocation state of a build.
type BuildContext struct {
	// Manifest is the resolved build configuration, treated as read-only.
	Manifest *katsuapi.Manifest

	// WorkDir is the working directory the build owns exclusively.
	WorkDir string
	// ChrootDir is <work>/chroot, the target root.
	ChrootDir string
	// ImageDir is <work>/image, holding intermediate artifacts.
	ImageDir string
	// IsoRootDir is <work>/iso-root, the ISO staging tree.
	IsoRootDir string

	// Stack owns the teardown of every acquired resource.
	Stack *resources.Stack

	// FsUuids maps partition label to the filesystem UUID discovered after
	// mkfs. UUIDs are stable for the remainder of the build.
	FsUuids map[string]string

	// KeepChroot suppresses working-directory deletion during unwind.
	KeepChroot bool
}

// NewBuildContext prepares a build's working directory and resource stack.
func NewBuildContext(manifest *katsuapi.Manifest, workDir string) (*BuildContext, error) {
	workDirAbs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory (%s):\n%w", workDir, err)
	}

	bc := &BuildContext{
		Manifest:   manifest,
		WorkDir:    workDirAbs,
		ChrootDir:  filepath.Join(workDirAbs, chrootDirName),
		ImageDir:   filepath.Join(workDirAbs, imageDirName),
		IsoRootDir: filepath.Join(workDirAbs, isoRootDirName),
		Stack:      resources.NewStack(),
		FsUuids:    map[string]string{},
		KeepChroot: envIsTruthy(os.Getenv(KeepChrootEnvVar)),
	}

	for _, dir := range []string{bc.ChrootDir, bc.ImageDir} {
		err = os.MkdirAll(dir, os.ModePerm)
		if err != nil {
			return nil, fmt.Errorf("failed to create working directory (%s):\n%w", dir, err)
		}
	}

	if bc.KeepChroot {
		logger.Log.Infof("%s is set: the working directory will be preserved", KeepChrootEnvVar)
	} else {
		bc.Stack.Push(fmt.Sprintf("workdir %s", workDirAbs), func() error {
			return os.RemoveAll(workDirAbs)
		})
	}

	return bc, nil
}

// RawImagePath returns the path of the sparse disk image under <work>/image.
func (bc *BuildContext) RawImagePath() string {
	return filepath.Join(bc.ImageDir, rawImageName)
}

// RecordFsUuid records a discovered filesystem UUID for a partition label and
// enforces that the UUID map stays injective.
func (bc *BuildContext) RecordFsUuid(label, fsUuid string) error {
	for existingLabel, existingUuid := range bc.FsUuids {
		if existingUuid == fsUuid {
			return fmt.Errorf("partitions (%s) and (%s) share filesystem UUID (%s)", existingLabel,
				label, fsUuid)
		}
	}

	bc.FsUuids[label] = fsUuid
	return nil
}

// Unwind releases every acquired resource. With KeepChroot set, the stack is
// disarmed first, so the resources stay in place for inspection.
func (bc *BuildContext) Unwind() error {
	if bc.KeepChroot {
		bc.Stack.Disarm()
	}

	return bc.Stack.Unwind()
}

func envIsTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "0", "false", "no", "off":
		return false
	default:
		return true
	}
}
