// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Pipelines for filesystem-tree artifacts: folder, tar, squashfs, erofs.

package katsulib

import (
	"fmt"
	"time"

	"github.com/microsoft/katsu/api/katsuapi"
	"github.com/microsoft/katsu/internal/file"
	"github.com/microsoft/katsu/internal/logger"
	"github.com/microsoft/katsu/internal/tarutils"
)

func buildFsArtifact(bc *BuildContext) error {
	bindStack, err := populateRoot(bc)
	if err != nil {
		return err
	}

	// The chroot is harvested as plain files; nothing may stay mounted under
	// it.
	err = bindStack.Unwind()
	if err != nil {
		return newBuildError(ErrorKindBlock, err)
	}

	switch bc.Manifest.Output {
	case katsuapi.OutputFormatFolder:
		return emitFolder(bc)

	case katsuapi.OutputFormatTar:
		return emitTar(bc)

	case katsuapi.OutputFormatSquashfs:
		outFile := OutFilePath(bc.Manifest)
		err = CreateSquashfs(bc.ChrootDir, outFile)
		if err != nil {
			return newBuildError(ErrorKindBlock, err)
		}
		logger.Log.Infof("Wrote squashfs image (%s)", outFile)
		return nil

	case katsuapi.OutputFormatErofs:
		outFile := OutFilePath(bc.Manifest)
		err = CreateErofs(bc.ChrootDir, outFile, DefaultErofsOptions())
		if err != nil {
			return newBuildError(ErrorKindBlock, err)
		}
		logger.Log.Infof("Wrote erofs image (%s)", outFile)
		return nil

	default:
		return fmt.Errorf("not a filesystem artifact output (%s)", bc.Manifest.Output)
	}
}

// emitFolder leaves the populated tree as the artifact. Without an explicit
// output path the chroot itself is the artifact, so the working directory is
// preserved.
func emitFolder(bc *BuildContext) error {
	if bc.Manifest.OutFile == "" {
		bc.Stack.Disarm()
		logger.Log.Infof("Populated root is at (%s)", bc.ChrootDir)
		return nil
	}

	err := file.CopyDir(bc.ChrootDir, bc.Manifest.OutFile)
	if err != nil {
		return newBuildError(ErrorKindBlock, err)
	}

	logger.Log.Infof("Wrote root tree (%s)", bc.Manifest.OutFile)
	return nil
}

func emitTar(bc *BuildContext) error {
	outFile := OutFilePath(bc.Manifest)

	mtime := time.Time{}
	if bc.Manifest.Deterministic != nil {
		mtime = time.Unix(bc.Manifest.Deterministic.SourceDateEpoch, 0).UTC()
	}

	err := tarutils.CreateTarArchive(bc.ChrootDir, outFile, tarutils.CompressionForPath(outFile),
		mtime)
	if err != nil {
		return newBuildError(ErrorKindBlock, err)
	}

	logger.Log.Infof("Wrote tar archive (%s)", outFile)
	return nil
}
