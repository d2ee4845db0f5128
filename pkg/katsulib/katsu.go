// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Tool to build bootable OS images from resolved manifests.

package katsulib

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/microsoft/katsu/api/katsuapi"
	"github.com/microsoft/katsu/imagegen/mountutils"
	"github.com/microsoft/katsu/internal/logger"
	"github.com/microsoft/katsu/internal/resources"
	"github.com/microsoft/katsu/internal/shell"
	"golang.org/x/sys/unix"
)

// ToolVersion is stamped by the build.
var ToolVersion = "0.0.0-dev"

// BuildWithManifestFile loads, validates, and builds a manifest file.
func BuildWithManifestFile(manifestFile string, workDir string) error {
	var manifest katsuapi.Manifest
	err := katsuapi.UnmarshalAndValidateYamlFile(manifestFile, &manifest)
	if err != nil {
		return newBuildError(ErrorKindManifestInvalid,
			fmt.Errorf("failed to load manifest (%s):\n%w", manifestFile, err))
	}

	return Build(&manifest, workDir)
}

// Build runs the full pipeline for a validated manifest. Every acquired
// resource is released on every exit path; release failures are attached to
// the primary error without masking it.
func Build(manifest *katsuapi.Manifest, workDir string) error {
	err := manifest.IsValid()
	if err != nil {
		return newBuildError(ErrorKindManifestInvalid, err)
	}

	err = shell.CheckBuildCapabilities()
	if err != nil {
		return newBuildError(ErrorKindHostCapability, err)
	}

	bc, err := NewBuildContext(manifest, workDir)
	if err != nil {
		return newBuildError(ErrorKindBlock, err)
	}

	stopSignalHandler := handleTerminationSignals(bc)
	defer stopSignalHandler()

	buildErr := runPipeline(bc)

	unwindErr := bc.Unwind()
	if unwindErr != nil {
		logger.Log.Warnf("Unwind released remaining resources with errors:\n%v", unwindErr)
	}

	err = attachUnwindError(buildErr, unwindErr)
	if err != nil {
		return err
	}

	logger.Log.Infof("Build succeeded")
	return nil
}

func runPipeline(bc *BuildContext) error {
	switch bc.Manifest.Output {
	case katsuapi.OutputFormatDiskImage:
		return buildDiskImage(bc)

	case katsuapi.OutputFormatIso:
		return buildIso(bc)

	case katsuapi.OutputFormatSquashfs, katsuapi.OutputFormatErofs, katsuapi.OutputFormatFolder,
		katsuapi.OutputFormatTar:
		return buildFsArtifact(bc)

	default:
		return newBuildError(ErrorKindManifestInvalid,
			fmt.Errorf("unknown output format (%s)", bc.Manifest.Output))
	}
}

// populateRoot runs the root-population phases shared by every pipeline:
// pre-scripts, bootstrap, kernel filesystem binds, and post-scripts.
// The returned stack owns the kernel binds; callers release it before
// harvesting the chroot, and it is chained onto the build stack so a failure
// anywhere still releases the binds.
func populateRoot(bc *BuildContext) (*resources.Stack, error) {
	bindStack := resources.NewStack()
	bc.Stack.Push("kernel filesystem binds", bindStack.Unwind)

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

// handleTerminationSignals unwinds the resource stack when the build is
// interrupted, then re-raises the signal so the process exits with the
// conventional >128 status. The running child process receives the signal
// through the shared process group and exits first; the unwind is
// mutex-guarded and idempotent, so racing the pipeline's own teardown is
// safe.
func handleTerminationSignals(bc *BuildContext) (stop func()) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, unix.SIGINT, unix.SIGTERM)

	go func() {
		sig, ok := <-signals
		if !ok {
			return
		}

		logger.Log.Warnf("Received signal (%s); releasing resources", sig)
		err := bc.Unwind()
		if err != nil {
			logger.Log.Warnf("Unwind released remaining resources with errors:\n%v", err)
		}

		signal.Reset(unix.SIGINT, unix.SIGTERM)
		_ = unix.Kill(unix.Getpid(), sig.(unix.Signal))
	}()

	return func() {
		signal.Stop(signals)
		close(signals)
	}
}

func mountutilsBind(bc *BuildContext, stack *resources.Stack) error {
	err := mountutils.BindKernelFileSystems(stack, bc.ChrootDir)
	if err != nil {
		return newBuildError(ErrorKindBlock, err)
	}
	return nil
}

// OutFilePath returns the manifest's output path, defaulted per output kind.
func OutFilePath(manifest *katsuapi.Manifest) string {
	if manifest.OutFile != "" {
		return manifest.OutFile
	}

	switch manifest.Output {
	case katsuapi.OutputFormatDiskImage:
		return "katsu.img"
	case katsuapi.OutputFormatIso:
		return "out.iso"
	case katsuapi.OutputFormatSquashfs:
		return "root.squashfs"
	case katsuapi.OutputFormatErofs:
		return "root.erofs"
	case katsuapi.OutputFormatTar:
		return "root.tar"
	default:
		return ""
	}
}
