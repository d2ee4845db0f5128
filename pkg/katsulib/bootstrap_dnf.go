// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsulib

import (
	"fmt"
	"path/filepath"

	"github.com/microsoft/katsu/api/katsuapi"
	"github.com/microsoft/katsu/internal/logger"
	"github.com/microsoft/katsu/internal/shell"
	"github.com/sirupsen/logrus"
)

// BuildDnfInstallArgs constructs the package manager invocation that
// populates the target root. Repositories come from the caller-supplied
// repository directory; no network discovery happens here.
func BuildDnfInstallArgs(dnf *katsuapi.DnfBuilder, arch katsuapi.Arch, installRoot string,
) []string {
	args := []string{
		"install",
		"-y",
		fmt.Sprintf("--releasever=%s", dnf.ReleaseVer),
		fmt.Sprintf("--installroot=%s", installRoot),
		fmt.Sprintf("--forcearch=%s", arch),
		fmt.Sprintf("--setopt=reposdir=%s", dnf.RepoDir),
		fmt.Sprintf("--setopt=gpgcheck=%d", boolToInt(dnf.GpgCheck)),
	}

	args = append(args, dnf.GlobalOptions...)

	for _, exclude := range dnf.Exclude {
		args = append(args, fmt.Sprintf("--exclude=%s", exclude))
	}

	args = append(args, dnf.Options...)
	args = append(args, dnf.Packages...)

	return args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func bootstrapDnf(bc *BuildContext, executable string) error {
	dnf := bc.Manifest.Dnf

	installRoot, err := filepath.Abs(bc.ChrootDir)
	if err != nil {
		return err
	}

	args := BuildDnfInstallArgs(dnf, bc.Manifest.Arch, installRoot)

	logger.Log.Infof("Installing %d package(s) with %s", len(dnf.Packages), executable)
	err = shell.NewExecBuilder(executable, args...).
		LogLevel(logrus.DebugLevel, logrus.WarnLevel).
		ErrorStderrLines(shell.DefaultWarnLogLines).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to install packages into (%s):\n%w", installRoot, err)
	}

	// Drop the package manager caches; they are dead weight in the image.
	cleanArgs := []string{"clean", "all", fmt.Sprintf("--installroot=%s", installRoot)}
	cleanArgs = append(cleanArgs, dnf.GlobalOptions...)
	err = shell.NewExecBuilder(executable, cleanArgs...).
		LogLevel(logrus.DebugLevel, logrus.WarnLevel).
		Execute()
	if err != nil {
		logger.Log.Warnf("Failed to clean package manager caches: %v", err)
	}

	return nil
}
