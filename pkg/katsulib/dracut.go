// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsulib

import (
	"fmt"
	"os"
	"strings"

	"github.com/microsoft/katsu/internal/logger"
	"github.com/microsoft/katsu/internal/shell"
)

// Live media needs an initramfs with the live-boot dracut modules; the one
// the kernel package generated is host-oriented. These defaults can be
// overridden through the environment for debugging.
const (
	DracutModsEnvVar = "KATSU_DRACUT_MODS"
	DracutOmitEnvVar = "KATSU_DRACUT_OMIT"
	DracutArgsEnvVar = "KATSU_DRACUT_ARGS"

	defaultDracutMods = "livenet dmsquash-live dmsquash-live-ntfs convertfs pollcdrom"
	defaultDracutArgs = "--xz --no-early-microcode"
)

// BuildDracutArgs renders the dracut invocation regenerating a kernel's
// initramfs for live boot.
func BuildDracutArgs(kernel Kernel, mods, omit, basicArgs string) []string {
	args := strings.Fields(basicArgs)
	args = append(args,
		"--nomdadmconf",
		"--nolvmconf",
		"-fN",
		"-a", mods)

	if omit != "" {
		args = append(args, "--omit", omit)
	}

	args = append(args,
		fmt.Sprintf("/boot/initramfs-%s.img", kernel.Version),
		"--kver", kernel.Version)

	return args
}

// regenerateLiveInitramfs reruns dracut inside the chroot for the newest
// kernel, pulling in the live-boot modules.
func regenerateLiveInitramfs(bc *BuildContext) error {
	kernels, err := DiscoverKernels(bc.ChrootDir)
	if err != nil {
		return newBuildError(ErrorKindBootstrap, err)
	}
	kernel := kernels[len(kernels)-1]

	mods := envOrDefault(DracutModsEnvVar, defaultDracutMods)
	omit := os.Getenv(DracutOmitEnvVar)
	basicArgs := envOrDefault(DracutArgsEnvVar, defaultDracutArgs)

	args := BuildDracutArgs(kernel, mods, omit, basicArgs)

	logger.Log.Infof("Regenerating initramfs for kernel (%s)", kernel.Version)
	err = shell.NewExecBuilder("dracut", args...).
		Chroot(bc.ChrootDir).
		EnvironmentVariables([]string{"DRACUT_SYSTEMD=0", "PATH=/usr/sbin:/usr/bin:/sbin:/bin"}).
		Execute()
	if err != nil {
		return newBuildError(ErrorKindBootstrap,
			fmt.Errorf("failed to regenerate initramfs:\n%w", err))
	}

	// Rescan /boot to check that the kernels are still discoverable after the
	// regeneration; later phases run their own scan.
	_, err = DiscoverKernels(bc.ChrootDir)
	if err != nil {
		return newBuildError(ErrorKindBootstrap, err)
	}

	return nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}
