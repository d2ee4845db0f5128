// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsulib

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/microsoft/katsu/api/katsuapi"
	"github.com/microsoft/katsu/internal/file"
	"github.com/microsoft/katsu/internal/logger"
	"github.com/microsoft/katsu/internal/shell"
)

// limineShareDir is where the limine package installs its binaries inside the
// chroot.
const limineShareDir = "usr/share/limine"

// GenerateLimineConf renders a limine.conf naming the kernel, initramfs, and
// kernel command line of every discovered kernel, newest first.
func GenerateLimineConf(manifest *katsuapi.Manifest, kernels []Kernel, rootUuid string) string {
	builder := strings.Builder{}
	builder.WriteString("timeout: 5\n\n")

	for i := len(kernels) - 1; i >= 0; i-- {
		kernel := kernels[i]

		fmt.Fprintf(&builder, "/%s (%s)\n", manifest.Distro, kernel.Version)
		builder.WriteString("\tprotocol: linux\n")
		fmt.Fprintf(&builder, "\tkernel_path: boot():/boot/%s\n", kernel.Vmlinuz)
		if kernel.Initramfs != "" {
			fmt.Fprintf(&builder, "\tmodule_path: boot():/boot/%s\n", kernel.Initramfs)
		}
		fmt.Fprintf(&builder, "\tcmdline: root=UUID=%s %s", rootUuid, rootMountToken(manifest))
		if manifest.KernelCmdline != "" {
			fmt.Fprintf(&builder, " %s", manifest.KernelCmdline)
		}
		builder.WriteString("\n\n")
	}

	return builder.String()
}

// installLimine copies the limine binaries into the image, writes
// limine.conf, installs the BIOS stages onto the disk, and enrolls the
// config's checksum for secure boot.
func installLimine(bc *BuildContext, diskDevPath string) error {
	bootloader := bc.Manifest.Bootloader

	kernels, err := DiscoverKernels(bc.ChrootDir)
	if err != nil {
		return err
	}

	rootUuid, err := rootFsUuid(bc)
	if err != nil {
		return err
	}

	conf := GenerateLimineConf(bc.Manifest, kernels, rootUuid)
	confPath := filepath.Join(bc.ChrootDir, "boot/limine.conf")
	err = file.Write(conf, confPath)
	if err != nil {
		return err
	}

	if bootloader != katsuapi.BootloaderTypeLimineBios {
		err = installLimineUefiBinary(bc)
		if err != nil {
			return err
		}

		efiBinary := filepath.Join(bc.ChrootDir, "boot/efi/EFI/BOOT",
			strings.ToUpper(limineEfiBinaryName(bc.Manifest.Arch)))
		err = enrollLimineConfig(bc, confPath, efiBinary)
		if err != nil {
			return err
		}
	}

	if bootloader != katsuapi.BootloaderTypeLimineUefi {
		biosSys := filepath.Join(limineShareDir, "limine-bios.sys")
		err = file.Copy(filepath.Join(bc.ChrootDir, biosSys),
			filepath.Join(bc.ChrootDir, "boot/limine-bios.sys"))
		if err != nil {
			return err
		}

		err = enrollLimineConfig(bc, confPath, filepath.Join(bc.ChrootDir, "boot/limine-bios.sys"))
		if err != nil {
			return err
		}

		if diskDevPath == "" {
			return fmt.Errorf("limine BIOS stages require a block-backed target")
		}

		logger.Log.Debugf("Installing limine BIOS stages to (%s)", diskDevPath)
		err = shell.ExecuteLive(false, "limine", "bios-install", diskDevPath)
		if err != nil {
			return fmt.Errorf("failed to install limine BIOS stages:\n%w", err)
		}
	}

	return nil
}

func installLimineUefiBinary(bc *BuildContext) error {
	binaryName := limineEfiBinaryName(bc.Manifest.Arch)
	source := filepath.Join(bc.ChrootDir, limineShareDir, binaryName)

	exists, err := file.PathExists(source)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("limine EFI binary (%s) is missing; is the limine package installed?",
			source)
	}

	dest := filepath.Join(bc.ChrootDir, "boot/efi/EFI/BOOT", strings.ToUpper(binaryName))
	return file.Copy(source, dest)
}

func limineEfiBinaryName(arch katsuapi.Arch) string {
	switch arch {
	case katsuapi.ArchAarch64:
		return "BOOTAA64.EFI"
	case katsuapi.ArchRiscv64:
		return "BOOTRISCV64.EFI"
	default:
		return "BOOTX64.EFI"
	}
}

// enrollLimineConfig embeds the config file's BLAKE2 checksum into the limine
// binary so it refuses tampered configs under secure boot.
func enrollLimineConfig(bc *BuildContext, confPath string, binaryPath string) error {
	stdout, stderr, err := shell.Execute("b2sum", confPath)
	if err != nil {
		return fmt.Errorf("failed to checksum limine config:\n%v\n%w", stderr, err)
	}

	checksum := strings.Fields(stdout)[0]

	err = shell.ExecuteLive(false, "limine", "enroll-config", binaryPath, checksum)
	if err != nil {
		return fmt.Errorf("failed to enroll limine config checksum:\n%w", err)
	}

	return nil
}
