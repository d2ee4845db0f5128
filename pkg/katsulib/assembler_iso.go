// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// The live ISO pipeline: populated root, squashed to LiveOS/squashfs.img,
// wrapped with bootloader staging and a hybrid-bootable ISO 9660 image.

package katsulib

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/microsoft/katsu/api/katsuapi"
	"github.com/microsoft/katsu/internal/file"
	"github.com/microsoft/katsu/internal/isogenerator"
	"github.com/microsoft/katsu/internal/logger"
	"github.com/microsoft/katsu/internal/shell"
)

const (
	liveOsDirName     = "LiveOS"
	liveSquashfsName  = "squashfs.img"
	efiBootImgRelPath = "boot/efiboot.img"
)

func buildIso(bc *BuildContext) error {
	bootloader := bc.Manifest.Bootloader
	if bootloader == katsuapi.BootloaderTypeUBoot {
		return newBuildError(ErrorKindManifestInvalid,
			fmt.Errorf("bootloader (%s) cannot produce ISO media", bootloader))
	}

	bindStack, err := populateRoot(bc)
	if err != nil {
		return err
	}

	err = regenerateLiveInitramfs(bc)
	if err != nil {
		return err
	}

	// The squashfs harvests the chroot as plain files.
	err = bindStack.Unwind()
	if err != nil {
		return newBuildError(ErrorKindBlock, err)
	}

	liveOsDir := filepath.Join(bc.IsoRootDir, liveOsDirName)
	err = os.MkdirAll(liveOsDir, os.ModePerm)
	if err != nil {
		return newBuildError(ErrorKindBlock, err)
	}

	err = CreateSquashfs(bc.ChrootDir, filepath.Join(liveOsDir, liveSquashfsName))
	if err != nil {
		return newBuildError(ErrorKindBlock, err)
	}

	var staging isoStaging
	switch {
	case bootloader == katsuapi.BootloaderTypeGrub2Efi ||
		bootloader == katsuapi.BootloaderTypeGrub2Bios:
		staging, err = stageGrubIso(bc)

	default:
		staging, err = stageLimineIso(bc)
	}
	if err != nil {
		return newBuildError(ErrorKindBootloader, err)
	}

	if staging.hasEfiTree {
		err = isogenerator.CreateEfiBootImage(bc.ImageDir, bc.IsoRootDir, efiBootImgRelPath)
		if err != nil {
			return newBuildError(ErrorKindBootloader, err)
		}
	}

	outFile := OutFilePath(bc.Manifest)
	config := isogenerator.Config{
		BuildDirPath:    bc.ImageDir,
		StagingDirPath:  bc.IsoRootDir,
		OutputFilePath:  outFile,
		VolumeId:        bc.Manifest.GetVolumeId(),
		BiosBootBinary:  staging.biosBootBinary,
		HybridMbrBinary: staging.hybridMbrBinary,
	}
	if staging.hasEfiTree {
		config.EfiBootImg = efiBootImgRelPath
	}

	err = isogenerator.GenerateIso(config)
	if err != nil {
		return newBuildError(ErrorKindBlock, err)
	}

	logger.Log.Infof("Wrote ISO image (%s)", outFile)
	return nil
}

// isoStaging describes what the bootloader staging placed into the ISO tree.
type isoStaging struct {
	// biosBootBinary is the El Torito BIOS boot image, relative to the tree.
	biosBootBinary string
	// hybridMbrBinary is the MBR boot code for USB boot, absolute path.
	hybridMbrBinary string
	// hasEfiTree reports whether an EFI/ tree was staged.
	hasEfiTree bool
}

// liveKernelCmdline is the command line booting the squashfs live root.
func liveKernelCmdline(manifest *katsuapi.Manifest) string {
	cmdline := fmt.Sprintf("root=live:CDLABEL=%s rd.live.image", manifest.GetVolumeId())
	if manifest.KernelCmdline != "" {
		cmdline += " " + manifest.KernelCmdline
	}
	return cmdline
}

// copyLiveKernel places the newest kernel and its initramfs into the ISO
// tree's boot directory under fixed names.
func copyLiveKernel(bc *BuildContext) error {
	kernels, err := DiscoverKernels(bc.ChrootDir)
	if err != nil {
		return err
	}
	kernel := kernels[len(kernels)-1]

	isoBootDir := filepath.Join(bc.IsoRootDir, "boot")

	vmlinuzSrc := filepath.Join(bc.ChrootDir, "boot", kernel.Vmlinuz)
	exists, err := file.PathExists(vmlinuzSrc)
	if err != nil {
		return err
	}
	if !exists {
		// Some kernel packages only lay out the image in the modules tree.
		vmlinuzSrc = filepath.Join(bc.ChrootDir, "usr/lib/modules", kernel.Version, "vmlinuz")
		exists, err = file.PathExists(vmlinuzSrc)
		if err != nil {
			return err
		}
	}

	vmlinuzDest := filepath.Join(isoBootDir, "vmlinuz")
	if exists {
		err = file.Copy(vmlinuzSrc, vmlinuzDest)
		if err != nil {
			return err
		}
	} else {
		// Last resort: pull the kernel image out of the initramfs.
		initrdPath := filepath.Join(bc.ChrootDir, "boot", kernel.Initramfs)
		err = isogenerator.ExtractFromInitrd(initrdPath, "boot/vmlinuz", vmlinuzDest)
		if err != nil {
			return err
		}
	}

	if kernel.Initramfs == "" {
		return fmt.Errorf("kernel (%s) has no initramfs", kernel.Version)
	}

	return file.Copy(filepath.Join(bc.ChrootDir, "boot", kernel.Initramfs),
		filepath.Join(isoBootDir, "initramfs.img"))
}

// stageLimineIso lays out the limine boot files and config in the ISO tree.
func stageLimineIso(bc *BuildContext) (isoStaging, error) {
	staging := isoStaging{}
	shareDir := filepath.Join(bc.ChrootDir, limineShareDir)
	isoBootDir := filepath.Join(bc.IsoRootDir, "boot")

	err := copyLiveKernel(bc)
	if err != nil {
		return staging, err
	}

	// Every limine variant stages the hybrid layout, so the ISO boots through
	// BIOS and UEFI alike.
	stageBios := true
	stageUefi := true

	if stageBios {
		for _, name := range []string{"limine-bios-cd.bin", "limine-bios.sys"} {
			err = file.Copy(filepath.Join(shareDir, name), filepath.Join(isoBootDir, name))
			if err != nil {
				return staging, err
			}
		}
		staging.biosBootBinary = "boot/limine-bios-cd.bin"
	}

	if stageUefi {
		binaryName := limineEfiBinaryName(bc.Manifest.Arch)
		err = file.Copy(filepath.Join(shareDir, binaryName),
			filepath.Join(bc.IsoRootDir, "EFI/BOOT", binaryName))
		if err != nil {
			return staging, err
		}
		staging.hasEfiTree = true
	}

	conf := generateLimineLiveConf(bc.Manifest)
	confPath := filepath.Join(isoBootDir, "limine.conf")
	err = file.Write(conf, confPath)
	if err != nil {
		return staging, err
	}

	// Enroll the config checksum so secure boot accepts it.
	enrollTargets := []string(nil)
	if stageBios {
		enrollTargets = append(enrollTargets, filepath.Join(isoBootDir, "limine-bios.sys"))
	}
	if stageUefi {
		enrollTargets = append(enrollTargets,
			filepath.Join(bc.IsoRootDir, "EFI/BOOT", limineEfiBinaryName(bc.Manifest.Arch)))
	}
	for _, target := range enrollTargets {
		err = enrollLimineConfig(bc, confPath, target)
		if err != nil {
			return staging, err
		}
	}

	return staging, nil
}

// generateLimineLiveConf renders the live media limine.conf: one entry
// booting the squashed root by volume label.
func generateLimineLiveConf(manifest *katsuapi.Manifest) string {
	builder := strings.Builder{}
	builder.WriteString("timeout: 5\n\n")
	fmt.Fprintf(&builder, "/%s Live\n", manifest.Distro)
	builder.WriteString("\tprotocol: linux\n")
	builder.WriteString("\tkernel_path: boot():/boot/vmlinuz\n")
	builder.WriteString("\tmodule_path: boot():/boot/initramfs.img\n")
	fmt.Fprintf(&builder, "\tcmdline: %s\n", liveKernelCmdline(manifest))
	return builder.String()
}

// stageGrubIso lays out GRUB's El Torito image, EFI tree, and live config in
// the ISO tree.
func stageGrubIso(bc *BuildContext) (isoStaging, error) {
	staging := isoStaging{}

	err := copyLiveKernel(bc)
	if err != nil {
		return staging, err
	}

	grubCfg := generateGrubLiveCfg(bc.Manifest)
	err = file.Write(grubCfg, filepath.Join(bc.IsoRootDir, "boot/grub2/grub.cfg"))
	if err != nil {
		return staging, err
	}

	if bc.Manifest.Arch == katsuapi.ArchX86_64 {
		err = stageGrubElTorito(bc)
		if err != nil {
			return staging, err
		}
		staging.biosBootBinary = "boot/eltorito.img"

		hybridImg := filepath.Join(bc.ChrootDir, "usr/lib/grub/i386-pc/boot_hybrid.img")
		exists, err := file.PathExists(hybridImg)
		if err != nil {
			return staging, err
		}
		if exists {
			staging.hybridMbrBinary = hybridImg
		} else {
			logger.Log.Warnf("GRUB hybrid boot image not found; the ISO will not boot from USB in BIOS mode")
		}
	}

	if bc.Manifest.Bootloader == katsuapi.BootloaderTypeGrub2Efi {
		err = stageGrubEfiTree(bc)
		if err != nil {
			return staging, err
		}
		staging.hasEfiTree = true
	}

	return staging, nil
}

func generateGrubLiveCfg(manifest *katsuapi.Manifest) string {
	builder := strings.Builder{}
	builder.WriteString("set timeout=5\n")
	builder.WriteString("set default=0\n\n")
	fmt.Fprintf(&builder, "search --no-floppy --set=root --label '%s'\n\n", manifest.GetVolumeId())
	fmt.Fprintf(&builder, "menuentry '%s Live' {\n", manifest.Distro)
	fmt.Fprintf(&builder, "\tlinux /boot/vmlinuz %s\n", liveKernelCmdline(manifest))
	builder.WriteString("\tinitrd /boot/initramfs.img\n")
	builder.WriteString("}\n")
	return builder.String()
}

// stageGrubElTorito builds the BIOS El Torito boot image from the chroot's
// GRUB modules.
func stageGrubElTorito(bc *BuildContext) error {
	const chrootEltorito = "tmp/eltorito.img"

	err := shell.NewExecBuilder("grub2-mkimage",
		"-O", "i386-pc-eltorito",
		"-d", "/usr/lib/grub/i386-pc",
		"-o", "/"+chrootEltorito,
		"-p", "/boot/grub2",
		"iso9660", "biosdisk").
		Chroot(bc.ChrootDir).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to build GRUB El Torito image:\n%w", err)
	}

	eltoritoPath := filepath.Join(bc.ChrootDir, chrootEltorito)
	defer os.Remove(eltoritoPath)

	return file.Copy(eltoritoPath, filepath.Join(bc.IsoRootDir, "boot/eltorito.img"))
}

// stageGrubEfiTree copies the signed shim and GRUB binaries into the ISO's
// EFI tree, next to a copy of the live config.
func stageGrubEfiTree(bc *BuildContext) error {
	distroDir, err := espDistroDir(bc)
	if err != nil {
		return err
	}
	efiBootDir := filepath.Join(bc.IsoRootDir, "EFI/BOOT")

	shimName, grubName := efiBinaryNames(bc.Manifest.Arch)
	fallbackName := fmt.Sprintf("BOOT%s.EFI", strings.ToUpper(efiArchSuffix(bc.Manifest.Arch)))

	err = file.Copy(filepath.Join(distroDir, shimName), filepath.Join(efiBootDir, fallbackName))
	if err != nil {
		return fmt.Errorf("failed to copy shim into the EFI tree:\n%w", err)
	}

	err = file.Copy(filepath.Join(distroDir, grubName), filepath.Join(efiBootDir, grubName))
	if err != nil {
		return err
	}

	return file.Copy(filepath.Join(bc.IsoRootDir, "boot/grub2/grub.cfg"),
		filepath.Join(efiBootDir, "grub.cfg"))
}
