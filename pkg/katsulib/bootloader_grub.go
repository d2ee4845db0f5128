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
	"github.com/microsoft/katsu/internal/osinfo"
	"github.com/microsoft/katsu/internal/shell"
)

const (
	// grubCfgPath is the main GRUB config within the image.
	grubCfgPath = "boot/grub2/grub.cfg"
)

// GenerateGrubCfg renders a grub.cfg with an entry for every discovered
// kernel, referencing filesystems by UUID. bootPrefix is the path of the boot
// directory within the filesystem identified by bootUuid: empty for a
// dedicated /boot partition, "/boot" when /boot lives on the root filesystem.
func GenerateGrubCfg(manifest *katsuapi.Manifest, kernels []Kernel, rootUuid, bootUuid,
	bootPrefix string,
) string {
	builder := strings.Builder{}

	builder.WriteString("set timeout=5\n")
	builder.WriteString("set default=0\n\n")
	fmt.Fprintf(&builder, "search --no-floppy --fs-uuid --set=root %s\n\n", bootUuid)

	// Newest kernel first.
	for i := len(kernels) - 1; i >= 0; i-- {
		kernel := kernels[i]

		fmt.Fprintf(&builder, "menuentry '%s (%s)' {\n", manifest.Distro, kernel.Version)
		fmt.Fprintf(&builder, "\tlinux %s/%s root=UUID=%s %s", bootPrefix, kernel.Vmlinuz,
			rootUuid, rootMountToken(manifest))
		if manifest.KernelCmdline != "" {
			fmt.Fprintf(&builder, " %s", manifest.KernelCmdline)
		}
		builder.WriteString("\n")
		if kernel.Initramfs != "" {
			fmt.Fprintf(&builder, "\tinitrd %s/%s\n", bootPrefix, kernel.Initramfs)
		}
		builder.WriteString("}\n")
	}

	return builder.String()
}

// GenerateGrubEfiChainCfg renders the small grub.cfg placed on the ESP, which
// redirects GRUB to the real config on the boot filesystem.
func GenerateGrubEfiChainCfg(bootUuid, bootPrefix string) string {
	builder := strings.Builder{}
	fmt.Fprintf(&builder, "search --no-floppy --fs-uuid --set=dev %s\n", bootUuid)
	fmt.Fprintf(&builder, "set prefix=($dev)%s/grub2\n", bootPrefix)
	builder.WriteString("export $prefix\n")
	builder.WriteString("configfile $prefix/grub.cfg\n")
	return builder.String()
}

// installGrub2Bios writes GRUB's stage 1 to the MBR boot area and stage 1.5
// to the bios-grub partition, then generates the main grub.cfg.
func installGrub2Bios(bc *BuildContext, diskDevPath string) error {
	if diskDevPath == "" {
		return fmt.Errorf("grub2-bios requires a block-backed target")
	}

	// grub2-install finds its modules inside the chroot and writes the boot
	// code to the loop device, placing stage 1.5 into the bios-grub partition
	// automatically on GPT, or the post-MBR gap on MBR tables.
	err := shell.NewExecBuilder("grub2-install", "--target=i386-pc",
		"--boot-directory=/boot", diskDevPath).
		Chroot(bc.ChrootDir).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to install GRUB BIOS boot code:\n%w", err)
	}

	return writeMainGrubCfg(bc)
}

// espDistroDir resolves the ESP vendor directory holding the signed EFI
// binaries: EFI/<distro> from the manifest, falling back to the chroot's
// os-release ID when the manifest spells the distro differently than the
// bootloader packages do.
func espDistroDir(bc *BuildContext) (string, error) {
	espDir := filepath.Join(bc.ChrootDir, "boot/efi")

	candidates := []string{bc.Manifest.Distro}
	osRelease, err := osinfo.ReadChrootOsRelease(bc.ChrootDir)
	if err == nil && osRelease.Id != bc.Manifest.Distro {
		candidates = append(candidates, osRelease.Id)
	}

	for _, name := range candidates {
		dir := filepath.Join(espDir, "EFI", name)
		exists, err := file.IsDir(dir)
		if err != nil {
			return "", err
		}
		if exists {
			return dir, nil
		}
	}

	// Fall back to the manifest spelling for the error message.
	return filepath.Join(espDir, "EFI", bc.Manifest.Distro), nil
}

// installGrub2Efi copies the signed shim and GRUB binaries onto the ESP and
// writes a chain-loading config that resolves the boot filesystem by UUID.
func installGrub2Efi(bc *BuildContext) error {
	espDir := filepath.Join(bc.ChrootDir, "boot/efi")

	distroDir, err := espDistroDir(bc)
	if err != nil {
		return err
	}

	// The shim and GRUB EFI binaries are installed by their packages into
	// EFI/<distro>; their presence is how we know the package set is bootable.
	shimName, grubName := efiBinaryNames(bc.Manifest.Arch)
	for _, name := range []string{shimName, grubName} {
		binaryPath := filepath.Join(distroDir, name)
		exists, err := file.PathExists(binaryPath)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("EFI binary (%s) is missing; is the bootloader package installed?",
				binaryPath)
		}
	}

	// The removable-media fallback path lets the image boot on firmware with
	// no enrolled boot entry.
	fallbackDir := filepath.Join(espDir, "EFI/BOOT")
	fallbackName := fmt.Sprintf("BOOT%s.EFI", strings.ToUpper(efiArchSuffix(bc.Manifest.Arch)))
	err = file.Copy(filepath.Join(distroDir, shimName), filepath.Join(fallbackDir, fallbackName))
	if err != nil {
		return err
	}
	err = file.Copy(filepath.Join(distroDir, grubName), filepath.Join(fallbackDir, grubName))
	if err != nil {
		return err
	}

	bootUuid, bootPrefix, err := bootFsUuid(bc)
	if err != nil {
		return err
	}

	chainCfg := GenerateGrubEfiChainCfg(bootUuid, bootPrefix)
	for _, dir := range []string{distroDir, fallbackDir} {
		err = file.Write(chainCfg, filepath.Join(dir, "grub.cfg"))
		if err != nil {
			return err
		}
	}

	return writeMainGrubCfg(bc)
}

func writeMainGrubCfg(bc *BuildContext) error {
	kernels, err := DiscoverKernels(bc.ChrootDir)
	if err != nil {
		return err
	}

	rootUuid, err := rootFsUuid(bc)
	if err != nil {
		return err
	}

	bootUuid, bootPrefix, err := bootFsUuid(bc)
	if err != nil {
		return err
	}

	grubCfg := GenerateGrubCfg(bc.Manifest, kernels, rootUuid, bootUuid, bootPrefix)
	grubCfgFile := filepath.Join(bc.ChrootDir, grubCfgPath)

	logger.Log.Debugf("Writing grub.cfg:\n%s", grubCfg)
	return file.Write(grubCfg, grubCfgFile)
}

// efiBinaryNames returns the shim and GRUB binary names for the architecture.
func efiBinaryNames(arch katsuapi.Arch) (shim string, grub string) {
	suffix := efiArchSuffix(arch)
	return fmt.Sprintf("shim%s.efi", suffix), fmt.Sprintf("grub%s.efi", suffix)
}

func efiArchSuffix(arch katsuapi.Arch) string {
	switch arch {
	case katsuapi.ArchAarch64:
		return "aa64"
	case katsuapi.ArchRiscv64:
		return "riscv64"
	default:
		return "x64"
	}
}
