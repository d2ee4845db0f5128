// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isogenerator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cavaliercoder/go-cpio"
	"github.com/klauspost/pgzip"
	"github.com/microsoft/katsu/imagegen/diskutils"
	"github.com/microsoft/katsu/internal/file"
	"github.com/microsoft/katsu/internal/logger"
	"github.com/microsoft/katsu/internal/safeloopback"
	"github.com/microsoft/katsu/internal/safemount"
	"github.com/microsoft/katsu/internal/shell"
)

const (
	// DefaultVolumeId labels the ISO 9660 volume when none is configured.
	DefaultVolumeId = "CDROM"

	// efiBootImgSizeInMiB is the size of the embedded FAT image holding the
	// EFI boot tree.
	efiBootImgSizeInMiB = 32
)

// Config describes the ISO image to produce.
type Config struct {
	// BuildDirPath is a directory for temporary files.
	BuildDirPath string
	// StagingDirPath is the tree converted into the ISO.
	StagingDirPath string
	// OutputFilePath is where the ISO is written.
	OutputFilePath string
	// VolumeId is the ISO 9660 volume label.
	VolumeId string
	// BiosBootBinary is the El Torito BIOS boot image, relative to the
	// staging directory. Empty disables BIOS boot.
	BiosBootBinary string
	// EfiBootImg is the embedded FAT EFI image, relative to the staging
	// directory. Empty disables EFI boot.
	EfiBootImg string
	// HybridMbrBinary is the MBR boot code making the ISO bootable from USB
	// sticks. Empty disables hybrid boot.
	HybridMbrBinary string
}

// BuildXorrisoArgs renders the xorriso invocation for the config.
func BuildXorrisoArgs(config Config) []string {
	volumeId := config.VolumeId
	if volumeId == "" {
		volumeId = DefaultVolumeId
	}

	args := []string{
		"-as", "mkisofs",
		"-iso-level", "3",
		"-R", "-J", "-joliet-long",
		"-V", volumeId,
		"-o", config.OutputFilePath,
	}

	if config.HybridMbrBinary != "" {
		args = append(args, "--grub2-mbr", config.HybridMbrBinary)
	}

	if config.BiosBootBinary != "" {
		args = append(args,
			"-b", config.BiosBootBinary,
			"-c", "boot.cat",
			"--boot-catalog-hide",
			"-no-emul-boot",
			"-boot-load-size", "4",
			"-boot-info-table")
	}

	if config.EfiBootImg != "" {
		args = append(args,
			"-eltorito-alt-boot",
			"-e", config.EfiBootImg,
			"-no-emul-boot",
			"-isohybrid-gpt-basdat")
	}

	args = append(args, config.StagingDirPath)
	return args
}

// GenerateIso converts the staging tree into a hybrid-bootable ISO and
// implants MD5 checksums for media verification.
func GenerateIso(config Config) error {
	logger.Log.Infof("Generating ISO image (%s)", config.OutputFilePath)

	err := os.MkdirAll(filepath.Dir(config.OutputFilePath), os.ModePerm)
	if err != nil {
		return err
	}

	args := BuildXorrisoArgs(config)

	// Note: xorriso has a noisy stderr.
	err = shell.ExecuteLive(true /*squashErrors*/, "xorriso", args...)
	if err != nil {
		return fmt.Errorf("failed to generate ISO using xorriso:\n%w", err)
	}

	err = implantIsoMd5(config.OutputFilePath)
	if err != nil {
		return err
	}

	return nil
}

// implantIsoMd5 embeds MD5 checksums for 'mediacheck' style verification.
// A missing implantisomd5 tool downgrades to a warning.
func implantIsoMd5(isoPath string) error {
	_, stderr, err := shell.Execute("implantisomd5", "--force", "--supported-iso", isoPath)
	if err != nil {
		if strings.Contains(err.Error(), "executable file not found") {
			logger.Log.Warnf("implantisomd5 is not installed; skipping media checksum")
			return nil
		}
		return fmt.Errorf("failed to implant ISO checksums:\n%v\n%w", stderr, err)
	}

	return nil
}

// CreateEfiBootImage builds the embedded FAT image holding the staging
// tree's EFI directory, so firmware can boot the ISO through El Torito's EFI
// entry.
func CreateEfiBootImage(buildDirPath, stagingDirPath, efiBootImgRelPath string) (err error) {
	efiBootImgPath := filepath.Join(stagingDirPath, efiBootImgRelPath)

	err = os.MkdirAll(filepath.Dir(efiBootImgPath), os.ModePerm)
	if err != nil {
		return err
	}

	logger.Log.Debugf("Creating EFI boot image (%s)", efiBootImgPath)
	err = diskutils.CreateSparseDisk(efiBootImgPath, efiBootImgSizeInMiB*diskutils.MiB, 0o644)
	if err != nil {
		return err
	}

	err = shell.ExecuteLive(true /*squashErrors*/, "mkdosfs", "-n", "EFIBOOT", efiBootImgPath)
	if err != nil {
		return fmt.Errorf("failed to format EFI boot image:\n%w", err)
	}

	loopback, err := safeloopback.NewLoopback(efiBootImgPath)
	if err != nil {
		return fmt.Errorf("failed to connect EFI boot image:\n%w", err)
	}
	defer loopback.Close()

	mountDir := filepath.Join(buildDirPath, "efiboot_temp")
	mount, err := safemount.NewMount(loopback.DevicePath(), mountDir, "vfat", 0, "",
		true /*makeAndDeleteDir*/)
	if err != nil {
		return fmt.Errorf("failed to mount EFI boot image:\n%w", err)
	}
	defer mount.Close()

	err = file.CopyDir(filepath.Join(stagingDirPath, "EFI"), filepath.Join(mountDir, "EFI"))
	if err != nil {
		return fmt.Errorf("failed to copy EFI tree into boot image:\n%w", err)
	}

	err = mount.CleanClose()
	if err != nil {
		return err
	}

	err = loopback.CleanClose()
	if err != nil {
		return err
	}

	return nil
}

// ExtractFromInitrd searches a gzip-compressed cpio initrd for srcFileName
// and copies it to destFilePath. Used as a fallback when the kernel image is
// not laid out in the chroot's /boot.
func ExtractFromInitrd(initrdPath, srcFileName, destFilePath string) (err error) {
	logger.Log.Debugf("Searching for (%s) in initrd (%s)", srcFileName, initrdPath)

	initrdFile, err := os.Open(initrdPath)
	if err != nil {
		return err
	}
	defer initrdFile.Close()

	gzipReader, err := pgzip.NewReader(initrdFile)
	if err != nil {
		return err
	}
	cpioReader := cpio.NewReader(gzipReader)

	for {
		var hdr *cpio.Header
		hdr, err = cpioReader.Next()
		if err == io.EOF {
			return fmt.Errorf("did not find (%s) in initrd (%s)", srcFileName, initrdPath)
		}
		if err != nil {
			return err
		}

		if !strings.HasPrefix(hdr.Name, srcFileName) {
			continue
		}

		logger.Log.Debugf("Found (%s) in initrd; copying to (%s)", srcFileName, destFilePath)
		err = os.MkdirAll(filepath.Dir(destFilePath), os.ModePerm)
		if err != nil {
			return err
		}

		dstFile, err := os.Create(destFilePath)
		if err != nil {
			return err
		}
		defer dstFile.Close()

		_, err = io.Copy(dstFile, cpioReader)
		if err != nil {
			return err
		}

		return dstFile.Close()
	}
}
