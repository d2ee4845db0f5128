// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Compressed root filesystem image creation (squashfs and erofs).

package katsulib

import (
	"fmt"
	"os"
	"strings"

	"github.com/microsoft/katsu/internal/logger"
	"github.com/microsoft/katsu/internal/shell"
)

// SquashfsCompEnvVar selects the squashfs compressor; defaults to zstd.
const SquashfsCompEnvVar = "KATSU_SQUASHFS_COMP"

// SquashfsCompressionArgs returns the mksquashfs compressor arguments for a
// named compressor.
func SquashfsCompressionArgs(compressor string) ([]string, error) {
	switch compressor {
	case "gzip":
		return []string{"-comp", "gzip", "-Xcompression-level", "9"}, nil
	case "lzo":
		return []string{"-comp", "lzo"}, nil
	case "lz4":
		return []string{"-comp", "lz4", "-Xhc"}, nil
	case "xz":
		return []string{"-comp", "xz", "-Xbcj", "x86"}, nil
	case "zstd", "":
		return []string{"-comp", "zstd", "-Xcompression-level", "19"}, nil
	case "lzma":
		return []string{"-comp", "lzma"}, nil
	default:
		return nil, fmt.Errorf("unknown squashfs compression (%s)", compressor)
	}
}

// CreateSquashfs compresses the chroot tree into a squashfs image. The
// kernel-managed trees are excluded and recreated as empty directories.
func CreateSquashfs(chrootDir, imagePath string) error {
	compressor := os.Getenv(SquashfsCompEnvVar)
	compArgs, err := SquashfsCompressionArgs(compressor)
	if err != nil {
		return err
	}

	logger.Log.Infof("Squashing (%s) into (%s)", chrootDir, imagePath)

	args := []string{chrootDir, imagePath}
	args = append(args, compArgs...)
	args = append(args,
		"-b", "1048576",
		"-noappend",
		"-e", "dev/",
		"-e", "proc/",
		"-e", "sys/",
		"-p", "/dev 755 0 0",
		"-p", "/proc 755 0 0",
		"-p", "/sys 755 0 0")

	// Note: mksquashfs prints a progress bar on stdout.
	err = shell.ExecuteLive(true /*squashErrors*/, "mksquashfs", args...)
	if err != nil {
		return fmt.Errorf("failed to create squashfs image:\n%w", err)
	}

	return nil
}

// ErofsOptions configures mkfs.erofs.
type ErofsOptions struct {
	// Compression is the -z value, e.g. "zstd,level=5".
	Compression string
	// ChunkSize is the -C value in bytes.
	ChunkSize int
	// ExcludePaths are repeated --exclude-path values.
	ExcludePaths []string
	// ExtraFeatures are -E values.
	ExtraFeatures []string
}

// DefaultErofsOptions are tuned for live media root images.
func DefaultErofsOptions() ErofsOptions {
	return ErofsOptions{
		Compression:   "zstd,level=5",
		ChunkSize:     1048576,
		ExcludePaths:  []string{"sys/", "proc/", "dev/"},
		ExtraFeatures: []string{"all-fragments", "fragdedupe=inode"},
	}
}

// BuildArgs renders the mkfs.erofs argument list.
func (o ErofsOptions) BuildArgs() []string {
	args := []string{"--quiet"}

	if o.Compression != "" {
		args = append(args, fmt.Sprintf("-z%s", o.Compression))
	}
	if o.ChunkSize != 0 {
		args = append(args, fmt.Sprintf("-C%d", o.ChunkSize))
	}
	for _, path := range o.ExcludePaths {
		args = append(args, fmt.Sprintf("--exclude-path=%s", path))
	}
	if len(o.ExtraFeatures) > 0 {
		args = append(args, fmt.Sprintf("-E%s", strings.Join(o.ExtraFeatures, ",")))
	}

	return args
}

// CreateErofs compresses the chroot tree into an erofs image.
func CreateErofs(chrootDir, imagePath string, options ErofsOptions) error {
	logger.Log.Infof("Creating erofs image (%s) from (%s)", imagePath, chrootDir)

	args := options.BuildArgs()
	args = append(args, imagePath, chrootDir)

	err := shell.ExecuteLive(false, "mkfs.erofs", args...)
	if err != nil {
		return fmt.Errorf("failed to create erofs image:\n%w", err)
	}

	return nil
}
