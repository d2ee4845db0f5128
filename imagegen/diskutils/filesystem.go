// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package diskutils

import (
	"fmt"
	"strings"
	"time"

	"github.com/microsoft/katsu/internal/logger"
	"github.com/microsoft/katsu/internal/retry"
	"github.com/microsoft/katsu/internal/shell"
)

// FileSystemType is a filesystem a partition can be formatted with.
type FileSystemType string

const (
	FileSystemTypeExt4  FileSystemType = "ext4"
	FileSystemTypeXfs   FileSystemType = "xfs"
	FileSystemTypeBtrfs FileSystemType = "btrfs"
	FileSystemTypeVfat  FileSystemType = "vfat"
	FileSystemTypeF2fs  FileSystemType = "f2fs"
	FileSystemTypeSwap  FileSystemType = "swap"
	FileSystemTypeNone  FileSystemType = "none"
)

// MkfsCommand returns the mkfs program and arguments for the given filesystem
// type. When fsUuid is non-empty, the new filesystem's UUID is pinned to it
// so repeated builds produce identical images.
func MkfsCommand(fsType FileSystemType, label string, fsUuid string) (program string,
	args []string, err error,
) {
	switch fsType {
	case FileSystemTypeExt4:
		program = "mkfs.ext4"
		if label != "" {
			args = append(args, "-L", label)
		}
		if fsUuid != "" {
			args = append(args, "-U", fsUuid)
		}

	case FileSystemTypeXfs:
		program = "mkfs.xfs"
		args = append(args, "-f")
		if label != "" {
			args = append(args, "-L", label)
		}
		if fsUuid != "" {
			args = append(args, "-m", fmt.Sprintf("uuid=%s", fsUuid))
		}

	case FileSystemTypeBtrfs:
		program = "mkfs.btrfs"
		args = append(args, "--force")
		if label != "" {
			args = append(args, "--label", label)
		}
		if fsUuid != "" {
			args = append(args, "--uuid", fsUuid)
		}

	case FileSystemTypeVfat:
		program = "mkfs.vfat"
		args = append(args, "-F", "32")
		if label != "" {
			args = append(args, "-n", strings.ToUpper(label))
		}
		if fsUuid != "" {
			// vfat volume IDs are 32-bit; the "XXXX-XXXX" form is accepted and
			// its dash dropped.
			args = append(args, "-i", strings.ReplaceAll(fsUuid, "-", ""))
		}

	case FileSystemTypeF2fs:
		program = "mkfs.f2fs"
		args = append(args, "-f")
		if label != "" {
			args = append(args, "-l", label)
		}

	case FileSystemTypeSwap:
		program = "mkswap"
		if label != "" {
			args = append(args, "-L", label)
		}
		if fsUuid != "" {
			args = append(args, "-U", fsUuid)
		}

	default:
		return "", nil, fmt.Errorf("unrecognized filesystem format: %s", fsType)
	}

	return program, args, nil
}

// FormatPartition formats a partition and returns the new filesystem's UUID.
// A filesystem type of "none" leaves the partition raw and returns no UUID.
func FormatPartition(partDevPath string, fsType FileSystemType, label string, fsUuid string,
) (string, error) {
	const (
		totalAttempts = 5
		retryDuration = time.Second
	)

	if fsType == FileSystemTypeNone || fsType == "" {
		logger.Log.Debugf("No filesystem type specified. Ignoring for partition: %v", partDevPath)
		return "", nil
	}

	program, args, err := MkfsCommand(fsType, label, fsUuid)
	if err != nil {
		return "", err
	}
	args = append(args, partDevPath)

	// The format command can fail if the kernel hasn't finished materializing
	// the newly created partition's device node. Retry to cover the race.
	err = retry.Run(func() error {
		_, stderr, err := shell.Execute(program, args...)
		if err != nil {
			logger.Log.Warnf("Failed to format partition using %s: %v", program, stderr)
			return err
		}
		return nil
	}, totalAttempts, retryDuration)
	if err != nil {
		return "", fmt.Errorf("could not format partition (%s) with type %v after %v attempts",
			partDevPath, fsType, totalAttempts)
	}

	uuid, err := GetFileSystemUuid(partDevPath)
	if err != nil {
		return "", err
	}

	return uuid, nil
}

// GetFileSystemUuid reads the filesystem UUID of a formatted partition.
func GetFileSystemUuid(partDevPath string) (string, error) {
	stdout, stderr, err := shell.Execute("blkid", partDevPath, "-s", "UUID", "-o", "value")
	if err != nil {
		return "", fmt.Errorf("failed to read filesystem UUID of (%s):\n%v\n%w", partDevPath,
			stderr, err)
	}

	uuid := strings.TrimSpace(stdout)
	if uuid == "" {
		return "", fmt.Errorf("partition (%s) has no filesystem UUID", partDevPath)
	}

	return uuid, nil
}

// GetPartUuid reads the partition (table entry) UUID of a partition.
func GetPartUuid(partDevPath string) (string, error) {
	stdout, stderr, err := shell.Execute("blkid", partDevPath, "-s", "PARTUUID", "-o", "value")
	if err != nil {
		return "", fmt.Errorf("failed to read partition UUID of (%s):\n%v\n%w", partDevPath,
			stderr, err)
	}

	return strings.TrimSpace(stdout), nil
}

// CopyBlocks copies a raw payload file into a partition by direct block write.
func CopyBlocks(partDevPath string, sourcePath string) error {
	logger.Log.Debugf("Writing blocks of (%s) to (%s)", sourcePath, partDevPath)

	// Note: dd has a noisy stderr.
	err := shell.ExecuteLive(true /*squashErrors*/, "dd",
		fmt.Sprintf("if=%s", sourcePath),
		fmt.Sprintf("of=%s", partDevPath),
		"bs=1M",
		"conv=fsync")
	if err != nil {
		return fmt.Errorf("failed to write blocks of (%s) to (%s):\n%w", sourcePath, partDevPath,
			err)
	}

	return nil
}
