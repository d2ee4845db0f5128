// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsulib

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/microsoft/katsu/api/katsuapi"
	"github.com/microsoft/katsu/internal/file"
	"github.com/microsoft/katsu/internal/logger"
)

// ubootShareDir is where the u-boot image packages install their binaries
// inside the chroot, one subdirectory per board.
const ubootShareDir = "usr/share/uboot"

// installUBoot copies the board u-boot binaries onto the ESP. Device-tree
// provisioning is left to post-scripts.
func installUBoot(bc *BuildContext) error {
	if bc.Manifest.Arch != katsuapi.ArchAarch64 && bc.Manifest.Arch != katsuapi.ArchRiscv64 {
		return fmt.Errorf("u-boot is only supported for aarch64 and riscv64 targets")
	}

	shareDir := filepath.Join(bc.ChrootDir, ubootShareDir)
	entries, err := os.ReadDir(shareDir)
	if err != nil {
		return fmt.Errorf("failed to read (%s); is a u-boot package installed?:\n%w", shareDir, err)
	}

	espDir := filepath.Join(bc.ChrootDir, "boot/efi")
	copied := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "rpi") {
			continue
		}

		source := filepath.Join(shareDir, entry.Name(), "u-boot.bin")
		exists, err := file.PathExists(source)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}

		dest := filepath.Join(espDir, fmt.Sprintf("%s-u-boot.bin", entry.Name()))
		logger.Log.Debugf("Copying u-boot binary (%s) to (%s)", source, dest)
		err = file.Copy(source, dest)
		if err != nil {
			return err
		}
		copied++
	}

	if copied == 0 {
		return fmt.Errorf("no board u-boot binaries found under (%s)", shareDir)
	}

	return nil
}
