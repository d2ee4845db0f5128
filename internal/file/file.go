// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Common filesystem helpers.

package file

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/microsoft/katsu/internal/logger"
)

// PathExists reports whether the given path exists.
func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IsDir reports whether the given path exists and is a directory.
func IsDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// ReadLines reads a file and returns its lines.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines := []string(nil)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	err = scanner.Err()
	if err != nil {
		return nil, err
	}

	return lines, nil
}

// Read reads a file's full contents as a string.
func Read(path string) (string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(contents), nil
}

// Write writes a string to a file, creating parent directories as needed.
func Write(contents string, path string) error {
	err := os.MkdirAll(filepath.Dir(path), os.ModePerm)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(contents), 0o644)
}

// Copy copies a file, creating the destination's parent directories.
func Copy(src string, dst string) error {
	logger.Log.Debugf("Copying (%s) to (%s)", src, dst)

	err := os.MkdirAll(filepath.Dir(dst), os.ModePerm)
	if err != nil {
		return err
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, srcInfo.Mode().Perm())
	if err != nil {
		return err
	}
	defer dstFile.Close()

	_, err = io.Copy(dstFile, srcFile)
	if err != nil {
		return fmt.Errorf("failed to copy (%s) to (%s):\n%w", src, dst, err)
	}

	return dstFile.Close()
}

// CopyDir recursively copies a directory tree, preserving permissions and
// recreating symlinks.
func CopyDir(src string, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		return err
	}

	err = os.MkdirAll(dst, srcInfo.Mode().Perm())
	if err != nil {
		return err
	}

	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		info, err := os.Lstat(srcPath)
		if err != nil {
			return err
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(srcPath)
			if err != nil {
				return err
			}
			err = os.Symlink(target, dstPath)
			if err != nil {
				return err
			}

		case info.IsDir():
			err = CopyDir(srcPath, dstPath)
			if err != nil {
				return err
			}

		default:
			err = Copy(srcPath, dstPath)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// Move moves a file, falling back to copy+delete across filesystems.
func Move(src string, dst string) error {
	logger.Log.Debugf("Moving (%s) to (%s)", src, dst)

	err := os.MkdirAll(filepath.Dir(dst), os.ModePerm)
	if err != nil {
		return err
	}

	err = os.Rename(src, dst)
	if err == nil {
		return nil
	}

	err = Copy(src, dst)
	if err != nil {
		return err
	}
	return os.Remove(src)
}
