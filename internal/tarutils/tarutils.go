// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package tarutils

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/microsoft/katsu/internal/logger"
)

// Compression selects the compressor applied to a created tar archive.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// CreateTarArchive streams sourceDir into a tar archive at outputArchivePath.
// When normalizeMtime is non-zero, every entry's timestamps are pinned to it
// so repeated builds of the same tree produce byte-identical archives.
func CreateTarArchive(sourceDir, outputArchivePath string, compression Compression,
	normalizeMtime time.Time,
) (err error) {
	logger.Log.Infof("Creating archive (%s) from (%s)", outputArchivePath, sourceDir)

	outFile, err := os.Create(outputArchivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive (%s):\n%w", outputArchivePath, err)
	}
	defer outFile.Close()

	var sink io.WriteCloser
	switch compression {
	case CompressionNone, "":
		sink = outFile

	case CompressionGzip:
		gw := pgzip.NewWriter(outFile)
		defer gw.Close()
		sink = gw

	case CompressionZstd:
		zw, err := zstd.NewWriter(outFile)
		if err != nil {
			return fmt.Errorf("failed to create zstd writer:\n%w", err)
		}
		defer zw.Close()
		sink = zw

	default:
		return fmt.Errorf("unknown tar compression (%s)", compression)
	}

	tw := tar.NewWriter(sink)
	defer tw.Close()

	err = filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return err
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)
		header.Format = tar.FormatPAX

		if !normalizeMtime.IsZero() {
			header.ModTime = normalizeMtime
			header.AccessTime = time.Time{}
			header.ChangeTime = time.Time{}
		}

		err = tw.WriteHeader(header)
		if err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create archive (%s):\n%w", outputArchivePath, err)
	}

	err = tw.Close()
	if err != nil {
		return err
	}

	if sink != outFile {
		err = sink.Close()
		if err != nil {
			return err
		}
	}

	return outFile.Close()
}

// CompressionForPath infers the compressor from the output file name.
func CompressionForPath(path string) Compression {
	switch {
	case strings.HasSuffix(path, ".tar.gz"), strings.HasSuffix(path, ".tgz"):
		return CompressionGzip
	case strings.HasSuffix(path, ".tar.zst"):
		return CompressionZstd
	default:
		return CompressionNone
	}
}
