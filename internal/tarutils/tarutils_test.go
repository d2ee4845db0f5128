// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package tarutils

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
)

func TestCompressionForPath(t *testing.T) {
	assert.Equal(t, CompressionGzip, CompressionForPath("root.tar.gz"))
	assert.Equal(t, CompressionGzip, CompressionForPath("root.tgz"))
	assert.Equal(t, CompressionZstd, CompressionForPath("root.tar.zst"))
	assert.Equal(t, CompressionNone, CompressionForPath("root.tar"))
}

func TestCreateTarArchiveNormalizesMtime(t *testing.T) {
	sourceDir := t.TempDir()
	assert.NoError(t, os.MkdirAll(filepath.Join(sourceDir, "etc"), 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(sourceDir, "etc/hostname"), []byte("box\n"), 0o644))
	assert.NoError(t, os.Symlink("hostname", filepath.Join(sourceDir, "etc/alias")))

	outPath := filepath.Join(t.TempDir(), "root.tar.gz")
	epoch := time.Unix(1700000000, 0).UTC()

	err := CreateTarArchive(sourceDir, outPath, CompressionGzip, epoch)
	assert.NoError(t, err)

	f, err := os.Open(outPath)
	assert.NoError(t, err)
	defer f.Close()

	gzReader, err := pgzip.NewReader(f)
	assert.NoError(t, err)

	names := []string(nil)
	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		assert.NoError(t, err)

		names = append(names, header.Name)
		assert.True(t, header.ModTime.Equal(epoch), "entry (%s) mtime not normalized", header.Name)

		if header.Name == "etc/alias" {
			assert.Equal(t, "hostname", header.Linkname)
		}
	}

	assert.Contains(t, names, "etc")
	assert.Contains(t, names, "etc/hostname")
	assert.Contains(t, names, "etc/alias")
}
