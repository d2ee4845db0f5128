// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package osinfo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadChrootOsRelease(t *testing.T) {
	chrootDir := t.TempDir()
	etcDir := filepath.Join(chrootDir, "etc")
	assert.NoError(t, os.MkdirAll(etcDir, 0o755))

	contents := `NAME="Fedora Linux"
VERSION="40 (Workstation Edition)"
ID=fedora
VERSION_ID=40
PRETTY_NAME="Fedora Linux 40 (Workstation Edition)"
`
	assert.NoError(t, os.WriteFile(filepath.Join(etcDir, "os-release"), []byte(contents), 0o644))

	osRelease, err := ReadChrootOsRelease(chrootDir)
	assert.NoError(t, err)
	assert.Equal(t, "fedora", osRelease.Id)
	assert.Equal(t, "Fedora Linux", osRelease.Name)
	assert.Equal(t, "40", osRelease.VersionId)
	assert.Equal(t, "Fedora Linux 40 (Workstation Edition)", osRelease.PrettyName)
}

func TestReadChrootOsReleaseUsrLibFallback(t *testing.T) {
	chrootDir := t.TempDir()
	libDir := filepath.Join(chrootDir, "usr/lib")
	assert.NoError(t, os.MkdirAll(libDir, 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(libDir, "os-release"), []byte("ID=fedora\n"), 0o644))

	osRelease, err := ReadChrootOsRelease(chrootDir)
	assert.NoError(t, err)
	assert.Equal(t, "fedora", osRelease.Id)
}

func TestReadChrootOsReleaseMissing(t *testing.T) {
	_, err := ReadChrootOsRelease(t.TempDir())
	assert.ErrorContains(t, err, "no os-release file")
}
