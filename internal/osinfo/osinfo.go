// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Reads distro identity from an os-release file.

package osinfo

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// OsRelease holds the fields of /etc/os-release this tool cares about.
type OsRelease struct {
	Id         string
	Name       string
	VersionId  string
	PrettyName string
}

// ReadChrootOsRelease reads the os-release file of a populated chroot.
// Falls back to /usr/lib/os-release when /etc/os-release is absent.
func ReadChrootOsRelease(chrootDir string) (*OsRelease, error) {
	paths := []string{
		filepath.Join(chrootDir, "etc/os-release"),
		filepath.Join(chrootDir, "usr/lib/os-release"),
	}

	for _, path := range paths {
		_, err := os.Stat(path)
		if err != nil {
			continue
		}

		return parseOsRelease(path)
	}

	return nil, fmt.Errorf("chroot (%s) has no os-release file", chrootDir)
}

func parseOsRelease(path string) (*OsRelease, error) {
	// os-release is shell-style KEY=value, which the INI parser handles once
	// told there are no sections.
	cfg, err := ini.LoadSources(ini.LoadOptions{
		UnescapeValueDoubleQuotes: true,
	}, path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse os-release file (%s):\n%w", path, err)
	}

	section := cfg.Section("")
	osRelease := &OsRelease{
		Id:         section.Key("ID").String(),
		Name:       section.Key("NAME").String(),
		VersionId:  section.Key("VERSION_ID").String(),
		PrettyName: section.Key("PRETTY_NAME").String(),
	}

	if osRelease.Id == "" {
		return nil, fmt.Errorf("os-release file (%s) has no ID field", path)
	}

	return osRelease, nil
}
