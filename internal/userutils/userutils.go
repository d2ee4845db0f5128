// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Creates user accounts inside a populated chroot.

package userutils

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/microsoft/katsu/internal/file"
	"github.com/microsoft/katsu/internal/logger"
	"github.com/microsoft/katsu/internal/shell"
)

const (
	// Users should be able to read these files, and root should have RW access.
	sshAuthorizedKeysFileMode = 0o644

	uidMin = 0
	uidMax = 60000
)

var userNameRegexp = regexp.MustCompile(`^[a-z_][a-z0-9_-]*\$?$`)

// User describes an account to create inside the chroot.
type User struct {
	Name           string
	Uid            *int
	Gid            *int
	HashedPassword string
	Groups         []string
	Shell          string
	CreateHome     bool
	SshKeys        []string
}

// NameIsValid checks a user name against the usual shadow-utils rules.
func NameIsValid(name string) error {
	if name == "" {
		return fmt.Errorf("user name may not be empty")
	}
	if len(name) > 32 {
		return fmt.Errorf("user name is longer than 32 characters")
	}
	if !userNameRegexp.MatchString(name) {
		return fmt.Errorf("user name (%s) has invalid characters", name)
	}
	return nil
}

// UIDIsValid checks a UID is within the allocatable range.
func UIDIsValid(uid int) error {
	if uid < uidMin || uid > uidMax {
		return fmt.Errorf("uid (%d) is outside the valid range (%d-%d)", uid, uidMin, uidMax)
	}
	return nil
}

// AddUser creates the user inside the chroot with useradd and applies the
// password hash, group memberships, and SSH keys.
func AddUser(chrootDir string, user User) error {
	logger.Log.Infof("Adding user (%s)", user.Name)

	err := NameIsValid(user.Name)
	if err != nil {
		return err
	}

	args := []string{user.Name}
	if user.Shell != "" {
		args = append(args, "-s", user.Shell)
	}
	if user.Uid != nil {
		args = append(args, "-u", strconv.Itoa(*user.Uid))
	}
	if user.Gid != nil {
		args = append(args, "-g", strconv.Itoa(*user.Gid))
	}
	if user.CreateHome {
		args = append(args, "-m")
	}
	if user.HashedPassword != "" {
		args = append(args, "-p", user.HashedPassword)
	}

	err = shell.NewExecBuilder("useradd", args...).
		Chroot(chrootDir).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to add user (%s):\n%w", user.Name, err)
	}

	for _, group := range user.Groups {
		err = shell.NewExecBuilder("usermod", "-aG", group, user.Name).
			Chroot(chrootDir).
			Execute()
		if err != nil {
			return fmt.Errorf("failed to add user (%s) to group (%s):\n%w", user.Name, group, err)
		}
	}

	if len(user.SshKeys) > 0 {
		err = writeAuthorizedKeys(chrootDir, user)
		if err != nil {
			return err
		}
	}

	return nil
}

func writeAuthorizedKeys(chrootDir string, user User) error {
	homeDir := filepath.Join(chrootDir, "home", user.Name)
	if user.Name == "root" {
		homeDir = filepath.Join(chrootDir, "root")
	}

	sshDir := filepath.Join(homeDir, ".ssh")
	err := os.MkdirAll(sshDir, 0o700)
	if err != nil {
		return fmt.Errorf("failed to create (%s):\n%w", sshDir, err)
	}

	keysPath := filepath.Join(sshDir, "authorized_keys")
	contents := strings.Join(user.SshKeys, "\n") + "\n"
	err = file.Write(contents, keysPath)
	if err != nil {
		return fmt.Errorf("failed to write authorized keys for user (%s):\n%w", user.Name, err)
	}

	err = os.Chmod(keysPath, sshAuthorizedKeysFileMode)
	if err != nil {
		return err
	}

	// The keys must be owned by the new user, whose uid only exists inside
	// the chroot's passwd database.
	err = shell.NewExecBuilder("chown", "-R", fmt.Sprintf("%s:%s", user.Name, user.Name),
		strings.TrimPrefix(sshDir, chrootDir)).
		Chroot(chrootDir).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to chown ssh keys for user (%s):\n%w", user.Name, err)
	}

	return nil
}
