// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsuapi

import (
	"fmt"

	"github.com/microsoft/katsu/internal/userutils"
)

// User is an account created inside the image.
type User struct {
	Name string `yaml:"name" json:"name"`
	// Password is the crypt(3) hash of the user's password, as produced by
	// mkpasswd(1). Plain text passwords are not accepted.
	Password string `yaml:"password" json:"password,omitempty"`
	Uid      *int   `yaml:"uid" json:"uid,omitempty"`
	Gid      *int   `yaml:"gid" json:"gid,omitempty"`
	// Groups are supplementary groups the user is added to.
	Groups []string `yaml:"groups" json:"groups,omitempty"`
	Shell  string   `yaml:"shell" json:"shell,omitempty"`
	// CreateHome defaults to true.
	CreateHome *bool `yaml:"createHome" json:"createHome,omitempty"`
	// SshKeys are written to the user's ~/.ssh/authorized_keys.
	SshKeys []string `yaml:"sshKeys" json:"sshKeys,omitempty"`
}

func (u *User) IsValid() error {
	err := userutils.NameIsValid(u.Name)
	if err != nil {
		return fmt.Errorf("user (%s) is invalid:\n%w", u.Name, err)
	}

	if u.Uid != nil {
		err = userutils.UIDIsValid(*u.Uid)
		if err != nil {
			return fmt.Errorf("user (%s) is invalid:\n%w", u.Name, err)
		}
	}

	return nil
}

// GetCreateHome returns whether a home directory is created, defaulted to true.
func (u *User) GetCreateHome() bool {
	return u.CreateHome == nil || *u.CreateHome
}
