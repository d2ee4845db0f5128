// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsulib

import (
	"fmt"

	"github.com/microsoft/katsu/api/katsuapi"
	"github.com/microsoft/katsu/internal/logger"
	"github.com/microsoft/katsu/internal/userutils"
)

// Bootstrap populates the target root using the manifest's builder. On
// success, the chroot contains a filesystem tree owned by the build. On
// failure, the partial tree is left in place for the unwind to collect.
func Bootstrap(bc *BuildContext) error {
	logger.Log.Infof("Populating root with builder (%s)", bc.Manifest.Builder)

	var err error
	switch bc.Manifest.Builder {
	case katsuapi.BuilderTypeDnf:
		err = bootstrapDnf(bc, "dnf")

	case katsuapi.BuilderTypeDnf5:
		err = bootstrapDnf(bc, "dnf5")

	case katsuapi.BuilderTypeOci:
		err = bootstrapOci(bc)

	case katsuapi.BuilderTypeTar:
		err = bootstrapTar(bc)

	case katsuapi.BuilderTypeSquashfs:
		err = bootstrapSquashfs(bc)

	case katsuapi.BuilderTypeDir:
		err = bootstrapDir(bc)

	default:
		err = fmt.Errorf("unknown builder type (%s)", bc.Manifest.Builder)
	}
	if err != nil {
		return newBuildError(ErrorKindBootstrap, err)
	}

	err = createUsers(bc)
	if err != nil {
		return newBuildError(ErrorKindBootstrap, err)
	}

	return nil
}

func createUsers(bc *BuildContext) error {
	if len(bc.Manifest.Users) == 0 {
		logger.Log.Warnf("No users specified, no users will be created")
		return nil
	}

	for i := range bc.Manifest.Users {
		user := &bc.Manifest.Users[i]

		err := userutils.AddUser(bc.ChrootDir, userutils.User{
			Name:           user.Name,
			Uid:            user.Uid,
			Gid:            user.Gid,
			HashedPassword: user.Password,
			Groups:         user.Groups,
			Shell:          user.Shell,
			CreateHome:     user.GetCreateHome(),
			SshKeys:        user.SshKeys,
		})
		if err != nil {
			return err
		}
	}

	return nil
}
