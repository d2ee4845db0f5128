// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// A mount that is automatically released on failure paths.

package safemount

import (
	"fmt"
	"os"
	"time"

	"github.com/microsoft/katsu/internal/logger"
	"github.com/microsoft/katsu/internal/retry"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

type Mount struct {
	target           string
	isMounted        bool
	dirCreated       bool
	deleteDirOnClose bool
}

// NewMount mounts a device and returns a Mount that tracks it.
// The caller must call Close or CleanClose. Close is safe to call on an
// already-closed Mount, so the recommended pattern is:
//
//	mount, err := safemount.NewMount(...)
//	if err != nil { return err }
//	defer mount.Close()
//	...
//	return mount.CleanClose()
func NewMount(source, target, fstype string, flags uintptr, data string, makeAndDeleteDir bool,
) (*Mount, error) {
	mount := &Mount{
		target:           target,
		deleteDirOnClose: makeAndDeleteDir,
	}

	err := mount.initialize(source, fstype, flags, data, makeAndDeleteDir)
	if err != nil {
		mount.Close()
		return nil, err
	}

	return mount, nil
}

func (m *Mount) initialize(source, fstype string, flags uintptr, data string, makeDir bool,
) error {
	logger.Log.Debugf("Mounting (%s) at (%s)", source, m.target)

	if makeDir {
		err := os.MkdirAll(m.target, os.ModePerm)
		if err != nil {
			return fmt.Errorf("failed to create mount directory (%s):\n%w", m.target, err)
		}
		m.dirCreated = true
	}

	err := unix.Mount(source, m.target, fstype, flags, data)
	if err != nil {
		return fmt.Errorf("failed to mount (%s) at (%s):\n%w", source, m.target, err)
	}
	m.isMounted = true

	return nil
}

// Target returns the mount's target directory.
func (m *Mount) Target() string {
	return m.target
}

// IsMounted queries the kernel for whether the target is still a mount point.
func (m *Mount) IsMounted() (bool, error) {
	return mountinfo.Mounted(m.target)
}

// CleanClose releases the mount and returns an error if the release fails.
func (m *Mount) CleanClose() error {
	return m.close(false)
}

// Close releases the mount, logging instead of returning errors.
// Used in defer statements to handle failure paths.
func (m *Mount) Close() {
	err := m.close(true)
	if err != nil {
		logger.Log.Warnf("%v", err)
	}
}

func (m *Mount) close(async bool) error {
	if m.isMounted {
		// The kernel may still consider the mount busy briefly after child
		// processes exit. Retry before reporting failure.
		err := retry.Run(func() error {
			mounted, err := mountinfo.Mounted(m.target)
			if err == nil && !mounted {
				// Already released elsewhere; success by the idempotency contract.
				return nil
			}

			return unix.Unmount(m.target, 0)
		}, 3, time.Second)
		if err != nil {
			return fmt.Errorf("failed to unmount (%s):\n%w", m.target, err)
		}
		m.isMounted = false
	}

	if m.dirCreated && m.deleteDirOnClose {
		err := os.Remove(m.target)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete mount directory (%s):\n%w", m.target, err)
		}
		m.dirCreated = false
	}

	return nil
}
