// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// A loopback device attachment that is automatically released on failure paths.

package safeloopback

import (
	"fmt"

	"github.com/microsoft/katsu/imagegen/diskutils"
	"github.com/microsoft/katsu/internal/logger"
)

type Loopback struct {
	devicePath   string
	diskFilePath string
	isAttached   bool
}

// NewLoopback attaches a disk file to a loop device.
// The caller must call Close or CleanClose.
func NewLoopback(diskFilePath string) (*Loopback, error) {
	loopback := &Loopback{
		diskFilePath: diskFilePath,
	}

	devicePath, err := diskutils.SetupLoopbackDevice(diskFilePath)
	if err != nil {
		return nil, err
	}

	loopback.devicePath = devicePath
	loopback.isAttached = true

	err = diskutils.WaitForDiskDevice(devicePath)
	if err != nil {
		loopback.Close()
		return nil, err
	}

	return loopback, nil
}

// DevicePath returns the /dev/loopN path of the attachment.
func (l *Loopback) DevicePath() string {
	return l.devicePath
}

// DiskFilePath returns the backing file path.
func (l *Loopback) DiskFilePath() string {
	return l.diskFilePath
}

// CleanClose detaches the loop device and verifies the detach completed.
func (l *Loopback) CleanClose() error {
	return l.close(false)
}

// Close detaches the loop device, logging instead of returning errors.
func (l *Loopback) Close() {
	err := l.close(true)
	if err != nil {
		logger.Log.Warnf("%v", err)
	}
}

func (l *Loopback) close(async bool) error {
	if !l.isAttached {
		return nil
	}

	err := diskutils.DetachLoopbackDevice(l.devicePath)
	if err != nil {
		return fmt.Errorf("failed to detach loopback device (%s):\n%w", l.devicePath, err)
	}
	l.isAttached = false

	if !async {
		err = diskutils.WaitForLoopbackToDetach(l.devicePath, l.diskFilePath)
		if err != nil {
			return err
		}
	}

	return nil
}
