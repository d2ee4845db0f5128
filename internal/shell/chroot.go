// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package shell

import (
	"os/exec"
	"syscall"
)

// applyChroot makes the command run with its root switched to rootDir.
// The kernel applies the chroot after fork and before exec, so the target
// binary is resolved inside rootDir.
func applyChroot(cmd *exec.Cmd, rootDir string) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Chroot = rootDir
	if cmd.Dir == "" {
		cmd.Dir = "/"
	}
}
