// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package shell

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Capabilities a build needs before it can touch loop devices and mounts.
var requiredCapabilities = map[uintptr]string{
	unix.CAP_SYS_ADMIN:  "CAP_SYS_ADMIN",
	unix.CAP_MKNOD:      "CAP_MKNOD",
	unix.CAP_SYS_CHROOT: "CAP_SYS_CHROOT",
}

// CheckBuildCapabilities fails early if the capability bounding set lacks the
// capabilities needed for mounts, loop devices, and chroot execution. Only the
// bounding set is read: a capability that is in the bounding set but not in
// the process's effective set passes the check.
func CheckBuildCapabilities() error {
	maxBoundingCapability, err := getMaxBoundingCapability()
	if err != nil {
		return fmt.Errorf("failed to get number of Linux capabilities:\n%w", err)
	}

	missing := []string(nil)
	for capability, name := range requiredCapabilities {
		if capability > maxBoundingCapability {
			continue
		}

		enabled, err := readBoundingCapability(capability)
		if err != nil {
			return fmt.Errorf("failed to read bounding capability state (%d):\n%w", capability, err)
		}

		if !enabled {
			missing = append(missing, name)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("insufficient privileges: missing %s (run as root)",
			strings.Join(missing, ", "))
	}

	return nil
}

func getMaxBoundingCapability() (uintptr, error) {
	const lastCapFile = "/proc/sys/kernel/cap_last_cap"

	contentsBytes, err := os.ReadFile(lastCapFile)
	if err != nil {
		return 0, fmt.Errorf("failed to read cap_last_cap file:\n%w", err)
	}

	contents := strings.TrimSpace(string(contentsBytes))
	lastCap, err := strconv.Atoi(contents)
	if err != nil {
		return 0, fmt.Errorf("failed to parse cap_last_cap (%s):\n%w", contents, err)
	}

	return uintptr(lastCap), nil
}

func readBoundingCapability(capability uintptr) (bool, error) {
	r, _, errno := unix.Syscall6(unix.SYS_PRCTL, unix.PR_CAPBSET_READ, capability, 0, 0, 0, 0)
	enabled := r != 0
	if errno != 0 {
		return enabled, errno
	}
	return enabled, nil
}
