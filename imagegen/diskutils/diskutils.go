// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Utility to create and manipulate disks and partitions

package diskutils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/microsoft/katsu/internal/logger"
	"github.com/microsoft/katsu/internal/retry"
	"github.com/microsoft/katsu/internal/shell"
	"github.com/microsoft/katsu/internal/sliceutils"
	"golang.org/x/sys/unix"
)

type partitionInfoOutput struct {
	Devices []PartitionInfo `json:"blockdevices"`
}

type PartitionInfo struct {
	Name              string `json:"name"`       // Example: loop0p1
	Path              string `json:"path"`       // Example: /dev/loop0p1
	PartitionTypeUuid string `json:"parttype"`   // Example: c12a7328-f81f-11d2-ba4b-00a0c93ec93b
	FileSystemType    string `json:"fstype"`     // Example: vfat
	Uuid              string `json:"uuid"`       // Example: 4BD9-3A78
	PartUuid          string `json:"partuuid"`   // Example: 7b1367a6-5845-43f2-99b1-a742d873f590
	Mountpoint        string `json:"mountpoint"` // Example: /mnt/os/boot
	PartLabel         string `json:"partlabel"`  // Example: boot
	Type              string `json:"type"`       // Example: part
	SizeInBytes       uint64 `json:"size"`       // Example: 4096
}

type loopbackListOutput struct {
	Devices []loopbackDevice `json:"loopdevices"`
}

type loopbackDevice struct {
	Name        string `json:"name"`
	BackingFile string `json:"back-file"`
}

// Unit to byte conversion values
const (
	B  = 1
	KB = 1000
	MB = 1000 * 1000
	GB = 1000 * 1000 * 1000
	TB = 1000 * 1000 * 1000 * 1000

	KiB = 1024
	MiB = 1024 * 1024
	GiB = 1024 * 1024 * 1024
	TiB = 1024 * 1024 * 1024 * 1024
)

// DefaultAlignment is the partition alignment boundary, in bytes.
const DefaultAlignment = 1 * MiB

// CreateSparseDisk creates an empty sparse disk file of exactly size bytes.
func CreateSparseDisk(diskPath string, size uint64, perm os.FileMode) error {
	logger.Log.Debugf("Creating sparse disk (%s) of %d bytes", diskPath, size)

	file, err := os.OpenFile(diskPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("failed to create empty disk file:\n%w", err)
	}
	defer file.Close()

	err = file.Truncate(int64(size))
	if err != nil {
		return fmt.Errorf("failed to set empty disk file's size:\n%w", err)
	}

	return file.Close()
}

// SetupLoopbackDevice creates a /dev/loop device for the given disk file.
func SetupLoopbackDevice(diskFilePath string) (devicePath string, err error) {
	logger.Log.Debugf("Attaching loopback: %v", diskFilePath)
	stdout, stderr, err := shell.Execute("losetup", "--show", "-f", "-P", diskFilePath)
	if err != nil {
		err = fmt.Errorf("failed to create loopback device using losetup:\n%v\n%w", stderr, err)
		return
	}
	devicePath = strings.TrimSpace(stdout)
	logger.Log.Debugf("Created loopback device at device path: %v", devicePath)
	return
}

// DetachLoopbackDevice detaches the specified loop device.
func DetachLoopbackDevice(diskDevPath string) (err error) {
	logger.Log.Debugf("Detaching loopback device path: %v", diskDevPath)
	_, stderr, err := shell.Execute("losetup", "-d", diskDevPath)
	if err != nil {
		if strings.Contains(stderr, "No such device") {
			// Already detached.
			return nil
		}
		err = fmt.Errorf("failed to detach loopback device using losetup:\n%v\n%w", stderr, err)
	}
	return
}

// WaitForLoopbackToDetach polls until the loop device no longer lists the
// disk file as its backing file.
func WaitForLoopbackToDetach(devicePath string, diskPath string) error {
	if !filepath.IsAbs(diskPath) {
		return fmt.Errorf("internal error: loopback disk path must be absolute (%s)", diskPath)
	}

	delay := 120 * time.Millisecond
	attempts := 10
	for failures := 0; failures < attempts; failures++ {
		stdout, _, err := shell.Execute("losetup", "--list", "--json", "--output", "NAME,BACK-FILE")
		if err != nil {
			return fmt.Errorf("failed to read loopback list:\n%w", err)
		}

		var output loopbackListOutput
		if stdout != "" {
			err = json.Unmarshal([]byte(stdout), &output)
			if err != nil {
				return fmt.Errorf("failed to parse loopback devices list JSON:\n%w", err)
			}
		}

		found := false
		for _, device := range output.Devices {
			if device.Name == devicePath && device.BackingFile == diskPath {
				found = true
				break
			}
		}

		if !found {
			return nil
		}

		time.Sleep(delay)
		delay *= 2
	}

	return fmt.Errorf("timed out waiting for loopback device (%s) for disk (%s) to close",
		devicePath, diskPath)
}

// WaitForDiskDevice waits for udev to settle and for the disk's partition
// device nodes to appear.
func WaitForDiskDevice(diskDevPath string) error {
	err := waitForDevicesToSettle()
	if err != nil {
		return err
	}

	// 'udevadm settle' is sometimes not enough.
	// So, double check that the partitions have been populated.
	err = waitForDiskToPopulate(diskDevPath)
	if err != nil {
		return err
	}

	return nil
}

func waitForDiskToPopulate(diskDevPath string) error {
	partitionTable, err := ReadDiskPartitionTable(diskDevPath)
	if err != nil {
		return err
	}

	if partitionTable == nil {
		// Disk is empty.
		return nil
	}

	_, err = retry.RunWithExpBackoff(context.Background(), func() error {
		kernelPartitions, err := GetDiskPartitions(diskDevPath)
		if err != nil {
			return err
		}

		errs := []error(nil)
		for _, partition := range partitionTable.Partitions {
			_, found := sliceutils.FindValueFunc(kernelPartitions, func(info PartitionInfo) bool {
				return info.Path == partition.Path
			})
			if !found {
				err := fmt.Errorf("failed to find partition device node (%s)", partition.Path)
				errs = append(errs, err)
			}
		}

		if len(errs) > 0 {
			return errors.Join(errs...)
		}

		return nil
	}, 10, 120*time.Millisecond, 2.0)
	if err != nil {
		return fmt.Errorf("timed out waiting for disk (%s) info to be populated:\n%w", diskDevPath,
			err)
	}

	return nil
}

// waitForDevicesToSettle waits for all udev events to be processed on the system.
// This can be used to wait for partitions to be discovered after attaching a disk.
func waitForDevicesToSettle() error {
	logger.Log.Debugf("Waiting for devices to settle")
	_, _, err := shell.Execute("udevadm", "settle")
	if err != nil {
		return fmt.Errorf("failed to wait for devices to settle:\n%w", err)
	}
	return nil
}

// GetDiskPartitions gets the kernel's view of a disk's partitions.
func GetDiskPartitions(diskDevPath string) ([]PartitionInfo, error) {
	jsonString, _, err := shell.Execute("lsblk", diskDevPath, "--output",
		"NAME,PATH,PARTTYPE,FSTYPE,UUID,MOUNTPOINT,PARTUUID,PARTLABEL,TYPE,SIZE", "--bytes",
		"--json", "--list")
	if err != nil {
		return nil, fmt.Errorf("failed to list disk (%s) partitions:\n%w", diskDevPath, err)
	}

	var output partitionInfoOutput
	if jsonString != "" {
		err = json.Unmarshal([]byte(jsonString), &output)
		if err != nil {
			return nil, fmt.Errorf("failed to parse disk (%s) partitions JSON:\n%w", diskDevPath, err)
		}
	}

	return output.Devices, err
}

// RefreshPartitions asks the kernel to reread the partition table, then waits
// for the partition device nodes to appear.
func RefreshPartitions(diskDevPath string) error {
	err := requestKernelRereadPartitionTable(diskDevPath)
	if err != nil {
		return fmt.Errorf("failed to request partition table reread (%s):\n%w", diskDevPath, err)
	}

	err = WaitForDiskDevice(diskDevPath)
	if err != nil {
		return err
	}

	return nil
}

// Requests that the kernel reread the partition table for the given disk device.
func requestKernelRereadPartitionTable(diskDevPath string) error {
	diskFile, err := os.OpenFile(diskDevPath, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer diskFile.Close()

	waitTime := 125 * time.Millisecond
	retries := 10
	for i := 0; ; i++ {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, diskFile.Fd(), unix.BLKRRPART, 0)
		switch {
		case errno == unix.EBUSY && i < retries:
			// Something else is using the disk at the moment.
			// So, retry in a little bit.
			time.Sleep(waitTime)
			waitTime *= 2
			continue

		case errno != 0:
			return errno

		default:
			return nil
		}
	}
}

// PartitionDevPath returns the device path of the n-th partition (1-based) of
// a disk, handling both the /dev/sdXN and /dev/loopNpM naming conventions.
func PartitionDevPath(diskDevPath string, partitionNumber int) (string, error) {
	// If the disk path ends in a digit, then the 'p<x>' style must be used.
	// For example, /dev/loop1 vs. /dev/loop11.
	testPartDevPaths := []string{
		fmt.Sprintf("%sp%d", diskDevPath, partitionNumber),
	}
	if !isDigit(diskDevPath[len(diskDevPath)-1]) {
		testPartDevPaths = append(testPartDevPaths, fmt.Sprintf("%s%d", diskDevPath, partitionNumber))
	}

	partDevPath := ""
	err := retry.Run(func() error {
		for _, testPartDevPath := range testPartDevPaths {
			_, err := os.Stat(testPartDevPath)
			if err == nil {
				partDevPath = testPartDevPath
				return nil
			}
		}
		return fmt.Errorf("could not find partition (%d) of (%s) in /dev", partitionNumber,
			diskDevPath)
	}, 5, time.Second)
	if err != nil {
		return "", err
	}

	return partDevPath, nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
