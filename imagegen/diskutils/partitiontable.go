// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package diskutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/microsoft/katsu/internal/logger"
	"github.com/microsoft/katsu/internal/shell"
	"github.com/sirupsen/logrus"
)

// PartitionTableType is the type of partition table to write to a disk.
type PartitionTableType string

const (
	PartitionTableTypeGpt PartitionTableType = "gpt"
	PartitionTableTypeMbr PartitionTableType = "dos"
)

// Canonical GPT partition type GUIDs.
// From https://uapi-group.org/specifications/specs/discoverable_partitions_specification/
const (
	EfiSystemPartitionTypeUuid    = "c12a7328-f81f-11d2-ba4b-00a0c93ec93b"
	XbootldrPartitionTypeUuid     = "bc13c2ff-59e6-4262-a352-b275fd6f7172"
	BiosBootPartitionTypeUuid     = "21686148-6449-6e6f-744e-656564454649"
	SwapPartitionTypeUuid         = "0657fd6d-a4ab-43c4-84e5-0933c84b4f4f"
	GenericLinuxPartitionTypeUuid = "0fc63daf-8483-4772-8e79-3d69d8477de4"

	RootPartitionTypeUuidX86_64  = "4f68bce3-e8cd-4db1-96e7-fbcaf984b709"
	RootPartitionTypeUuidAarch64 = "b921b045-1df0-41c3-af44-4c6f280d3fae"
	RootPartitionTypeUuidRiscv64 = "72ec70a6-cf74-40e6-bd49-4bda08e8f224"
)

// MBR 1-byte partition type codes.
const (
	MbrTypeLinux    = "83"
	MbrTypeSwap     = "82"
	MbrTypeEsp      = "ef"
	MbrTypeXbootldr = "ea"
	MbrTypeExtended = "05"
)

// GPT partition attribute flag bit positions.
// From https://uapi-group.org/specifications/specs/discoverable_partitions_specification/#partition-attribute-flags
const (
	GptAttrGrowFs   = 59
	GptAttrReadOnly = 60
	GptAttrNoAuto   = 63
	GptAttrBootable = 2 // legacy BIOS bootable
)

// maxPrimaryPartitionsForMbr is the maximum number of primary partitions
// allowed in an MBR partition table.
const maxPrimaryPartitionsForMbr = 4

// logicalPartitionGap is the space reserved in front of every logical
// partition for its extended boot record.
const logicalPartitionGap = DefaultAlignment

// PartitionSpec describes a single partition to create.
type PartitionSpec struct {
	// Label is the partition label (GPT name).
	Label string
	// TypeUuid is the GPT partition type GUID.
	TypeUuid string
	// MbrType is the MBR 1-byte type code (hex string).
	MbrType string
	// SizeBytes is the exact partition size; 0 means grow to the end of the
	// disk. At most one partition may grow and it must be last.
	SizeBytes uint64
	// Attributes are GPT attribute flag bit positions to set.
	Attributes []int
	// Bootable marks the partition active in an MBR table.
	Bootable bool
}

// RootPartitionTypeUuid returns the discoverable-partitions root GUID for the
// given architecture.
func RootPartitionTypeUuid(arch string) (string, error) {
	switch arch {
	case "x86_64":
		return RootPartitionTypeUuidX86_64, nil
	case "aarch64":
		return RootPartitionTypeUuidAarch64, nil
	case "riscv64":
		return RootPartitionTypeUuidRiscv64, nil
	default:
		return "", fmt.Errorf("no root partition type GUID known for architecture (%s)", arch)
	}
}

// BuildSfdiskScript produces a complete sfdisk script for the given partition
// list. Partitions are aligned to 1 MiB boundaries. A partition with
// SizeBytes 0 receives no size field, so sfdisk extends it to the last usable
// sector (which, for GPT, already excludes the secondary GPT area).
func BuildSfdiskScript(tableType PartitionTableType, sectorSize uint64,
	partitions []PartitionSpec,
) (string, error) {
	if sectorSize == 0 || DefaultAlignment%sectorSize != 0 {
		return "", fmt.Errorf("unsupported sector size (%d)", sectorSize)
	}

	for i, partition := range partitions {
		if partition.SizeBytes == 0 && i != len(partitions)-1 {
			return "", fmt.Errorf("only the last partition may grow to the end of the disk")
		}
	}

	usingExtendedPartition := tableType == PartitionTableTypeMbr &&
		len(partitions) > maxPrimaryPartitionsForMbr

	builder := strings.Builder{}
	fmt.Fprintf(&builder, "label: %s\n", tableType)
	builder.WriteString("unit: sectors\n")

	alignmentSectors := DefaultAlignment / sectorSize
	nextStart := alignmentSectors

	for i, partition := range partitions {
		// In an MBR table with more than four partitions, slot 4 becomes an
		// extended partition containing the remaining ones as logical
		// partitions.
		if usingExtendedPartition && i == maxPrimaryPartitionsForMbr-1 {
			fmt.Fprintf(&builder, "start=%d, type=%s\n", nextStart, MbrTypeExtended)
		}

		if usingExtendedPartition && i >= maxPrimaryPartitionsForMbr-1 {
			// Logical partitions sit behind their extended boot record.
			nextStart += logicalPartitionGap / sectorSize
		}

		fields := []string{fmt.Sprintf("start=%d", nextStart)}

		if partition.SizeBytes != 0 {
			if partition.SizeBytes%sectorSize != 0 {
				return "", fmt.Errorf("partition (%s) size (%d) is not a multiple of the sector size (%d)",
					partition.Label, partition.SizeBytes, sectorSize)
			}
			sizeSectors := partition.SizeBytes / sectorSize
			fields = append(fields, fmt.Sprintf("size=%d", sizeSectors))
			nextStart = alignSectors(nextStart+sizeSectors, alignmentSectors)
		}

		switch tableType {
		case PartitionTableTypeGpt:
			if partition.TypeUuid != "" {
				fields = append(fields, fmt.Sprintf("type=%s", partition.TypeUuid))
			}
			if partition.Label != "" {
				fields = append(fields, fmt.Sprintf("name=%s", escapeSfdiskString(partition.Label)))
			}
			if len(partition.Attributes) > 0 {
				attrs := []string(nil)
				for _, bit := range partition.Attributes {
					attrs = append(attrs, fmt.Sprintf("GUID:%d", bit))
				}
				fields = append(fields, fmt.Sprintf("attrs=\"%s\"", strings.Join(attrs, ",")))
			}

		case PartitionTableTypeMbr:
			mbrType := partition.MbrType
			if mbrType == "" {
				mbrType = MbrTypeLinux
			}
			fields = append(fields, fmt.Sprintf("type=%s", mbrType))
			if partition.Bootable {
				fields = append(fields, "bootable")
			}

		default:
			return "", fmt.Errorf("unknown partition table type (%s)", tableType)
		}

		builder.WriteString(strings.Join(fields, ", "))
		builder.WriteString("\n")
	}

	return builder.String(), nil
}

func alignSectors(sector, alignmentSectors uint64) uint64 {
	if sector%alignmentSectors == 0 {
		return sector
	}
	return (sector/alignmentSectors + 1) * alignmentSectors
}

// Adds escaping of string values for sfdisk scripts.
//
// Note: string escaping support was only added in util-linux v2.32.1, which
// every supported host ships.
func escapeSfdiskString(value string) string {
	builder := strings.Builder{}
	builder.WriteString("\"")

	for _, c := range value {
		switch c {
		case '"':
			builder.WriteString("\\x22")

		case '\\':
			builder.WriteString("\\x5c")

		default:
			builder.WriteRune(c)
		}
	}

	builder.WriteString("\"")
	return builder.String()
}

// ApplyPartitionTable writes the partition table described by the partition
// specs to the disk and returns the device path of every created partition,
// in partition order.
func ApplyPartitionTable(diskDevPath string, tableType PartitionTableType,
	partitions []PartitionSpec,
) ([]string, error) {
	sectorSize, err := getDeviceSectorSize(diskDevPath)
	if err != nil {
		return nil, err
	}

	script, err := BuildSfdiskScript(tableType, sectorSize, partitions)
	if err != nil {
		return nil, err
	}

	logger.Log.Debugf("sfdisk script:\n%s", script)

	err = shell.NewExecBuilder("flock", "--timeout", "5", diskDevPath, "sfdisk", "--lock=no",
		"--wipe", "always", diskDevPath).
		Stdin(script).
		LogLevel(logrus.DebugLevel, logrus.WarnLevel).
		ErrorStderrLines(1).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to write partition table (%s) using sfdisk:\n%w",
			diskDevPath, err)
	}

	err = RefreshPartitions(diskDevPath)
	if err != nil {
		return nil, err
	}

	partDevPaths := []string(nil)
	for i := range partitions {
		partitionNumber := i + 1
		if tableType == PartitionTableTypeMbr && len(partitions) > maxPrimaryPartitionsForMbr &&
			i >= maxPrimaryPartitionsForMbr-1 {
			// Partition 4 is the extended container; logical partitions are
			// numbered from 5.
			partitionNumber = i + 2
		}

		partDevPath, err := PartitionDevPath(diskDevPath, partitionNumber)
		if err != nil {
			return nil, err
		}
		partDevPaths = append(partDevPaths, partDevPath)
	}

	return partDevPaths, nil
}

// ReadDiskPartitionTable reads the partition table directly from the disk.
func ReadDiskPartitionTable(diskDevPath string) (*PartitionTable, error) {
	stdout, stderr, err := shell.Execute("flock", "--timeout", "5", "--shared", diskDevPath,
		"sfdisk", "--lock=no", "--dump", "--json", diskDevPath)
	if err != nil {
		if strings.Contains(stderr, "does not contain a recognized partition table") {
			// Empty partition table.
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read partition table (%s):\n%s\n%w", diskDevPath, stderr,
			err)
	}

	var output partitionTableOutput
	if stdout == "" {
		return nil, nil
	}

	err = json.Unmarshal([]byte(stdout), &output)
	if err != nil {
		return nil, fmt.Errorf("failed to parse disk (%s) partition table JSON:\n%w", diskDevPath,
			err)
	}

	if output.PartitionTable == nil {
		// Disk is empty.
		return nil, nil
	}

	partitionTable := output.PartitionTable

	if partitionTable.Unit != "sectors" {
		return nil, fmt.Errorf("sfdisk returned unexpected unit size '%s': expecting 'sectors'",
			partitionTable.Unit)
	}

	return partitionTable, nil
}

type PartitionTablePartition struct {
	// Populated from "sfdisk --json":
	Path         string `json:"node"`  // Example: /dev/loop1p1
	Start        int64  `json:"start"` // Example: 2048
	Size         int64  `json:"size"`  // Example: 16384
	PartTypeUuid string `json:"type"`  // Example: C12A7328-F81F-11D2-BA4B-00A0C93EC93B
	PartUuid     string `json:"uuid"`  // Example: 2789D1BC-3909-4B06-AD2D-DA531DABF7C8
	PartLabel    string `json:"name"`  // Example: rootfs
}

type PartitionTable struct {
	Label      string                    `json:"label"`      // Example: gpt
	Id         string                    `json:"id"`         // Example: 1DFD88CF-6214-4574-97A2-C605D411CFBE
	Device     string                    `json:"device"`     // Example: /dev/loop1
	Unit       string                    `json:"unit"`       // Example: sectors
	FirstLba   int64                     `json:"firstlba"`   // Example: 2048
	LastLba    int64                     `json:"lastlba"`    // Example: 8388574
	SectorSize int                       `json:"sectorsize"` // Example: 512
	Partitions []PartitionTablePartition `json:"partitions"`
}

type partitionTableOutput struct {
	PartitionTable *PartitionTable `json:"partitiontable"`
}

func getDeviceSectorSize(diskDevPath string) (uint64, error) {
	stdout, stderr, err := shell.Execute("blockdev", "--getss", diskDevPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read sector size of (%s):\n%v\n%w", diskDevPath, stderr, err)
	}

	sectorSize := uint64(0)
	_, err = fmt.Sscanf(strings.TrimSpace(stdout), "%d", &sectorSize)
	if err != nil {
		return 0, fmt.Errorf("failed to parse sector size of (%s):\n%w", diskDevPath, err)
	}

	return sectorSize, nil
}
