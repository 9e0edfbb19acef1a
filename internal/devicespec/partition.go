package devicespec

import (
	"fmt"

	"github.com/google/uuid"
)

// Canonical GPT type GUIDs and MBR type bytes for the symbolic aliases.
const (
	GPTTypeESP      = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
	GPTTypeLinux    = "0FC63DAF-8483-4772-8E79-3D69D8477DE4"
	GPTTypeBIOSBoot = "21686148-6449-6E6F-744E-656564454649"
	GPTTypeSwap     = "0657FD6D-A4AB-43C4-84E5-0933C84B4F4F"
	GPTTypeBasic    = "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"

	MBRTypeESP   byte = 0xEF
	MBRTypeLinux byte = 0x83
	MBRTypeSwap  byte = 0x82
	MBRTypeBasic byte = 0x07
)

// Symbolic partition type aliases.
const (
	TypeESP      = "esp"
	TypeLinux    = "linux"
	TypeBIOSBoot = "bios_boot"
	TypeSwap     = "swap"
	TypeBasic    = "basic"
)

// PartitionType is a tagged variant: either a symbolic alias, an explicit
// GPT type GUID, or an explicit MBR type byte. Translation to the canonical
// on-disk value happens once, at table-write time.
type PartitionType struct {
	Alias string
	UUID  *uuid.UUID
	Byte  *byte
}

func (t PartitionType) String() string {
	switch {
	case t.UUID != nil:
		return t.UUID.String()
	case t.Byte != nil:
		return fmt.Sprintf("%#02x", *t.Byte)
	}
	return t.Alias
}

// GPTTypeGUID translates the type to a GPT type GUID string. Explicit byte
// types cannot be represented on GPT.
func (t PartitionType) GPTTypeGUID() (string, error) {
	if t.UUID != nil {
		return t.UUID.String(), nil
	}
	if t.Byte != nil {
		return "", fmt.Errorf("MBR byte type %#02x cannot be used on a GPT partition map", *t.Byte)
	}
	switch t.Alias {
	case TypeESP:
		return GPTTypeESP, nil
	case TypeLinux:
		return GPTTypeLinux, nil
	case TypeBIOSBoot:
		return GPTTypeBIOSBoot, nil
	case TypeSwap:
		return GPTTypeSwap, nil
	case TypeBasic:
		return GPTTypeBasic, nil
	}
	return "", fmt.Errorf("unknown partition type alias %q", t.Alias)
}

// MBRTypeByte translates the type to an MBR system byte. Extended partition
// types are rejected; legacy maps hold primary partitions only.
func (t PartitionType) MBRTypeByte() (byte, error) {
	if t.UUID != nil {
		return 0, fmt.Errorf("GPT type GUID %s cannot be used on an MBR partition map", t.UUID)
	}
	if t.Byte != nil {
		switch *t.Byte {
		case 0x05, 0x0F, 0x85, 0xC5:
			return 0, fmt.Errorf("extended partition type %#02x is not supported", *t.Byte)
		}
		return *t.Byte, nil
	}
	switch t.Alias {
	case TypeESP:
		return MBRTypeESP, nil
	case TypeLinux:
		return MBRTypeLinux, nil
	case TypeSwap:
		return MBRTypeSwap, nil
	case TypeBasic:
		return MBRTypeBasic, nil
	case TypeBIOSBoot:
		return 0, fmt.Errorf("bios_boot partitions require a GPT partition map")
	}
	return 0, fmt.Errorf("unknown partition type alias %q", t.Alias)
}

// PartitionUsage describes the intended use of a partition.
type PartitionUsage string

const (
	UsageBoot   PartitionUsage = "boot"
	UsageRootfs PartitionUsage = "rootfs"
	UsageSwap   PartitionUsage = "swap"
	UsageOther  PartitionUsage = "other"
)

// FilesystemType selects the filesystem created on a partition.
type FilesystemType string

const (
	FSExt4  FilesystemType = "ext4"
	FSXfs   FilesystemType = "xfs"
	FSBtrfs FilesystemType = "btrfs"
	FSFat32 FilesystemType = "fat32"
	FSFat16 FilesystemType = "fat16"
	FSNone  FilesystemType = "none"
)

// OSType returns the filesystem type string as the kernel knows it (the
// value passed to mount and recorded in fstab).
func (f FilesystemType) OSType() (string, error) {
	switch f {
	case FSExt4:
		return "ext4", nil
	case FSXfs:
		return "xfs", nil
	case FSBtrfs:
		return "btrfs", nil
	case FSFat32, FSFat16:
		return "vfat", nil
	}
	return "", fmt.Errorf("filesystem type %q is not mountable", f)
}

// IsFAT reports whether the filesystem is a FAT variant, which have a
// 32-bit volume serial instead of a UUID.
func (f FilesystemType) IsFAT() bool {
	return f == FSFat32 || f == FSFat16
}

// CheckLabel validates a filesystem label against the limits of the
// filesystem type.
func (f FilesystemType) CheckLabel(label string) error {
	if label == "" {
		return nil
	}
	if f.IsFAT() {
		for _, r := range label {
			if r > 127 {
				return fmt.Errorf("FAT volume label %q may only contain ASCII characters", label)
			}
		}
		if len(label) > 11 {
			return fmt.Errorf("FAT volume label %q exceeds 11 characters", label)
		}
		return nil
	}
	if len(label) > 63 {
		return fmt.Errorf("filesystem label %q exceeds 63 bytes", label)
	}
	return nil
}

// PartitionSpec describes one partition of the image.
type PartitionSpec struct {
	// Num is the 1-based partition number; numbers are strictly increasing
	// within a spec.
	Num uint32
	Type PartitionType
	// StartSector is the explicit starting position in 512-byte sectors.
	// When nil the partition is packed after the previous one (the first
	// partition defaults to sector 2048).
	StartSector *uint64
	// SizeInSectors is the partition size in 512-byte sectors; 0 means
	// "extend to the end of the image" and is allowed only on the last
	// partition.
	SizeInSectors uint64
	Label         string
	Mountpoint    string
	Filesystem    FilesystemType
	MountOpts     []string
	FSLabel       string
	Usage         PartitionUsage
}

type partitionTOML struct {
	Num           uint32   `toml:"num"`
	No            uint32   `toml:"no"`
	Type          string   `toml:"type"`
	UUID          string   `toml:"uuid"`
	Byte          *int64   `toml:"byte"`
	StartSector   *uint64  `toml:"start_sector"`
	SizeInSectors uint64   `toml:"size_in_sectors"`
	Label         string   `toml:"label"`
	Mountpoint    string   `toml:"mountpoint"`
	Filesystem    string   `toml:"filesystem"`
	MountOpts     []string `toml:"mount_opts"`
	FSLabel       string   `toml:"fs_label"`
	Usage         string   `toml:"usage"`
}
