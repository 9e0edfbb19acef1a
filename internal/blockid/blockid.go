// Package blockid reads filesystem identifiers from freshly formatted
// partitions, using low-level superblock probing rather than the blkid
// cache (the cache does not track loop devices).
package blockid

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/siderolabs/go-blockdevice/v2/blkid"

	"github.com/osbuild/raw-image-builder/internal/devicespec"
)

// FAT superblock offsets of the 32-bit volume serial.
const (
	fat16SerialOffset = 39
	fat32SerialOffset = 67
)

// probePath is indirected for tests.
var probePath = func(path string) (*blkid.Info, error) {
	return blkid.ProbePath(path)
}

// FSUUID returns the filesystem identifier of the formatted partition at
// devNode. For FAT filesystems this is the volume serial rendered in the
// canonical XXXX-XXXX form; for everything else it is the superblock UUID.
func FSUUID(p *devicespec.PartitionSpec, devNode string) (string, error) {
	if p.Filesystem == devicespec.FSNone {
		return "", fmt.Errorf("partition %d carries no filesystem", p.Num)
	}
	if p.Filesystem.IsFAT() {
		return fatSerial(p.Filesystem, devNode)
	}
	info, err := probePath(devNode)
	if err != nil {
		return "", fmt.Errorf("cannot probe %q: %w", devNode, err)
	}
	if info.UUID == nil {
		return "", fmt.Errorf("no filesystem UUID found on %q (probed type %q)", devNode, info.Name)
	}
	return info.UUID.String(), nil
}

// fatSerial reads the 32-bit volume id out of the FAT boot sector. The
// probe result models identifiers as 16-byte UUIDs and cannot carry it.
func fatSerial(fs devicespec.FilesystemType, devNode string) (string, error) {
	offset := int64(fat32SerialOffset)
	if fs == devicespec.FSFat16 {
		offset = fat16SerialOffset
	}
	f, err := os.Open(devNode)
	if err != nil {
		return "", fmt.Errorf("cannot open %q: %w", devNode, err)
	}
	defer f.Close()
	var buf [4]byte
	if _, err := f.ReadAt(buf[:], offset); err != nil {
		return "", fmt.Errorf("cannot read the FAT volume serial from %q: %w", devNode, err)
	}
	serial := binary.LittleEndian.Uint32(buf[:])
	return FormatFATSerial(serial), nil
}

// FormatFATSerial renders a FAT volume serial the way the rest of the
// system spells it, e.g. 0x1234ABCD -> "1234-ABCD".
func FormatFATSerial(serial uint32) string {
	return fmt.Sprintf("%04X-%04X", serial>>16, serial&0xFFFF)
}
