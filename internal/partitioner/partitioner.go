// Package partitioner computes partition layouts from a device spec and
// writes GPT or MBR partition tables onto the attached loop device.
package partitioner

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/raw-image-builder/internal/builderr"
	"github.com/osbuild/raw-image-builder/internal/devicespec"
)

// Entry is one planned partition: where it lands on disk and the identity
// recorded for it in the table.
type Entry struct {
	Num   uint32
	Start uint64 // sectors
	Size  uint64 // sectors
	Label string

	// Exactly one of these is meaningful, depending on the map type.
	TypeGUID string
	TypeByte byte

	Bootable bool
	// PartUUID is the partition identifier exported to hooks: the GPT
	// partition GUID, or the synthesized <diskid>-<NN> on MBR.
	PartUUID string
}

// Table is a fully planned partition table, ready to write.
type Table struct {
	Map          devicespec.PartitionMap
	DiskID       string // GPT disk GUID, or the MBR signature in %08x form
	TotalSectors uint64
	Entries      []Entry

	mbrSignature uint32
}

// Entry returns the planned entry for partition num, or nil.
func (t *Table) Entry(num uint32) *Entry {
	for i := range t.Entries {
		if t.Entries[i].Num == num {
			return &t.Entries[i]
		}
	}
	return nil
}

// lastUsableSector accounts for the GPT secondary header and entry array at
// the end of the disk; MBR disks are usable to the last sector.
func lastUsableSector(m devicespec.PartitionMap, totalSectors uint64) uint64 {
	if m == devicespec.MapGPT {
		return totalSectors - devicespec.GPTEndReserve
	}
	return totalSectors - 1
}

// Plan computes the layout for dev on an image of totalBytes and assigns
// types, labels and UUIDs. seed makes the MBR disk signature deterministic
// per (device, variant); GPT identifiers are freshly random.
func Plan(dev *devicespec.DeviceSpec, totalBytes uint64, seed string) (*Table, error) {
	if totalBytes%devicespec.SectorSize != 0 {
		return nil, fmt.Errorf("image size %d is not a multiple of the sector size", totalBytes)
	}
	t := &Table{
		Map:          dev.PartitionMap,
		TotalSectors: totalBytes / devicespec.SectorSize,
	}

	switch dev.PartitionMap {
	case devicespec.MapGPT:
		t.DiskID = uuid.NewString()
	case devicespec.MapMBR:
		t.mbrSignature = mbrSignatureFromSeed(seed)
		t.DiskID = fmt.Sprintf("%08x", t.mbrSignature)
	}

	lastUsable := lastUsableSector(dev.PartitionMap, t.TotalSectors)
	next := uint64(devicespec.DefaultFirstSector)
	for i := range dev.Partitions {
		p := &dev.Partitions[i]
		start := next
		if p.StartSector != nil {
			start = *p.StartSector
		}
		size := p.SizeInSectors
		if size == 0 {
			if i != len(dev.Partitions)-1 {
				return nil, fmt.Errorf("partition %d: extend-to-end is only valid on the last partition", p.Num)
			}
			if start > lastUsable {
				return nil, fmt.Errorf("partition %d: no space left at sector %d", p.Num, start)
			}
			size = lastUsable - start + 1
		}
		if start+size-1 > lastUsable {
			return nil, fmt.Errorf("partition %d: ends at sector %d past the last usable sector %d",
				p.Num, start+size-1, lastUsable)
		}

		e := Entry{
			Num:   p.Num,
			Start: start,
			Size:  size,
			Label: p.Label,
		}
		switch dev.PartitionMap {
		case devicespec.MapGPT:
			typ, err := p.Type.GPTTypeGUID()
			if err != nil {
				return nil, fmt.Errorf("partition %d: %w", p.Num, err)
			}
			e.TypeGUID = typ
			e.PartUUID = uuid.NewString()
		case devicespec.MapMBR:
			typ, err := p.Type.MBRTypeByte()
			if err != nil {
				return nil, fmt.Errorf("partition %d: %w", p.Num, err)
			}
			e.TypeByte = typ
			e.Bootable = p.Usage == devicespec.UsageBoot
			e.PartUUID = fmt.Sprintf("%s-%02x", t.DiskID, p.Num)
		}
		t.Entries = append(t.Entries, e)
		next = start + size
	}
	return t, nil
}

// mbrSignatureFromSeed derives a stable non-degenerate 32-bit MBR disk
// signature from the seed.
func mbrSignatureFromSeed(seed string) uint32 {
	sum := sha256.Sum256([]byte(seed))
	sig := binary.BigEndian.Uint32(sum[:4])
	// 0 means "no signature" to the kernel and all-ones is commonly used
	// as a wildcard, so neither may be produced.
	if sig == 0 || sig == 0xFFFFFFFF {
		sig = 0x1A2B3C4D
	}
	return sig
}

// Write writes the planned table to the block device (or file) at path and
// syncs it. The caller triggers the kernel rescan afterwards.
func Write(path string, t *Table) error {
	d, err := diskfs.Open(path)
	if err != nil {
		return builderr.Errorf(builderr.KindPartitionTableWriteFailed, "cannot open %q: %w", path, err)
	}
	defer d.Close()

	switch t.Map {
	case devicespec.MapGPT:
		parts := make([]*gpt.Partition, 0, len(t.Entries))
		for i := range t.Entries {
			e := &t.Entries[i]
			parts = append(parts, &gpt.Partition{
				Start: e.Start,
				End:   e.Start + e.Size - 1,
				Type:  gpt.Type(e.TypeGUID),
				Name:  e.Label,
				GUID:  e.PartUUID,
			})
		}
		table := &gpt.Table{
			LogicalSectorSize:  devicespec.SectorSize,
			PhysicalSectorSize: devicespec.SectorSize,
			ProtectiveMBR:      true,
			GUID:               t.DiskID,
			Partitions:         parts,
		}
		if err := d.Partition(table); err != nil {
			return builderr.Errorf(builderr.KindPartitionTableWriteFailed, "cannot write GPT table to %q: %w", path, err)
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return builderr.Errorf(builderr.KindPartitionTableWriteFailed, "cannot reopen %q to sync the GPT table: %w", path, err)
		}
		syncErr := f.Sync()
		f.Close()
		if syncErr != nil {
			return builderr.Errorf(builderr.KindPartitionTableWriteFailed, "cannot sync the GPT table on %q: %w", path, syncErr)
		}
	case devicespec.MapMBR:
		parts := make([]*mbr.Partition, 0, len(t.Entries))
		for i := range t.Entries {
			e := &t.Entries[i]
			parts = append(parts, &mbr.Partition{
				Bootable: e.Bootable,
				Type:     mbr.Type(e.TypeByte),
				Start:    uint32(e.Start),
				Size:     uint32(e.Size),
			})
		}
		table := &mbr.Table{
			LogicalSectorSize:  devicespec.SectorSize,
			PhysicalSectorSize: devicespec.SectorSize,
			Partitions:         parts,
		}
		if err := d.Partition(table); err != nil {
			return builderr.Errorf(builderr.KindPartitionTableWriteFailed, "cannot write MBR table to %q: %w", path, err)
		}
		if err := writeMBRSignature(path, t.mbrSignature); err != nil {
			return builderr.New(builderr.KindPartitionTableWriteFailed, err)
		}
	}

	for i := range t.Entries {
		e := &t.Entries[i]
		logrus.Debugf("partition %d: start=%d size=%d end=%d partuuid=%s",
			e.Num, e.Start, e.Size, e.Start+e.Size-1, e.PartUUID)
	}
	return nil
}

// The MBR disk signature lives at byte 440 of sector 0, little-endian. The
// table writer does not expose it, so it is patched in afterwards; hooks
// and the synthesized PARTUUIDs depend on it.
func writeMBRSignature(path string, sig uint32) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("cannot reopen %q for the disk signature: %w", path, err)
	}
	defer f.Close()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], sig)
	if _, err := f.WriteAt(buf[:], 440); err != nil {
		return fmt.Errorf("cannot write the disk signature: %w", err)
	}
	return f.Sync()
}

// Verify reads the table back from path and checks that starts and sizes
// match the plan.
func Verify(path string, t *Table) error {
	d, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return fmt.Errorf("cannot reopen %q: %w", path, err)
	}
	defer d.Close()
	read, err := d.GetPartitionTable()
	if err != nil {
		return fmt.Errorf("cannot read back the partition table on %q: %w", path, err)
	}
	got := read.GetPartitions()
	if len(got) < len(t.Entries) {
		return fmt.Errorf("read back %d partitions, planned %d", len(got), len(t.Entries))
	}
	for i := range t.Entries {
		e := &t.Entries[i]
		start := uint64(got[i].GetStart()) / devicespec.SectorSize
		size := uint64(got[i].GetSize()) / devicespec.SectorSize
		if start != e.Start || size != e.Size {
			return fmt.Errorf("partition %d mismatch after write: got start=%d size=%d, planned start=%d size=%d",
				e.Num, start, size, e.Start, e.Size)
		}
	}
	return nil
}
