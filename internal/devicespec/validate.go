package devicespec

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/osbuild/raw-image-builder/internal/builderr"
)

// Characters that would break hook environment exports or path handling if
// they appeared in identity fields.
const forbiddenChars = `'"\/{}[]!` + "`*&"

// Sectors reserved at the start of the image when the first partition does
// not declare an explicit start, and at the end of a GPT disk for the
// secondary header.
const (
	DefaultFirstSector  = 2048
	GPTEndReserve       = 34
	SectorSize          = 512
	SectorsPerMiB       = 1024 * 1024 / SectorSize
	maxGPTLabelLen      = 35
	maxMBRPartitions    = 4
	maxGPTPartitions    = 128
	minExplicitStart    = 34 // anything lower overlaps the partition table
)

// ValidationError aggregates every invariant violation found in one device
// spec.
type ValidationError struct {
	DeviceID   string
	Violations []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Error())
	}
	return fmt.Sprintf("device %q: %d violation(s):\n\t%s",
		e.DeviceID, len(e.Violations), strings.Join(msgs, "\n\t"))
}

// Validate checks the invariants between partitions, variants, the partition
// map type, usages and referenced bootloader hooks. All violations for the
// spec are collected before returning.
func (d *DeviceSpec) Validate() error {
	var result *multierror.Error
	addf := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	d.validateIdentity(addf)
	d.validateSizes(addf)
	d.validatePartitions(addf)
	d.validateHooks(addf)

	if merr := result.ErrorOrNil(); merr != nil {
		return builderr.New(builderr.KindSpecValidation, &ValidationError{
			DeviceID:   d.ID,
			Violations: result.Errors,
		})
	}
	return nil
}

func (d *DeviceSpec) validateIdentity(addf func(string, ...any)) {
	if d.ID == "" {
		addf("missing device id")
	}
	strict := append([]string{d.ID, d.Vendor}, d.Aliases...)
	if d.Compatible != "" {
		strict = append(strict, d.Compatible)
	}
	for _, s := range strict {
		for _, r := range s {
			if r > 127 {
				addf("%q contains non-ASCII characters", s)
				break
			}
		}
		if strings.ContainsAny(s, forbiddenChars) {
			addf("%q contains forbidden characters", s)
		}
	}
	for _, s := range []string{d.Name, d.Model} {
		if strings.ContainsAny(s, forbiddenChars) {
			addf("%q contains forbidden characters", s)
		}
	}
}

func (d *DeviceSpec) validateSizes(addf func(string, ...any)) {
	declared := uint64(0)
	for i := range d.Partitions {
		declared += d.Partitions[i].SizeInSectors
	}
	overhead := uint64(DefaultFirstSector)
	if d.PartitionMap == MapGPT {
		overhead += GPTEndReserve
	}
	for _, v := range Variants() {
		mib, ok := d.Size[v]
		if !ok {
			addf("no image size defined for variant %q", v)
			continue
		}
		if mib == 0 {
			addf("image size for variant %q is zero", v)
			continue
		}
		if declared+overhead > mib*SectorsPerMiB {
			addf("declared partitions (%d sectors) plus overhead (%d sectors) exceed the %d MiB image of variant %q",
				declared, overhead, mib, v)
		}
	}
}

func (d *DeviceSpec) validatePartitions(addf func(string, ...any)) {
	if len(d.Partitions) == 0 {
		addf("no partitions defined")
		return
	}
	if d.NumPartitions != uint32(len(d.Partitions)) {
		addf("num_partitions is %d but %d partitions are defined", d.NumPartitions, len(d.Partitions))
	}

	switch d.PartitionMap {
	case MapMBR:
		if len(d.Partitions) > maxMBRPartitions {
			addf("MBR partition maps can hold at most %d partitions, got %d", maxMBRPartitions, len(d.Partitions))
		}
	case MapGPT:
		if len(d.Partitions) > maxGPTPartitions {
			addf("too many partitions for GPT: %d", len(d.Partitions))
		}
	}

	rootSeen := 0
	lastNum := uint32(0)
	// Position of the next packed partition, for overlap checking.
	nextStart := uint64(DefaultFirstSector)
	for i := range d.Partitions {
		p := &d.Partitions[i]
		if p.Num == 0 {
			addf("partition numbers start from 1")
		}
		if p.Num <= lastNum {
			addf("partition %d out of order (previous was %d)", p.Num, lastNum)
		}
		lastNum = p.Num

		if p.Usage == UsageSwap {
			addf("partition %d: swap partitions are not allowed on raw images", p.Num)
		}
		if p.Type.Alias == TypeSwap {
			addf("partition %d: swap partition type is not allowed on raw images", p.Num)
		}
		if p.Usage == UsageRootfs {
			rootSeen++
			if p.Mountpoint != "/" {
				addf("partition %d: the root partition must have mountpoint \"/\"", p.Num)
			}
		}

		switch d.PartitionMap {
		case MapGPT:
			if _, err := p.Type.GPTTypeGUID(); err != nil {
				addf("partition %d: %v", p.Num, err)
			}
			if len(p.Label) > maxGPTLabelLen {
				addf("partition %d: label exceeds the %d-character limit", p.Num, maxGPTLabelLen)
			}
		case MapMBR:
			if _, err := p.Type.MBRTypeByte(); err != nil {
				addf("partition %d: %v", p.Num, err)
			}
			if p.Label != "" {
				addf("partition %d: MBR partition maps do not support partition labels", p.Num)
			}
		}

		if p.StartSector != nil {
			if *p.StartSector < minExplicitStart {
				addf("partition %d: start sector %d overlaps the partition table", p.Num, *p.StartSector)
			}
			if i > 0 && *p.StartSector < nextStart {
				addf("partition %d: start sector %d overlaps the previous partition", p.Num, *p.StartSector)
			}
			nextStart = *p.StartSector
		} else if i == 0 {
			nextStart = DefaultFirstSector
		}
		if p.SizeInSectors == 0 && i != len(d.Partitions)-1 {
			addf("partition %d: only the last partition may have size 0 (extend to end)", p.Num)
		}
		nextStart += p.SizeInSectors

		if p.Filesystem != FSNone && p.Mountpoint == "" {
			// Partitions holding raw bootloader payloads are the usual
			// filesystem=none case; everything formatted must land in the
			// staging tree.
			addf("partition %d: a formatted partition requires a mountpoint", p.Num)
		}
		if p.Mountpoint != "" {
			if p.Filesystem == FSNone {
				addf("partition %d: a mountpoint requires a filesystem", p.Num)
			}
			if !strings.HasPrefix(p.Mountpoint, "/") {
				addf("partition %d: mountpoint %q is not absolute", p.Num, p.Mountpoint)
			}
		}
		if err := p.Filesystem.CheckLabel(p.FSLabel); err != nil {
			addf("partition %d: %v", p.Num, err)
		}
	}

	if rootSeen == 0 {
		addf("no root partition defined (exactly one partition must have usage \"rootfs\")")
	} else if rootSeen > 1 {
		addf("more than one root partition defined")
	}
}

func (d *DeviceSpec) validateHooks(addf func(string, ...any)) {
	for _, h := range d.Bootloaders {
		path := d.HookPath(h)
		fi, err := os.Stat(path)
		if err != nil {
			addf("bootloader hook %q not found next to the device spec: %v", h.Name, err)
			continue
		}
		if !fi.Mode().IsRegular() {
			addf("bootloader hook %q is not a regular file", h.Name)
		}
	}
}
