// Package devicespec loads and validates declarative device specifications
// (device.toml files). A DeviceSpec describes everything needed to produce a
// raw disk image for one device: partition layout, filesystems, kernel
// command line and the bootloader hooks to run inside the finished tree.
package devicespec

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/osbuild/raw-image-builder/internal/builderr"
)

// Variant selects a distribution profile. The variant determines the image
// size and, indirectly, the package set installed into it.
type Variant string

const (
	VariantBase    Variant = "base"
	VariantDesktop Variant = "desktop"
	VariantServer  Variant = "server"
)

// Variants returns all supported variants in build order.
func Variants() []Variant {
	return []Variant{VariantBase, VariantDesktop, VariantServer}
}

func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(s)); v {
	case VariantBase, VariantDesktop, VariantServer:
		return v, nil
	}
	return "", fmt.Errorf("unknown variant %q (expected one of base, desktop, server)", s)
}

// Arch is a recognized target CPU architecture.
type Arch string

const (
	ArchAmd64       Arch = "amd64"
	ArchArm64       Arch = "arm64"
	ArchLoongArch64 Arch = "loongarch64"
	ArchPpc64el     Arch = "ppc64el"
	ArchLoongson3   Arch = "loongson3"
	ArchRiscv64     Arch = "riscv64"
	ArchMips64r6el  Arch = "mips64r6el"
)

var knownArches = map[Arch]bool{
	ArchAmd64: true, ArchArm64: true, ArchLoongArch64: true,
	ArchPpc64el: true, ArchLoongson3: true, ArchRiscv64: true,
	ArchMips64r6el: true,
}

// Native reports whether the target architecture matches the build host, in
// which case no binary-format emulation is needed for chroot execution.
func (a Arch) Native() bool {
	switch runtime.GOARCH {
	case "amd64":
		return a == ArchAmd64
	case "arm64":
		return a == ArchArm64
	case "loong64":
		return a == ArchLoongArch64
	case "riscv64":
		return a == ArchRiscv64
	case "ppc64le":
		return a == ArchPpc64el
	case "mips64le":
		return a == ArchLoongson3 || a == ArchMips64r6el
	}
	return false
}

// QemuBinfmtName returns the name under which the user-mode emulator for
// this architecture registers itself in the kernel binfmt_misc registry.
func (a Arch) QemuBinfmtName() string {
	switch a {
	case ArchAmd64:
		return "qemu-x86_64"
	case ArchArm64:
		return "qemu-aarch64"
	case ArchLoongArch64:
		return "qemu-loongarch64"
	case ArchPpc64el:
		return "qemu-ppc64le"
	case ArchLoongson3, ArchMips64r6el:
		return "qemu-mips64el"
	case ArchRiscv64:
		return "qemu-riscv64"
	}
	return ""
}

// PartitionMap is the partition table type of the image.
type PartitionMap string

const (
	MapGPT PartitionMap = "gpt"
	MapMBR PartitionMap = "mbr"
)

// BootloaderHook is a script run inside the chroot of the assembled tree.
// The name is resolved relative to the directory containing device.toml.
type BootloaderHook struct {
	Name string
}

// DeviceSpec is the identity and build recipe for one device. It is
// immutable after Load.
type DeviceSpec struct {
	ID            string
	Aliases       []string
	Vendor        string
	Name          string
	Model         string
	Arch          Arch
	SocVendor     string
	Compatible    string
	BSPPackages   []string
	KernelCmdline []string
	Initrdless    bool
	PartitionMap  PartitionMap
	NumPartitions uint32
	Size          map[Variant]uint64
	Partitions    []PartitionSpec
	Bootloaders   []BootloaderHook

	// Dir is the directory containing the device.toml this spec was loaded
	// from; bootloader hook names are resolved against it.
	Dir string
	// Path is the device.toml itself.
	Path string
}

// RootPartition returns the partition with usage "rootfs", or nil. Validated
// specs have exactly one.
func (d *DeviceSpec) RootPartition() *PartitionSpec {
	for i := range d.Partitions {
		if d.Partitions[i].Usage == UsageRootfs {
			return &d.Partitions[i]
		}
	}
	return nil
}

// KernelCmdlineString renders the kernel command line tokens joined by
// single spaces, the form exported to hooks.
func (d *DeviceSpec) KernelCmdlineString() string {
	return strings.Join(d.KernelCmdline, " ")
}

// SizeMiB returns the image size for the variant in MiB.
func (d *DeviceSpec) SizeMiB(v Variant) (uint64, error) {
	size, ok := d.Size[v]
	if !ok {
		return 0, fmt.Errorf("device %q defines no size for variant %q", d.ID, v)
	}
	return size, nil
}

// HookPath resolves a bootloader hook name against the spec directory.
func (d *DeviceSpec) HookPath(h BootloaderHook) string {
	return filepath.Join(d.Dir, h.Name)
}

// The raw TOML shape. Unknown keys are ignored; unknown values for
// enumerated fields are rejected during conversion.
type deviceTOML struct {
	ID            string            `toml:"id"`
	Aliases       []string          `toml:"aliases"`
	Vendor        string            `toml:"vendor"`
	Name          string            `toml:"name"`
	Model         string            `toml:"model"`
	Arch          string            `toml:"arch"`
	SocVendor     string            `toml:"soc_vendor"`
	Compatible    string            `toml:"compatible"`
	BSPPackages   []string          `toml:"bsp_packages"`
	KernelCmdline []string          `toml:"kernel_cmdline"`
	Initrdless    bool              `toml:"initrdless"`
	PartitionMap  string            `toml:"partition_map"`
	NumPartitions uint32            `toml:"num_partitions"`
	Size          map[string]uint64 `toml:"size"`
	Partitions    []partitionTOML   `toml:"partitions"`
	// Singular spellings are accepted, matching how TOML arrays of tables
	// are usually written.
	Partition       []partitionTOML  `toml:"partition"`
	Bootloaders     []bootloaderTOML `toml:"bootloaders"`
	Bootloader      []bootloaderTOML `toml:"bootloader"`
	SizesDeprecated map[string]uint64 `toml:"sizes"`
}

type bootloaderTOML struct {
	Type string `toml:"type"`
	Name string `toml:"name"`
}

// Load parses a device.toml into a validated-for-shape DeviceSpec. Semantic
// invariants are checked separately by Validate.
func Load(path string) (*DeviceSpec, error) {
	if filepath.Base(path) != "device.toml" {
		return nil, builderr.Errorf(builderr.KindSpecParse,
			"device spec file must be named device.toml, got %q", path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, builderr.Errorf(builderr.KindSpecParse, "cannot read %q: %w", path, err)
	}
	var raw deviceTOML
	if err := toml.Unmarshal(content, &raw); err != nil {
		return nil, builderr.Errorf(builderr.KindSpecParse, "cannot parse %q: %w", path, err)
	}
	spec, err := raw.convert()
	if err != nil {
		return nil, builderr.Errorf(builderr.KindSpecParse, "%q: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, builderr.Errorf(builderr.KindSpecParse, "cannot resolve %q: %w", path, err)
	}
	spec.Path = abs
	spec.Dir = filepath.Dir(abs)
	return spec, nil
}

func (raw *deviceTOML) convert() (*DeviceSpec, error) {
	spec := &DeviceSpec{
		ID:            raw.ID,
		Aliases:       raw.Aliases,
		Vendor:        raw.Vendor,
		Name:          raw.Name,
		Model:         raw.Model,
		SocVendor:     raw.SocVendor,
		Compatible:    raw.Compatible,
		BSPPackages:   raw.BSPPackages,
		KernelCmdline: raw.KernelCmdline,
		Initrdless:    raw.Initrdless,
		NumPartitions: raw.NumPartitions,
	}

	arch := Arch(strings.ToLower(raw.Arch))
	if !knownArches[arch] {
		return nil, fmt.Errorf("unknown arch %q", raw.Arch)
	}
	spec.Arch = arch

	switch strings.ToLower(raw.PartitionMap) {
	case "gpt":
		spec.PartitionMap = MapGPT
	case "mbr", "dos":
		spec.PartitionMap = MapMBR
	default:
		return nil, fmt.Errorf("unknown partition_map %q", raw.PartitionMap)
	}

	sizes := raw.Size
	if sizes == nil {
		sizes = raw.SizesDeprecated
	}
	spec.Size = make(map[Variant]uint64, len(sizes))
	for name, mib := range sizes {
		v, err := ParseVariant(name)
		if err != nil {
			return nil, fmt.Errorf("size table: %w", err)
		}
		spec.Size[v] = mib
	}

	rawParts := raw.Partitions
	if len(rawParts) == 0 {
		rawParts = raw.Partition
	}
	for i := range rawParts {
		p, err := rawParts[i].convert()
		if err != nil {
			return nil, err
		}
		spec.Partitions = append(spec.Partitions, *p)
	}

	rawHooks := raw.Bootloaders
	if len(rawHooks) == 0 {
		rawHooks = raw.Bootloader
	}
	for _, h := range rawHooks {
		if h.Type != "script" {
			return nil, fmt.Errorf("unknown bootloader hook type %q", h.Type)
		}
		if h.Name == "" {
			return nil, fmt.Errorf("bootloader hook with empty name")
		}
		spec.Bootloaders = append(spec.Bootloaders, BootloaderHook{Name: h.Name})
	}

	return spec, nil
}

func (raw *partitionTOML) convert() (*PartitionSpec, error) {
	num := raw.Num
	if num == 0 {
		num = raw.No
	}
	p := &PartitionSpec{
		Num:           num,
		StartSector:   raw.StartSector,
		SizeInSectors: raw.SizeInSectors,
		Label:         raw.Label,
		Mountpoint:    raw.Mountpoint,
		MountOpts:     raw.MountOpts,
		FSLabel:       raw.FSLabel,
	}

	ptype, err := parsePartitionType(raw.Type, raw.UUID, raw.Byte)
	if err != nil {
		return nil, fmt.Errorf("partition %d: %w", num, err)
	}
	p.Type = ptype

	switch u := PartitionUsage(strings.ToLower(raw.Usage)); u {
	case UsageBoot, UsageRootfs, UsageSwap, UsageOther:
		p.Usage = u
	case "data":
		p.Usage = UsageOther
	case "":
		return nil, fmt.Errorf("partition %d: missing usage", num)
	default:
		return nil, fmt.Errorf("partition %d: unknown usage %q", num, raw.Usage)
	}

	switch f := FilesystemType(strings.ToLower(raw.Filesystem)); f {
	case FSExt4, FSXfs, FSBtrfs, FSFat32, FSFat16, FSNone:
		p.Filesystem = f
	case "":
		p.Filesystem = FSNone
	default:
		return nil, fmt.Errorf("partition %d: unknown filesystem %q", num, raw.Filesystem)
	}

	return p, nil
}

func parsePartitionType(typ, uuidStr string, byteVal *int64) (PartitionType, error) {
	switch strings.ToLower(typ) {
	case "esp", "efi":
		return PartitionType{Alias: TypeESP}, nil
	case "linux":
		return PartitionType{Alias: TypeLinux}, nil
	case "bios_boot":
		return PartitionType{Alias: TypeBIOSBoot}, nil
	case "swap":
		return PartitionType{Alias: TypeSwap}, nil
	case "basic":
		return PartitionType{Alias: TypeBasic}, nil
	case "uuid":
		id, err := uuid.Parse(uuidStr)
		if err != nil {
			return PartitionType{}, fmt.Errorf("bad partition type uuid %q: %w", uuidStr, err)
		}
		return PartitionType{UUID: &id}, nil
	case "byte":
		if byteVal == nil {
			return PartitionType{}, fmt.Errorf("partition type \"byte\" requires a byte value")
		}
		if *byteVal < 0 || *byteVal > 0xff {
			return PartitionType{}, fmt.Errorf("partition type byte %#x out of range", *byteVal)
		}
		b := byte(*byteVal)
		return PartitionType{Byte: &b}, nil
	case "":
		return PartitionType{}, fmt.Errorf("missing partition type")
	}
	return PartitionType{}, fmt.Errorf("unknown partition type %q", typ)
}
