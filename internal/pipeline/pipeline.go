// Package pipeline sequences one image build per (device, variant): image
// allocation, loop attach, partitioning, formatting, mounting, rootfs
// install, chroot hooks, unmount, detach, compression and checksum. Every
// acquired resource is registered on a teardown stack that unwinds on any
// exit path.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/raw-image-builder/internal/blockid"
	"github.com/osbuild/raw-image-builder/internal/buildconfig"
	"github.com/osbuild/raw-image-builder/internal/builderr"
	"github.com/osbuild/raw-image-builder/internal/chroot"
	"github.com/osbuild/raw-image-builder/internal/devicespec"
	"github.com/osbuild/raw-image-builder/internal/imgcompress"
	"github.com/osbuild/raw-image-builder/internal/loopback"
	"github.com/osbuild/raw-image-builder/internal/mkfs"
	"github.com/osbuild/raw-image-builder/internal/mounttree"
	"github.com/osbuild/raw-image-builder/internal/partitioner"
	"github.com/osbuild/raw-image-builder/internal/preflight"
	"github.com/osbuild/raw-image-builder/internal/rootfs"
	"github.com/osbuild/raw-image-builder/internal/variantdef"
)

// Stage functions are indirected so tests can inject failures at every
// stage and assert the teardown behavior without root or loop devices.
var (
	preflightValidate = preflight.Validate
	checkBinfmt       = chroot.CheckBinfmt
	createSparse      = loopback.CreateSparse
	attachLoop        = loopback.Attach
	detachLoop        = func(h *loopback.Handle) error { return h.Detach() }
	rescanLoop        = func(h *loopback.Handle) error { return h.Rescan() }
	planTable         = partitioner.Plan
	writeTable        = partitioner.Write
	verifyTable       = partitioner.Verify
	formatPartition   = mkfs.Format
	probeFSUUID       = blockid.FSUUID
	mountAll          = func(t *mounttree.Tree, ms []mounttree.Mount) error { return t.MountAll(ms) }
	teardownTree      = func(t *mounttree.Tree) error { return t.Teardown() }
	installRootfs     = rootfs.Install
	setupBinds        = func(x *chroot.Executor) error { return x.SetupBindMounts() }
	teardownBinds     = func(x *chroot.Executor) error { return x.Teardown() }
	runHook           = func(x *chroot.Executor, i int, p string, e *chroot.Env) error { return x.RunHook(i, p, e) }
	compressImage     = imgcompress.Compress
	writeChecksum     = imgcompress.WriteChecksum
)

// Names of the teardown stack entries, also used by the happy path to
// release resources in the spec-mandated order.
const (
	stepImage = "image file"
	stepLoop  = "loop device"
	stepTree  = "mount tree"
	stepBinds = "bind mounts"
)

// BuildArtifact describes a finished image.
type BuildArtifact struct {
	Path     string
	Codec    imgcompress.Codec
	SHA256   string
	DeviceID string
	Variant  devicespec.Variant
}

// Builder runs builds with one set of driver options. Builds may run
// concurrently only with disjoint work directories; this builder runs one
// at a time.
type Builder struct {
	cfg   *buildconfig.Config
	codec imgcompress.Codec
}

func New(cfg *buildconfig.Config) (*Builder, error) {
	codec, err := cfg.Codec()
	if err != nil {
		return nil, err
	}
	return &Builder{cfg: cfg, codec: codec}, nil
}

// stageGate converts context state into the control error kinds. It is
// consulted between stages only; in-flight external tools always complete.
func stageGate(ctx context.Context) error {
	switch ctx.Err() {
	case context.Canceled:
		return builderr.Errorf(builderr.KindCancelled, "build cancelled")
	case context.DeadlineExceeded:
		return builderr.Errorf(builderr.KindTimeout, "build timed out")
	}
	return nil
}

// Build produces the image for one (device, variant) pair.
func (b *Builder) Build(ctx context.Context, dev *devicespec.DeviceSpec, variant devicespec.Variant) (artifact *BuildArtifact, err error) {
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(b.cfg.Timeout)*time.Second)
		defer cancel()
	}

	log := logrus.WithFields(logrus.Fields{"device": dev.ID, "variant": variant})
	log.Infof("building %q (%s)", dev.Name, dev.Arch)

	stack := &teardownStack{}
	defer func() {
		teardownErrs := stack.unwind()
		// Teardown diagnostics never replace the build error, but a
		// failed release on an otherwise clean build must surface.
		if err == nil && len(teardownErrs) > 0 {
			err = teardownErrs[0]
			artifact = nil
		}
	}()

	if err := preflightValidate(); err != nil {
		return nil, err
	}
	if err := checkBinfmt(dev.Arch); err != nil {
		return nil, err
	}
	vdef, err := variantdef.Load(b.cfg.VariantDefDirs, variant)
	if err != nil {
		return nil, err
	}
	sizeMiB, err := dev.SizeMiB(variant)
	if err != nil {
		return nil, err
	}

	workDir := filepath.Join(b.cfg.WorkDir, fmt.Sprintf("%s-%s", dev.ID, variant))
	mountRoot := filepath.Join(workDir, "mnt")
	rawPath := filepath.Join(workDir, "raw.img")
	for _, dir := range []string{workDir, mountRoot, b.cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create %q: %w", dir, err)
		}
	}
	if _, statErr := os.Stat(rawPath); statErr == nil {
		log.Warn("stale raw image found in the work directory, removing it")
		if err := os.Remove(rawPath); err != nil {
			return nil, err
		}
	}

	if err := stageGate(ctx); err != nil {
		return nil, err
	}
	if err := createSparse(rawPath, sizeMiB); err != nil {
		return nil, err
	}
	buildFailed := true
	stack.push(stepImage, func() error {
		if buildFailed && !b.cfg.KeepImageOnFailure {
			return os.Remove(rawPath)
		}
		return nil
	})

	loop, err := attachLoop(rawPath)
	if err != nil {
		return nil, err
	}
	stack.push(stepLoop, func() error { return detachLoop(loop) })
	log.Infof("attached image to %s", loop.Path)

	if err := stageGate(ctx); err != nil {
		return nil, err
	}
	table, err := planTable(dev, sizeMiB*1024*1024, fmt.Sprintf("%s/%s", dev.ID, variant))
	if err != nil {
		return nil, builderr.New(builderr.KindPartitionTableWriteFailed, err)
	}
	if err := writeTable(loop.Path, table); err != nil {
		return nil, err
	}
	if err := rescanLoop(loop); err != nil {
		return nil, err
	}
	if err := verifyTable(loop.Path, table); err != nil {
		return nil, builderr.New(builderr.KindPartitionTableWriteFailed, err)
	}

	if err := stageGate(ctx); err != nil {
		return nil, err
	}
	fsUUIDs := make(map[uint32]string)
	partUUIDs := make(map[uint32]string)
	for i := range table.Entries {
		partUUIDs[table.Entries[i].Num] = table.Entries[i].PartUUID
	}
	for i := range dev.Partitions {
		p := &dev.Partitions[i]
		if p.Filesystem == devicespec.FSNone {
			continue
		}
		node := loop.PartitionPath(p.Num)
		if err := formatPartition(p, node); err != nil {
			return nil, err
		}
		fsUUID, err := probeFSUUID(p, node)
		if err != nil {
			return nil, builderr.New(builderr.KindMkfsFailed, err)
		}
		fsUUIDs[p.Num] = fsUUID
	}

	if err := stageGate(ctx); err != nil {
		return nil, err
	}
	tree := mounttree.New(mountRoot)
	var mounts []mounttree.Mount
	for i := range dev.Partitions {
		p := &dev.Partitions[i]
		if p.Mountpoint == "" {
			continue
		}
		fstype, err := p.Filesystem.OSType()
		if err != nil {
			return nil, fmt.Errorf("partition %d: %w", p.Num, err)
		}
		mounts = append(mounts, mounttree.Mount{
			Source:     loop.PartitionPath(p.Num),
			Mountpoint: p.Mountpoint,
			FSType:     fstype,
			Opts:       p.MountOpts,
		})
	}
	stack.push(stepTree, func() error { return teardownTree(tree) })
	if err := mountAll(tree, mounts); err != nil {
		return nil, err
	}

	if err := stageGate(ctx); err != nil {
		return nil, err
	}
	if err := installRootfs(b.cfg.SourceDir, mountRoot); err != nil {
		return nil, err
	}
	if err := rootfs.WriteFstab(mountRoot, dev, fsUUIDs, partUUIDs); err != nil {
		return nil, err
	}
	if _, err := rootfs.SetHostname(mountRoot, dev.ID); err != nil {
		return nil, err
	}
	if err := rootfs.SetLocale(mountRoot, b.cfg.Locale); err != nil {
		return nil, err
	}
	if b.cfg.User != "" {
		if err := rootfs.AddUser(mountRoot, b.cfg.User, b.cfg.Password); err != nil {
			return nil, err
		}
	}

	if err := stageGate(ctx); err != nil {
		return nil, err
	}
	executor := chroot.New(mountRoot)
	stack.push(stepBinds, func() error { return teardownBinds(executor) })
	if err := setupBinds(executor); err != nil {
		return nil, err
	}

	env := b.hookEnv(dev, variant, loop, table, fsUUIDs, partUUIDs, vdef)
	for i, hookPath := range hookScripts(dev) {
		if err := runHook(executor, i+1, hookPath, env); err != nil {
			return nil, err
		}
	}

	// Ordered release: bind mounts, then the mount tree, then the loop
	// device, so compression reads a quiesced raw file.
	if err := stack.release(stepBinds); err != nil {
		return nil, err
	}
	if err := stack.release(stepTree); err != nil {
		return nil, err
	}
	if err := stack.release(stepLoop); err != nil {
		return nil, err
	}

	if err := stageGate(ctx); err != nil {
		return nil, err
	}
	artifactPath := filepath.Join(b.cfg.OutputDir, fmt.Sprintf("%s-%s%s", dev.ID, variant, b.codec.Extension()))
	if err := compressImage(rawPath, artifactPath, b.codec, true); err != nil {
		return nil, err
	}
	sum, err := writeChecksum(artifactPath)
	if err != nil {
		return nil, err
	}

	buildFailed = false
	log.Infof("finished: %s (sha256 %s)", artifactPath, sum)
	return &BuildArtifact{
		Path:     artifactPath,
		Codec:    b.codec,
		SHA256:   sum,
		DeviceID: dev.ID,
		Variant:  variant,
	}, nil
}

// hookScripts returns the host paths of all hooks to run, post-install
// first, then the bootloader hooks in spec order.
func hookScripts(dev *devicespec.DeviceSpec) []string {
	var scripts []string
	for _, name := range []string{"postinst.bash", "postinst.sh", "postinst"} {
		p := filepath.Join(dev.Dir, name)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			scripts = append(scripts, p)
			break
		}
	}
	for _, h := range dev.Bootloaders {
		scripts = append(scripts, dev.HookPath(h))
	}
	return scripts
}

func (b *Builder) hookEnv(dev *devicespec.DeviceSpec, variant devicespec.Variant, loop *loopback.Handle,
	table *partitioner.Table, fsUUIDs, partUUIDs map[uint32]string, vdef *variantdef.VariantDef) *chroot.Env {
	env := &chroot.Env{
		DeviceID:      dev.ID,
		Variant:       string(variant),
		LoopDev:       loop.Path,
		KernelCmdline: dev.KernelCmdlineString(),
		Compatible:    dev.Compatible,
		NumPartitions: uint32(len(dev.Partitions)),
		DiskLabel:     string(dev.PartitionMap),
		DiskUUID:      table.DiskID,
		BSPPackages:   append(append([]string(nil), dev.BSPPackages...), vdef.Packages...),
		PartUUIDs:     partUUIDs,
		FSUUIDs:       fsUUIDs,
	}
	for i := range dev.Partitions {
		p := &dev.Partitions[i]
		if p.Usage == devicespec.UsageRootfs {
			env.RootPartUUID = partUUIDs[p.Num]
			env.RootFSUUID = fsUUIDs[p.Num]
		}
		if p.Usage == devicespec.UsageBoot && env.BootPart == 0 {
			env.BootPart = p.Num
		}
		if p.Type.Alias == devicespec.TypeESP && env.EFIPart == 0 {
			env.EFIPart = p.Num
		}
	}
	return env
}
