// Package chroot runs post-install and bootloader hook scripts inside the
// staging tree, with the kernel virtual filesystems bind-mounted and a
// fixed, documented environment.
package chroot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/siderolabs/go-retry/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/osbuild/raw-image-builder/internal/builderr"
	"github.com/osbuild/raw-image-builder/internal/devicespec"
)

// Kernel virtual filesystems exposed into the chroot, in mount order.
var kernelMounts = []string{"/proc", "/sys", "/dev", "/dev/pts", "/run"}

const (
	// Hooks see a sanitized PATH, not the caller's.
	hookPath = "/usr/bin:/bin:/usr/sbin:/sbin"
	// Scratch location of the running hook inside the chroot.
	hookScratchFmt = "/tmp/mkrawimg-hook-%d"

	unmountAttempts = 5
	unmountInterval = 200 * time.Millisecond
)

// Test seams.
var (
	mountFn   = unix.Mount
	unmountFn = unix.Unmount
	binfmtDir = "/proc/sys/fs/binfmt_misc"
	runHookFn = runHookCmd
)

// HookError reports a hook script that exited non-zero.
type HookError struct {
	Name     string
	ExitCode int
}

func (e *HookError) Error() string {
	return fmt.Sprintf("hook %q failed with exit code %d", e.Name, e.ExitCode)
}

// CheckBinfmt verifies that the host kernel can execute binaries for the
// target architecture. Foreign targets need binfmt_misc enabled and a
// registered user-mode emulator; the builder only verifies, it never
// installs interpreters.
func CheckBinfmt(arch devicespec.Arch) error {
	if arch.Native() {
		return nil
	}
	status, err := os.ReadFile(filepath.Join(binfmtDir, "status"))
	if err != nil {
		return builderr.Errorf(builderr.KindForeignArchUnsupported,
			"binfmt_misc is not available on this host: %v", err)
	}
	if strings.TrimSpace(string(status)) != "enabled" {
		return builderr.Errorf(builderr.KindForeignArchUnsupported,
			"binfmt_misc is disabled on this host")
	}
	name := arch.QemuBinfmtName()
	if _, err := os.Stat(filepath.Join(binfmtDir, name)); err != nil {
		return builderr.Errorf(builderr.KindForeignArchUnsupported,
			"%s is not registered with binfmt_misc; install the static QEMU user emulator for %s", name, arch)
	}
	return nil
}

// Env is the environment contract hooks may rely on.
type Env struct {
	DeviceID      string
	Variant       string
	LoopDev       string
	RootPartUUID  string
	RootFSUUID    string
	KernelCmdline string

	Compatible    string
	NumPartitions uint32
	DiskLabel     string
	DiskUUID      string
	BSPPackages   []string

	PartUUIDs map[uint32]string
	FSUUIDs   map[uint32]string
	// BootPart and EFIPart select which partitions the BOOT_*/EFI_*
	// aliases point at; zero means no such partition.
	BootPart uint32
	EFIPart  uint32
}

// Environ renders the exported variables, sorted for determinism.
func (e *Env) Environ() []string {
	vars := map[string]string{
		"PATH":              hookPath,
		"DEVICE_ID":         e.DeviceID,
		"VARIANT":           e.Variant,
		"LOOPDEV":           e.LoopDev,
		"ROOT_PARTUUID":     e.RootPartUUID,
		"ROOT_FSUUID":       e.RootFSUUID,
		"KERNEL_CMDLINE":    e.KernelCmdline,
		"DEVICE_COMPATIBLE": e.Compatible,
		"NUM_PARTITIONS":    fmt.Sprintf("%d", e.NumPartitions),
		"DISKLABEL":         e.DiskLabel,
		"DISKUUID":          e.DiskUUID,
		"BSP_PACKAGES":      strings.Join(e.BSPPackages, " "),
	}
	for num, id := range e.PartUUIDs {
		vars[fmt.Sprintf("PART%d_PARTUUID", num)] = id
	}
	for num, id := range e.FSUUIDs {
		vars[fmt.Sprintf("PART%d_FSUUID", num)] = id
	}
	if e.BootPart != 0 {
		vars["BOOT_PARTUUID"] = e.PartUUIDs[e.BootPart]
		if id, ok := e.FSUUIDs[e.BootPart]; ok {
			vars["BOOT_FSUUID"] = id
		}
	}
	if e.EFIPart != 0 {
		vars["EFI_PARTUUID"] = e.PartUUIDs[e.EFIPart]
		if id, ok := e.FSUUIDs[e.EFIPart]; ok {
			vars["EFI_FSUUID"] = id
		}
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	environ := make([]string, 0, len(keys))
	for _, k := range keys {
		environ = append(environ, k+"="+vars[k])
	}
	return environ
}

// Executor owns the bind mounts into one staging tree and runs hooks in it.
type Executor struct {
	root  string
	binds []string
}

func New(root string) *Executor {
	return &Executor{root: root}
}

// SetupBindMounts exposes the kernel virtual filesystems into the tree.
// Must run before any hook; teardown runs after the last hook returns.
func (x *Executor) SetupBindMounts() error {
	for _, src := range kernelMounts {
		target := filepath.Join(x.root, src)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return builderr.Errorf(builderr.KindMountFailed, "cannot create %q: %w", target, err)
		}
		if err := mountFn(src, target, "", unix.MS_BIND, ""); err != nil {
			return builderr.Errorf(builderr.KindMountFailed, "cannot bind-mount %s into %q: %w", src, x.root, err)
		}
		x.binds = append(x.binds, target)
	}
	return nil
}

// Teardown unmounts the bind mounts in reverse order, falling back to a
// lazy detach when a mount stays busy. Errors are collected, not masking.
func (x *Executor) Teardown() error {
	var errs []error
	for i := len(x.binds) - 1; i >= 0; i-- {
		target := x.binds[i]
		err := retry.Constant(unmountAttempts*unmountInterval, retry.WithUnits(unmountInterval)).Retry(func() error {
			if err := unmountFn(target, 0); err != nil {
				return retry.ExpectedError(err)
			}
			return nil
		})
		if err != nil {
			if lazyErr := unmountFn(target, unix.MNT_DETACH); lazyErr != nil {
				errs = append(errs, fmt.Errorf("cannot unmount %q: %w", target, err))
			}
		}
	}
	x.binds = nil
	if len(errs) > 0 {
		return builderr.New(builderr.KindUnmountFailed, errors.Join(errs...))
	}
	return nil
}

// RunHook copies the host-side script into the chroot scratch path, makes
// it executable and runs it with cwd / and stdin /dev/null. The scratch
// copy is removed whether the hook succeeds or not.
func (x *Executor) RunHook(index int, hostPath string, env *Env) error {
	innerPath := fmt.Sprintf(hookScratchFmt, index)
	scratch := filepath.Join(x.root, strings.TrimPrefix(innerPath, "/"))
	if err := copyFile(hostPath, scratch, 0o755); err != nil {
		return builderr.Errorf(builderr.KindHookFailed, "cannot stage hook %q: %w", hostPath, err)
	}
	defer os.Remove(scratch)

	logrus.Infof("running hook %s", filepath.Base(hostPath))
	exitCode, err := runHookFn(x.root, innerPath, env.Environ())
	if err != nil {
		return builderr.Errorf(builderr.KindHookFailed, "cannot run hook %q: %w", hostPath, err)
	}
	if exitCode != 0 {
		return builderr.New(builderr.KindHookFailed, &HookError{
			Name:     filepath.Base(hostPath),
			ExitCode: exitCode,
		})
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
