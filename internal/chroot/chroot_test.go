package chroot

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/raw-image-builder/internal/builderr"
	"github.com/osbuild/raw-image-builder/internal/devicespec"
)

func testEnv() *Env {
	return &Env{
		DeviceID:      "rpi-5b",
		Variant:       "base",
		LoopDev:       "/dev/loop3",
		RootPartUUID:  "11111111-2222-3333-4444-555555555555",
		RootFSUUID:    "66666666-7777-8888-9999-aaaaaaaaaaaa",
		KernelCmdline: "console=ttyAMA0 rootwait",
		Compatible:    "raspberrypi,5-model-b",
		NumPartitions: 2,
		DiskLabel:     "gpt",
		DiskUUID:      "deadbeef-dead-beef-dead-beefdeadbeef",
		BSPPackages:   []string{"linux-kernel-rpi64", "rpi-firmware-boot"},
		PartUUIDs: map[uint32]string{
			1: "aaaa0000-0000-0000-0000-000000000001",
			2: "11111111-2222-3333-4444-555555555555",
		},
		FSUUIDs: map[uint32]string{
			1: "ABCD-1234",
			2: "66666666-7777-8888-9999-aaaaaaaaaaaa",
		},
		BootPart: 1,
		EFIPart:  1,
	}
}

func TestEnviron(t *testing.T) {
	environ := testEnv().Environ()
	want := []string{
		"PATH=/usr/bin:/bin:/usr/sbin:/sbin",
		"DEVICE_ID=rpi-5b",
		"VARIANT=base",
		"LOOPDEV=/dev/loop3",
		"ROOT_PARTUUID=11111111-2222-3333-4444-555555555555",
		"ROOT_FSUUID=66666666-7777-8888-9999-aaaaaaaaaaaa",
		"KERNEL_CMDLINE=console=ttyAMA0 rootwait",
		"DEVICE_COMPATIBLE=raspberrypi,5-model-b",
		"NUM_PARTITIONS=2",
		"DISKLABEL=gpt",
		"DISKUUID=deadbeef-dead-beef-dead-beefdeadbeef",
		"BSP_PACKAGES=linux-kernel-rpi64 rpi-firmware-boot",
		"PART1_PARTUUID=aaaa0000-0000-0000-0000-000000000001",
		"PART1_FSUUID=ABCD-1234",
		"BOOT_PARTUUID=aaaa0000-0000-0000-0000-000000000001",
		"BOOT_FSUUID=ABCD-1234",
		"EFI_PARTUUID=aaaa0000-0000-0000-0000-000000000001",
		"EFI_FSUUID=ABCD-1234",
	}
	for _, entry := range want {
		assert.Contains(t, environ, entry)
	}
	// sorted and duplicate-free
	assert.IsIncreasing(t, environ)
}

func TestEnvironNoAliases(t *testing.T) {
	env := testEnv()
	env.BootPart = 0
	env.EFIPart = 0
	environ := env.Environ()
	for _, entry := range environ {
		assert.NotContains(t, entry, "BOOT_")
		assert.NotContains(t, entry, "EFI_")
	}
}

// foreignArch picks an architecture that is never native to the host the
// tests run on.
func foreignArch(t *testing.T) devicespec.Arch {
	t.Helper()
	for _, a := range []devicespec.Arch{devicespec.ArchLoongson3, devicespec.ArchRiscv64, devicespec.ArchAmd64} {
		if !a.Native() {
			return a
		}
	}
	t.Fatal("no foreign arch found")
	return ""
}

func withBinfmtDir(t *testing.T, dir string) {
	t.Helper()
	orig := binfmtDir
	t.Cleanup(func() { binfmtDir = orig })
	binfmtDir = dir
}

func TestCheckBinfmtDisabled(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status"), []byte("disabled\n"), 0o644))
	withBinfmtDir(t, dir)

	err := CheckBinfmt(foreignArch(t))
	require.Error(t, err)
	assert.Equal(t, builderr.KindForeignArchUnsupported, builderr.KindOf(err))
}

func TestCheckBinfmtMissingInterpreter(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status"), []byte("enabled\n"), 0o644))
	withBinfmtDir(t, dir)

	err := CheckBinfmt(foreignArch(t))
	require.Error(t, err)
	assert.Equal(t, builderr.KindForeignArchUnsupported, builderr.KindOf(err))
}

func TestCheckBinfmtRegistered(t *testing.T) {
	arch := foreignArch(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status"), []byte("enabled\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, arch.QemuBinfmtName()), []byte("enabled\n"), 0o644))
	withBinfmtDir(t, dir)

	assert.NoError(t, CheckBinfmt(arch))
}

func TestRunHook(t *testing.T) {
	root := t.TempDir()
	hookSrc := filepath.Join(t.TempDir(), "apply-bootloader.sh")
	require.NoError(t, os.WriteFile(hookSrc, []byte("#!/bin/sh\ntrue\n"), 0o644))

	orig := runHookFn
	t.Cleanup(func() { runHookFn = orig })
	var gotRoot, gotInner string
	var gotEnv []string
	var scratchExisted bool
	runHookFn = func(r, inner string, environ []string) (int, error) {
		gotRoot, gotInner, gotEnv = r, inner, environ
		fi, err := os.Stat(filepath.Join(r, "tmp/mkrawimg-hook-1"))
		scratchExisted = err == nil && fi.Mode().Perm()&0o111 != 0
		return 0, nil
	}

	x := New(root)
	require.NoError(t, x.RunHook(1, hookSrc, testEnv()))
	assert.Equal(t, root, gotRoot)
	assert.Equal(t, "/tmp/mkrawimg-hook-1", gotInner)
	assert.Contains(t, gotEnv, "DEVICE_ID=rpi-5b")
	assert.True(t, scratchExisted, "hook must be staged executable inside the chroot")
	// scratch copy is removed afterwards
	_, err := os.Stat(filepath.Join(root, "tmp/mkrawimg-hook-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunHookFailure(t *testing.T) {
	root := t.TempDir()
	hookSrc := filepath.Join(t.TempDir(), "flaky.sh")
	require.NoError(t, os.WriteFile(hookSrc, []byte("#!/bin/sh\nexit 42\n"), 0o644))

	orig := runHookFn
	t.Cleanup(func() { runHookFn = orig })
	runHookFn = func(r, inner string, environ []string) (int, error) {
		return 42, nil
	}

	x := New(root)
	err := x.RunHook(2, hookSrc, testEnv())
	require.Error(t, err)
	assert.Equal(t, builderr.KindHookFailed, builderr.KindOf(err))
	assert.Contains(t, err.Error(), "flaky.sh")
	assert.Contains(t, err.Error(), "42")
	_, statErr := os.Stat(filepath.Join(root, "tmp/mkrawimg-hook-2"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestTeardownReverseOrder(t *testing.T) {
	origMount, origUnmount := mountFn, unmountFn
	t.Cleanup(func() { mountFn, unmountFn = origMount, origUnmount })

	var mounted, unmounted []string
	mountFn = func(source, target, fstype string, flags uintptr, data string) error {
		mounted = append(mounted, source)
		return nil
	}
	unmountFn = func(target string, flags int) error {
		unmounted = append(unmounted, target)
		return nil
	}

	root := t.TempDir()
	x := New(root)
	require.NoError(t, x.SetupBindMounts())
	assert.Equal(t, []string{"/proc", "/sys", "/dev", "/dev/pts", "/run"}, mounted)

	require.NoError(t, x.Teardown())
	want := []string{
		filepath.Join(root, "run"),
		filepath.Join(root, "dev/pts"),
		filepath.Join(root, "dev"),
		filepath.Join(root, "sys"),
		filepath.Join(root, "proc"),
	}
	assert.Equal(t, want, unmounted)
}

func TestHookErrorString(t *testing.T) {
	err := &HookError{Name: "grub.sh", ExitCode: 3}
	assert.Equal(t, `hook "grub.sh" failed with exit code 3`, err.Error())
	_ = fmt.Sprintf("%v", err)
}
