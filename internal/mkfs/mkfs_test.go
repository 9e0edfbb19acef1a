package mkfs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/raw-image-builder/internal/builderr"
	"github.com/osbuild/raw-image-builder/internal/devicespec"
)

func TestCommand(t *testing.T) {
	for _, tc := range []struct {
		fs       devicespec.FilesystemType
		label    string
		wantTool string
		wantArgs []string
	}{
		{devicespec.FSExt4, "", "mkfs.ext4", []string{"--", "/dev/loop0p1"}},
		{devicespec.FSExt4, "AOSC OS", "mkfs.ext4", []string{"-L", "AOSC OS", "--", "/dev/loop0p1"}},
		{devicespec.FSXfs, "root", "mkfs.xfs", []string{"-L", "root", "--", "/dev/loop0p1"}},
		{devicespec.FSBtrfs, "", "mkfs.btrfs", []string{"--", "/dev/loop0p1"}},
		{devicespec.FSFat32, "BOOT", "mkfs.vfat", []string{"-F", "32", "-n", "BOOT", "--", "/dev/loop0p1"}},
		{devicespec.FSFat16, "", "mkfs.vfat", []string{"-F", "16", "--", "/dev/loop0p1"}},
	} {
		p := &devicespec.PartitionSpec{Num: 1, Filesystem: tc.fs, FSLabel: tc.label}
		tool, args, err := Command(p, "/dev/loop0p1")
		require.NoError(t, err)
		assert.Equal(t, tc.wantTool, tool)
		assert.Equal(t, tc.wantArgs, args)
	}
}

func TestCommandRejectsNone(t *testing.T) {
	p := &devicespec.PartitionSpec{Num: 3, Filesystem: devicespec.FSNone}
	_, _, err := Command(p, "/dev/loop0p3")
	assert.Error(t, err)
}

func TestCommandRejectsBadLabel(t *testing.T) {
	p := &devicespec.PartitionSpec{Num: 1, Filesystem: devicespec.FSFat32, FSLabel: "far too long for FAT"}
	_, _, err := Command(p, "/dev/loop0p1")
	assert.Error(t, err)
}

func TestFormatFailure(t *testing.T) {
	restore := runCaptured
	defer func() { runCaptured = restore }()
	runCaptured = func(cmdName string, args ...string) (int, string, error) {
		return 1, "mkfs.btrfs: forced failure\n", nil
	}

	p := &devicespec.PartitionSpec{Num: 5, Filesystem: devicespec.FSBtrfs}
	err := Format(p, "/dev/loop0p5")
	require.Error(t, err)
	assert.Equal(t, builderr.KindMkfsFailed, builderr.KindOf(err))

	var mkfsErr *Error
	require.True(t, errors.As(err, &mkfsErr))
	assert.Equal(t, uint32(5), mkfsErr.Partition)
	assert.Equal(t, "mkfs.btrfs", mkfsErr.Tool)
	assert.Equal(t, 1, mkfsErr.ExitCode)
	assert.Contains(t, mkfsErr.Stderr, "forced failure")
}

func TestFormatSuccess(t *testing.T) {
	restore := runCaptured
	defer func() { runCaptured = restore }()
	var gotTool string
	var gotArgs []string
	runCaptured = func(cmdName string, args ...string) (int, string, error) {
		gotTool, gotArgs = cmdName, args
		return 0, "", nil
	}

	p := &devicespec.PartitionSpec{Num: 2, Filesystem: devicespec.FSExt4}
	require.NoError(t, Format(p, "/dev/loop7p2"))
	assert.Equal(t, "mkfs.ext4", gotTool)
	assert.Equal(t, []string{"--", "/dev/loop7p2"}, gotArgs)
}
