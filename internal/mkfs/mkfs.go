// Package mkfs formats partitions by invoking the external mkfs.* family on
// the kernel device nodes of an attached loop device.
package mkfs

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/raw-image-builder/internal/builderr"
	"github.com/osbuild/raw-image-builder/internal/devicespec"
	"github.com/osbuild/raw-image-builder/internal/util"
)

// Error carries the details of a failed formatter invocation.
type Error struct {
	Partition uint32
	Tool      string
	ExitCode  int
	Stderr    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed on partition %d with exit code %d: %s",
		e.Tool, e.Partition, e.ExitCode, e.Stderr)
}

// Command returns the formatter tool and arguments for a partition, with
// the device node last after a "--" separator so labels cannot be mistaken
// for options.
func Command(p *devicespec.PartitionSpec, devNode string) (tool string, args []string, err error) {
	switch p.Filesystem {
	case devicespec.FSExt4:
		tool = "mkfs.ext4"
	case devicespec.FSXfs:
		tool = "mkfs.xfs"
	case devicespec.FSBtrfs:
		tool = "mkfs.btrfs"
	case devicespec.FSFat32:
		tool = "mkfs.vfat"
		args = append(args, "-F", "32")
	case devicespec.FSFat16:
		tool = "mkfs.vfat"
		args = append(args, "-F", "16")
	default:
		return "", nil, fmt.Errorf("partition %d has no formattable filesystem (%q)", p.Num, p.Filesystem)
	}
	if p.FSLabel != "" {
		if err := p.Filesystem.CheckLabel(p.FSLabel); err != nil {
			return "", nil, err
		}
		if p.Filesystem.IsFAT() {
			args = append(args, "-n", p.FSLabel)
		} else {
			args = append(args, "-L", p.FSLabel)
		}
	}
	args = append(args, "--", devNode)
	return tool, args, nil
}

// runCaptured is indirected for tests.
var runCaptured = util.RunCmdCaptured

// Format creates the filesystem declared for p on devNode.
func Format(p *devicespec.PartitionSpec, devNode string) error {
	tool, args, err := Command(p, devNode)
	if err != nil {
		return builderr.New(builderr.KindMkfsFailed, err)
	}
	logrus.Infof("formatting partition %d (%s) on %s", p.Num, p.Filesystem, devNode)
	exitCode, stderr, err := runCaptured(tool, args...)
	if err != nil {
		return builderr.New(builderr.KindMkfsFailed, err)
	}
	if exitCode != 0 {
		return builderr.New(builderr.KindMkfsFailed, &Error{
			Partition: p.Num,
			Tool:      tool,
			ExitCode:  exitCode,
			Stderr:    stderr,
		})
	}
	return nil
}
