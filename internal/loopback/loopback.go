// Package loopback owns the backing image file and its loop device: sparse
// allocation, attach/detach through /dev/loop-control, and kernel partition
// table rescans.
package loopback

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/siderolabs/go-retry/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/osbuild/raw-image-builder/internal/builderr"
	"github.com/osbuild/raw-image-builder/internal/util"
)

const loopControl = "/dev/loop-control"

// rescan bounds: the kernel read can race with udev settling after the
// table write, so a handful of short retries absorbs the window.
const (
	rescanAttempts = 5
	rescanInterval = 100 * time.Millisecond
)

// CreateSparse creates (or truncates) a file of exactly sizeMiB MiB. The
// allocation is sparse; blocks materialize as the builder writes.
func CreateSparse(path string, sizeMiB uint64) error {
	parent := filepath.Dir(path)
	if fi, err := os.Stat(parent); err != nil || !fi.IsDir() {
		return fmt.Errorf("parent directory %q does not exist", parent)
	}
	logrus.Debugf("creating sparse image %q (%d MiB)", path, sizeMiB)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("cannot create image file %q: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(int64(sizeMiB) * 1024 * 1024); err != nil {
		return fmt.Errorf("cannot size image file %q: %w (does the filesystem support sparse files?)", path, err)
	}
	return f.Sync()
}

// Handle is an owned, attached loop device. Release it on every exit path.
type Handle struct {
	// Path is the loop device node, e.g. /dev/loop3.
	Path string

	num      int
	file     *os.File
	detached bool
}

// PartitionPath returns the device node of partition num on this loop
// device (the pN-suffixed child node the kernel creates after a scan).
func (h *Handle) PartitionPath(num uint32) string {
	return fmt.Sprintf("%sp%d", h.Path, num)
}

// Attach binds the image file to an unused loop device and requests an
// initial partition scan. The returned handle owns the device until Detach.
func Attach(imagePath string) (*Handle, error) {
	ctl, err := os.OpenFile(loopControl, os.O_RDWR, 0)
	if err != nil {
		return nil, builderr.Errorf(builderr.KindAttachFailed, "cannot open %s: %w", loopControl, err)
	}
	defer ctl.Close()

	num, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return nil, builderr.Errorf(builderr.KindNoFreeLoopDevice, "no free loop device: %w", err)
	}
	devPath := fmt.Sprintf("/dev/loop%d", num)

	backing, err := os.OpenFile(imagePath, os.O_RDWR, 0)
	if err != nil {
		return nil, builderr.Errorf(builderr.KindAttachFailed, "cannot open image %q: %w", imagePath, err)
	}
	dev, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		backing.Close()
		return nil, builderr.Errorf(builderr.KindAttachFailed, "cannot open %s: %w", devPath, err)
	}
	defer dev.Close()

	if err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_SET_FD, int(backing.Fd())); err != nil {
		backing.Close()
		return nil, builderr.Errorf(builderr.KindAttachFailed, "cannot bind %q to %s: %w", imagePath, devPath, err)
	}

	var info unix.LoopInfo64
	copy(info.File_name[:], imagePath)
	info.Flags = unix.LO_FLAGS_PARTSCAN
	if err := unix.IoctlLoopSetStatus64(int(dev.Fd()), &info); err != nil {
		// Unwind the LOOP_SET_FD; the device would otherwise leak.
		_ = unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0)
		backing.Close()
		return nil, builderr.Errorf(builderr.KindAttachFailed, "cannot set status on %s: %w", devPath, err)
	}

	logrus.Debugf("attached %q to %s", imagePath, devPath)
	return &Handle{Path: devPath, num: num, file: backing}, nil
}

// Detach releases the loop device. Safe to call more than once; only the
// first call does work.
func (h *Handle) Detach() error {
	if h.detached {
		return nil
	}
	h.detached = true
	defer h.file.Close()

	dev, err := os.OpenFile(h.Path, os.O_RDWR, 0)
	if err != nil {
		return builderr.Errorf(builderr.KindDetachFailed, "cannot open %s: %w", h.Path, err)
	}
	defer dev.Close()
	if err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0); err != nil {
		return builderr.Errorf(builderr.KindDetachFailed, "cannot detach %s: %w", h.Path, err)
	}
	logrus.Debugf("detached %s", h.Path)
	return nil
}

// Rescan asks the kernel to re-read the partition table on the loop device.
// BLKRRPART returns EINVAL on loop devices on many kernels, so partprobe is
// the fallback; both paths are retried while udev settles.
func (h *Handle) Rescan() error {
	err := retry.Constant(rescanAttempts*rescanInterval, retry.WithUnits(rescanInterval)).Retry(func() error {
		if err := h.rescanOnce(); err != nil {
			return retry.ExpectedError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("partition rescan on %s did not settle: %w", h.Path, err)
	}
	return nil
}

func (h *Handle) rescanOnce() error {
	dev, err := os.OpenFile(h.Path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	ioctlErr := unix.IoctlSetInt(int(dev.Fd()), unix.BLKRRPART, 0)
	dev.Close()
	if ioctlErr == nil {
		return nil
	}
	logrus.Debugf("BLKRRPART on %s: %v, falling back to partprobe", h.Path, ioctlErr)
	return util.RunCmdSync("partprobe", h.Path)
}
