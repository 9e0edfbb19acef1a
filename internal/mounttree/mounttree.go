// Package mounttree assembles the staging mount tree for an image build:
// every partition with a mountpoint is mounted under one root, parents
// before children, and torn down in reverse on every exit path.
package mounttree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/siderolabs/go-retry/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/osbuild/raw-image-builder/internal/builderr"
	"github.com/osbuild/raw-image-builder/internal/util"
)

// Unmount bounds: lazily closing file handles inside the tree (udev,
// fsck...) can hold a mount busy for a moment after the build finishes.
const (
	unmountAttempts = 5
	unmountInterval = 200 * time.Millisecond
)

// Test seams.
var (
	mountFn   = unix.Mount
	unmountFn = unix.Unmount
	syncfsFn  = util.Syncfs
)

// Mount describes one filesystem to place into the tree.
type Mount struct {
	// Source is the block device node.
	Source string
	// Mountpoint is the absolute path inside the staging tree ("/" is the
	// tree root itself).
	Mountpoint string
	// FSType as the kernel knows it (ext4, vfat, ...).
	FSType string
	// Opts are filesystem-specific mount options; a literal "defaults"
	// token is dropped.
	Opts []string
}

// depth orders mountpoints so parents mount before children.
func depth(mountpoint string) int {
	clean := strings.Trim(filepath.Clean(mountpoint), "/")
	if clean == "" {
		return 0
	}
	return strings.Count(clean, "/") + 1
}

// SortMounts orders mounts by mountpoint depth, shallowest first, with the
// path as tie-break for determinism.
func SortMounts(mounts []Mount) {
	sort.SliceStable(mounts, func(i, j int) bool {
		di, dj := depth(mounts[i].Mountpoint), depth(mounts[j].Mountpoint)
		if di != dj {
			return di < dj
		}
		return mounts[i].Mountpoint < mounts[j].Mountpoint
	})
}

// Tree is the staging mount tree. Mounted filesystems are remembered in
// order so teardown can run in reverse.
type Tree struct {
	root    string
	mounted []string
}

// New returns a tree staged at root. The directory must already exist.
func New(root string) *Tree {
	return &Tree{root: root}
}

// Root returns the staging directory.
func (t *Tree) Root() string {
	return t.root
}

// Target resolves a spec mountpoint to its path under the staging root.
func (t *Tree) Target(mountpoint string) string {
	return filepath.Join(t.root, strings.TrimPrefix(mountpoint, "/"))
}

// MountAll mounts everything, parents first. On error the already-mounted
// prefix stays recorded; the caller is expected to run Teardown.
func (t *Tree) MountAll(mounts []Mount) error {
	SortMounts(mounts)
	for _, m := range mounts {
		target := t.Target(m.Mountpoint)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return builderr.Errorf(builderr.KindMountFailed, "cannot create mountpoint %q: %w", target, err)
		}
		data := joinOpts(m.Opts)
		logrus.Debugf("mounting %s on %s (%s,%s)", m.Source, target, m.FSType, data)
		if err := mountFn(m.Source, target, m.FSType, 0, data); err != nil {
			return builderr.Errorf(builderr.KindMountFailed, "cannot mount %s on %q: %w", m.Source, target, err)
		}
		t.mounted = append(t.mounted, target)
	}
	return nil
}

func joinOpts(opts []string) string {
	kept := make([]string, 0, len(opts))
	for _, o := range opts {
		if o == "defaults" {
			continue
		}
		kept = append(kept, o)
	}
	return strings.Join(kept, ",")
}

// Mounted returns the mounted paths in mount order.
func (t *Tree) Mounted() []string {
	return append([]string(nil), t.mounted...)
}

// Teardown unmounts everything in reverse order. Every mountpoint is
// attempted even if an earlier one fails; the collected errors are returned
// together so they never mask a build error the caller already holds.
func (t *Tree) Teardown() error {
	var errs []error
	for i := len(t.mounted) - 1; i >= 0; i-- {
		target := t.mounted[i]
		if err := syncfsFn(target); err != nil {
			logrus.Debugf("syncfs on %q: %v", target, err)
		}
		if err := unmountWithRetry(target); err != nil {
			errs = append(errs, err)
			continue
		}
		logrus.Debugf("unmounted %s", target)
	}
	t.mounted = nil
	if len(errs) > 0 {
		return builderr.New(builderr.KindUnmountFailed, errors.Join(errs...))
	}
	return nil
}

func unmountWithRetry(target string) error {
	err := retry.Constant(unmountAttempts*unmountInterval, retry.WithUnits(unmountInterval)).Retry(func() error {
		if err := unmountFn(target, 0); err != nil {
			return retry.ExpectedError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot unmount %q: %w", target, err)
	}
	return nil
}
