// Package preflight validates the host before any build starts: root
// privileges, the external tools the pipeline shells out to, and a rsync
// recent enough to preserve sparse files and extended attributes together.
package preflight

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/hashicorp/go-version"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/raw-image-builder/internal/builderr"
)

// Tools resolved via PATH at startup. Additional mkfs formatters are looked
// up on demand from the partition's filesystem type.
var requiredTools = []string{
	"rsync",
	"mkfs.ext4",
	"mkfs.xfs",
	"mkfs.btrfs",
	"mkfs.vfat",
	"chroot",
	"partprobe",
	"useradd",
	"chpasswd",
}

// rsync releases before 3.1 mishandle -S together with -X on whole-file
// copies.
const minRsyncVersion = "3.1.0"

// Test seams.
var (
	osGeteuid = os.Geteuid
	lookPath  = exec.LookPath
	rsyncVersionOutput = func() (string, error) {
		out, err := exec.Command("rsync", "--version").Output()
		return string(out), err
	}
)

// Validate checks everything a build needs from the host. It fails with
// the first unmet requirement; there is nothing to aggregate since the fix
// is always on the operator's side.
func Validate() error {
	if euid := osGeteuid(); euid != 0 {
		return builderr.Errorf(builderr.KindPrivilegeRequired,
			"building images requires root privileges (effective uid %d)", euid)
	}
	for _, tool := range requiredTools {
		if _, err := lookPath(tool); err != nil {
			return builderr.Errorf(builderr.KindMissingDependency,
				"required tool %q not found in PATH", tool)
		}
	}
	if err := checkRsyncVersion(); err != nil {
		return err
	}
	logrus.Debug("preflight checks passed")
	return nil
}

func checkRsyncVersion() error {
	out, err := rsyncVersionOutput()
	if err != nil {
		return builderr.Errorf(builderr.KindMissingDependency, "cannot run rsync --version: %w", err)
	}
	ver, err := parseRsyncVersion(out)
	if err != nil {
		return builderr.New(builderr.KindMissingDependency, err)
	}
	minVer := version.Must(version.NewVersion(minRsyncVersion))
	if ver.LessThan(minVer) {
		return builderr.Errorf(builderr.KindMissingDependency,
			"rsync %s is too old, need at least %s", ver, minRsyncVersion)
	}
	return nil
}

// parseRsyncVersion extracts the version from the first line of
// "rsync --version" output, e.g. "rsync  version 3.2.7  protocol ...".
func parseRsyncVersion(out string) (*version.Version, error) {
	line, _, _ := strings.Cut(out, "\n")
	fields := strings.Fields(line)
	for i, f := range fields {
		if f == "version" && i+1 < len(fields) {
			ver, err := version.NewVersion(fields[i+1])
			if err != nil {
				return nil, fmt.Errorf("cannot parse rsync version %q: %w", fields[i+1], err)
			}
			return ver, nil
		}
	}
	return nil, fmt.Errorf("unexpected rsync --version output: %q", line)
}
