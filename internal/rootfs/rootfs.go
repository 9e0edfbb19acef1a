// Package rootfs installs the base distribution into the staging tree and
// seeds the first-boot configuration the image needs: fstab, hostname,
// locale and the default user.
package rootfs

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/raw-image-builder/internal/builderr"
	"github.com/osbuild/raw-image-builder/internal/devicespec"
	"github.com/osbuild/raw-image-builder/internal/util"
)

// Groups every default user joins; mirrors what the distribution installer
// sets up interactively.
var defaultGroups = []string{"audio", "video", "cdrom", "plugdev", "tty", "wheel"}

var runCmdSync = util.RunCmdSync

// Install copies the expanded distribution tree at srcDir into destDir with
// rsync, preserving hard links, sparse files and extended attributes.
func Install(srcDir, destDir string) error {
	for _, dir := range []string{srcDir, destDir} {
		fi, err := os.Stat(dir)
		if err != nil {
			return builderr.Errorf(builderr.KindRootfsCopyFailed, "cannot stat %q: %w", dir, err)
		}
		if !fi.IsDir() {
			return builderr.Errorf(builderr.KindRootfsCopyFailed, "%q is not a directory", dir)
		}
	}
	logrus.Infof("installing distribution from %s", srcDir)
	err := runCmdSync("rsync",
		"-axAHXSW", "--numeric-ids", "--info=progress2", "--no-i-r",
		srcDir+"/", destDir+"/")
	if err != nil {
		return builderr.New(builderr.KindRootfsCopyFailed, err)
	}
	return nil
}

// WriteFstab appends generated mount entries to etc/fstab in the staging
// tree. Initrdless devices reference partitions by PARTUUID because the
// kernel cannot resolve UUID= root devices without an initrd.
func WriteFstab(root string, dev *devicespec.DeviceSpec, fsUUIDs, partUUIDs map[uint32]string) error {
	var b strings.Builder
	b.WriteString("\n# Generated mountpoints\n")
	for i := range dev.Partitions {
		p := &dev.Partitions[i]
		if p.Mountpoint == "" {
			continue
		}
		var src string
		if dev.Initrdless {
			partUUID, ok := partUUIDs[p.Num]
			if !ok {
				return fmt.Errorf("no partition UUID recorded for partition %d", p.Num)
			}
			src = fmt.Sprintf("PARTUUID=%s", partUUID)
		} else {
			fsUUID, ok := fsUUIDs[p.Num]
			if !ok {
				return fmt.Errorf("no filesystem UUID recorded for partition %d", p.Num)
			}
			src = fmt.Sprintf("UUID=%s", fsUUID)
		}
		fstype, err := p.Filesystem.OSType()
		if err != nil {
			return fmt.Errorf("partition %d: %w", p.Num, err)
		}
		opts := "defaults"
		if len(p.MountOpts) > 0 {
			opts = strings.Join(p.MountOpts, ",")
		}
		passno := 2
		if p.Usage == devicespec.UsageRootfs {
			passno = 1
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\t%d\t%d\n", src, p.Mountpoint, fstype, opts, 0, passno)
	}
	fstabPath := filepath.Join(root, "etc/fstab")
	f, err := os.OpenFile(fstabPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", fstabPath, err)
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("cannot write %q: %w", fstabPath, err)
	}
	return f.Sync()
}

// SetHostname writes etc/hostname and the matching etc/hosts entries. The
// random suffix keeps multiple devices flashed from the same image series
// distinguishable on a network.
func SetHostname(root, deviceID string) (string, error) {
	hostname := fmt.Sprintf("%s-%s", deviceID, uuid.NewString()[:8])
	hostnamePath := filepath.Join(root, "etc/hostname")
	if err := os.WriteFile(hostnamePath, []byte(hostname+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("cannot write %q: %w", hostnamePath, err)
	}
	hostsPath := filepath.Join(root, "etc/hosts")
	f, err := os.OpenFile(hostsPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("cannot open %q: %w", hostsPath, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "\n127.0.0.1\t%s\n::1\t%s\n", hostname, hostname); err != nil {
		return "", fmt.Errorf("cannot write %q: %w", hostsPath, err)
	}
	return hostname, nil
}

// SetLocale writes etc/locale.conf in the staging tree.
func SetLocale(root, locale string) error {
	path := filepath.Join(root, "etc/locale.conf")
	return os.WriteFile(path, []byte(fmt.Sprintf("LANG=%q\n", locale)), 0o644)
}

// AddUser creates the default user inside the staging tree via chroot'ed
// useradd and sets its password with chpasswd. The shadow suite offers no
// library interface for this.
func AddUser(root, name, password string) error {
	homedir := filepath.Join("/home", name)
	err := runCmdSync("chroot", root, "useradd",
		"-m", "-d", homedir,
		"-G", strings.Join(defaultGroups, ","),
		"-c", "Default User",
		name)
	if err != nil {
		return err
	}
	cmd := exec.Command("chroot", root, "chpasswd")
	cmd.Stdin = strings.NewReader(fmt.Sprintf("%s:%s", name, password))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("error running chpasswd for %q: %w", name, err)
	}
	return nil
}
