package util

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Synchronously invoke a command, propagating stdout and stderr
// to the current process's stdout and stderr
func RunCmdSync(cmdName string, args ...string) error {
	logrus.Debugf("Running: %s %s", cmdName, strings.Join(args, " "))
	cmd := exec.Command(cmdName, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("error running %s %s: %w", cmdName, strings.Join(args, " "), err)
	}
	return nil
}

// RunCmdCaptured invokes a command with stdout propagated and stderr
// captured. A non-zero exit is reported through the returned exit code, not
// the error; the error is reserved for failures to run the tool at all.
func RunCmdCaptured(cmdName string, args ...string) (exitCode int, stderr string, err error) {
	logrus.Debugf("Running: %s %s", cmdName, strings.Join(args, " "))
	var errBuf bytes.Buffer
	cmd := exec.Command(cmdName, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = &errBuf
	err = cmd.Run()
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), errBuf.String(), nil
	}
	if err != nil {
		return 0, errBuf.String(), fmt.Errorf("error running %s: %w", cmdName, err)
	}
	return 0, errBuf.String(), nil
}

// OutputErr takes an error from exec.Command().Output() and tries
// generate an error with stderr details
func OutputErr(err error) error {
	if err, ok := err.(*exec.ExitError); ok {
		return fmt.Errorf("%w, stderr:\n%s", err, err.Stderr)
	}
	return err
}

// Syncfs flushes the filesystem containing path. sync(2) would flush every
// filesystem on the host, which can take minutes on a busy builder.
func Syncfs(path string) error {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("cannot open %q for syncfs: %w", path, err)
	}
	defer unix.Close(fd)
	if err := unix.Syncfs(fd); err != nil {
		return fmt.Errorf("cannot sync filesystem of %q: %w", path, err)
	}
	return nil
}
