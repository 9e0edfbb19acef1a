package chroot

import (
	"os"
	"os/exec"
)

// runHookCmd executes innerPath inside the chroot at root. The external
// chroot tool chdirs to / before exec, which gives hooks their documented
// working directory; a nil Stdin reads from /dev/null.
func runHookCmd(root, innerPath string, environ []string) (int, error) {
	cmd := exec.Command("chroot", root, innerPath)
	cmd.Env = environ
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 0, err
	}
	return 0, nil
}
