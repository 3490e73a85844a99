//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the child in its own process group and makes
// context cancellation kill the whole group.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
