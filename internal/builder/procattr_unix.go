//go:build !windows

package builder

import (
	"os/exec"
	"syscall"
)

// setProcessGroup places the build in its own process group so that a
// cancelled or timed-out build takes its children down with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
