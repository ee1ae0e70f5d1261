//go:build unix

package classifier

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the command in its own process group so that
// cancellation also kills the workers the model spawns.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
