//go:build unix

package runner

import (
	"os/exec"
	"syscall"
)

// setProcessGroup places the child in its own process group so signals
// reach the whole engine process tree.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the child's process group: SIGTERM, or SIGKILL when
// force is set. Errors are ignored; the group may already be gone.
func signalGroup(cmd *exec.Cmd, force bool) {
	if cmd.Process == nil {
		return
	}
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	_ = syscall.Kill(-cmd.Process.Pid, sig)
}
