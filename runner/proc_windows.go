//go:build windows

package runner

import "os/exec"

// Windows has no process groups in the POSIX sense; the child alone is
// killed and grandchildren are orphaned. Engine builds target unix.
func setProcessGroup(*exec.Cmd) {}

func signalGroup(cmd *exec.Cmd, force bool) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
