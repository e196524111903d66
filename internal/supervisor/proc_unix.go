//go:build unix

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"
)

// configureProcess puts the child in its own process group so signals reach
// everything it spawns (package managers, dev servers).
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func terminate(cmd *exec.Cmd) error { return signalGroup(cmd, syscall.SIGTERM) }

func forceKill(cmd *exec.Cmd) error { return signalGroup(cmd, syscall.SIGKILL) }
