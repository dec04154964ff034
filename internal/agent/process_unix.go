//go:build !windows
// +build !windows

package agent

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configurePlatformProcess puts the agent in its own process group so that
// tools it spawns are signalled together with it.
func configurePlatformProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// terminate asks the whole process group to exit.
func terminate(p *os.Process) error {
	return signalGroup(p, unix.SIGTERM)
}

// forceKill kills the whole process group.
func forceKill(p *os.Process) error {
	return signalGroup(p, unix.SIGKILL)
}

// signalGroup reports an empty group as os.ErrProcessDone.
func signalGroup(p *os.Process, sig unix.Signal) error {
	err := unix.Kill(-p.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
