//go:build windows
// +build windows

package agent

import (
	"os"
	"os/exec"
	"syscall"
)

// configurePlatformProcess hides the agent console window.
func configurePlatformProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow: true,
	}
}

// terminate has no graceful equivalent for console-less processes on Windows.
func terminate(p *os.Process) error {
	return p.Kill()
}

func forceKill(p *os.Process) error {
	return p.Kill()
}
