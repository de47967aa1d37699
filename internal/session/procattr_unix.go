//go:build !windows

package session

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the worker in its own process group so its children
// (MCP servers, browsers) can be killed together.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup signals the whole group. On Unix the group id is the
// leader's pid; a negative pid addresses the group.
func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}
