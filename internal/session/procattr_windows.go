//go:build windows

package session

import "os/exec"

// setProcAttr is a no-op on Windows, which has no POSIX process groups.
// Context cancellation terminates the direct child.
func setProcAttr(cmd *exec.Cmd) {}

func killProcessGroup(pid int) error { return nil }
