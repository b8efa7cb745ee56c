//go:build !windows

package process

import "syscall"

// terminateGroup sends SIGTERM to the encoder's process group.
func terminateGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killGroup sends SIGKILL to the encoder's process group.
func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}
