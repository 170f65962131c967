//go:build !windows

package process

import (
	"os"
	"syscall"
)

// terminateGroup asks the whole process group to exit.
func terminateGroup(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGTERM)
}

// killGroup forcefully kills the whole process group.
func killGroup(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGKILL)
}
