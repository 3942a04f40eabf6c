//go:build !windows

package lockfile

import (
	"errors"
	"os"
	"syscall"
)

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM: alive, owned by someone else.
	return errors.Is(err, syscall.EPERM)
}
