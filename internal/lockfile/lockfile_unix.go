//go:build !windows

package lockfile

import (
	"errors"
	"os"
	"syscall"
)

// isProcessRunning probes pid with signal 0
func isProcessRunning(pid int) (bool, string) {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, "holder process not found"
	}
	err = process.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true, ""
	case errors.Is(err, os.ErrProcessDone):
		return false, "holder process has finished"
	case errors.Is(err, syscall.EPERM):
		// exists, owned by another user
		return true, ""
	}
	return false, "cannot signal holder process"
}
