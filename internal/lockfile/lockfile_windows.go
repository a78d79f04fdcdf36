//go:build windows

package lockfile

import (
	"syscall"
)

func isProcessRunning(pid int) (bool, string) {
	handle, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false, "holder process not found"
	}
	_ = syscall.CloseHandle(handle)
	return true, ""
}
