//go:build windows

package lockfile

import "syscall"

const (
	processQueryLimitedInformation = 0x1000
	stillActive                    = 259
)

// isProcessRunning opens pid and checks that it has not exited yet.
func isProcessRunning(pid int) (bool, string) {
	if pid <= 0 {
		return false, "invalid pid"
	}
	handle, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false, "process not found"
	}
	defer syscall.CloseHandle(handle)

	var code uint32
	if err := syscall.GetExitCodeProcess(handle, &code); err != nil {
		return true, ""
	}
	if code != stillActive {
		return false, "process has finished"
	}
	return true, ""
}
