//go:build unix

package lockfile

import (
	"errors"
	"syscall"
)

// isProcessRunning probes pid with signal 0. EPERM means the process exists
// but belongs to another user.
func isProcessRunning(pid int) (bool, string) {
	if pid <= 0 {
		return false, "invalid pid"
	}
	err := syscall.Kill(pid, 0)
	switch {
	case err == nil, errors.Is(err, syscall.EPERM):
		return true, ""
	case errors.Is(err, syscall.ESRCH):
		return false, "process has finished"
	default:
		return false, "cannot signal process: " + err.Error()
	}
}
