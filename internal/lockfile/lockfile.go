// Package lockfile guards a logs directory against a second server process.
//
// Per-identity locking in the store package is in-process only, so two
// servers sharing one logs directory could interleave writes. The server
// takes this lock at startup and holds it until shutdown.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrLocked is returned when a live process already holds the lock.
var ErrLocked = errors.New("logs directory is in use by another server")

// held records the lockfiles this process owns, keyed by cleaned path.
var held = struct {
	sync.Mutex
	paths map[string]bool
}{paths: make(map[string]bool)}

func setHeld(path string, on bool) {
	held.Lock()
	defer held.Unlock()
	if on {
		held.paths[filepath.Clean(path)] = true
	} else {
		delete(held.paths, filepath.Clean(path))
	}
}

func heldHere(path string) bool {
	held.Lock()
	defer held.Unlock()
	return held.paths[filepath.Clean(path)]
}

// Lockfile represents a file-based lock
type Lockfile struct {
	path   string
	owner  string
	file   *os.File
	pid    int
	locked bool
}

// New creates a new lockfile instance. owner is a short description of the
// holder (e.g. the listen address) recorded for diagnostics.
func New(path, owner string) *Lockfile {
	return &Lockfile{
		path:  path,
		owner: owner,
	}
}

// TryAcquire attempts to acquire the lock. A lockfile left behind by a
// process that is no longer running is replaced.
func (l *Lockfile) TryAcquire() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create lockfile directory: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lockfile: %w", err)
		}

		stale, reason := l.checkStale()
		if !stale {
			return fmt.Errorf("%w: %s", ErrLocked, reason)
		}
		if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("failed to remove stale lockfile (%s): %w", reason, removeErr)
		}
		file, err = os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
		if err != nil {
			return fmt.Errorf("failed to create lockfile after removing stale one: %w", err)
		}
	}

	l.file = file
	l.pid = os.Getpid()
	l.locked = true
	setHeld(l.path, true)

	// pid, start time, owner
	content := fmt.Sprintf("%d\n%s\n%s\n", l.pid, time.Now().Format(time.RFC3339), l.owner)
	if _, err := l.file.WriteString(content); err != nil {
		l.Release()
		return fmt.Errorf("failed to write to lockfile: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.Release()
		return fmt.Errorf("failed to sync lockfile: %w", err)
	}

	return nil
}

// checkStale reports whether the existing lockfile can be replaced.
func (l *Lockfile) checkStale() (bool, string) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return true, "cannot read lockfile"
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return true, "invalid PID in lockfile"
	}

	// A restarted container reuses its PID; a lock naming us that we do not
	// hold was left by the previous run.
	if pid == os.Getpid() && !heldHere(l.path) {
		return true, "left by an earlier process with the same PID"
	}

	running, reason := isProcessRunning(pid)
	if !running {
		return true, reason
	}

	desc := fmt.Sprintf("process with PID %d is running", pid)
	if len(lines) >= 3 && strings.TrimSpace(lines[2]) != "" {
		desc += " (" + strings.TrimSpace(lines[2]) + ")"
	}
	return false, desc
}

// Release releases the lock
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}

	var err error
	if l.file != nil {
		if closeErr := l.file.Close(); closeErr != nil {
			err = closeErr
		}
		l.file = nil
	}

	if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
		if err != nil {
			err = fmt.Errorf("%v; failed to remove lockfile: %w", err, removeErr)
		} else {
			err = fmt.Errorf("failed to remove lockfile: %w", removeErr)
		}
	}

	l.locked = false
	setHeld(l.path, false)
	return err
}

// PID returns the PID that acquired the lock
func (l *Lockfile) PID() int {
	return l.pid
}

// Locked returns true if the lock is held
func (l *Lockfile) Locked() bool {
	return l.locked
}

// Path returns the lockfile path
func (l *Lockfile) Path() string {
	return l.path
}
