package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLockfile_AcquireRelease(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "logs", ".sshllm.lock")
	lock := New(lockPath, "0.0.0.0:2222")

	if err := lock.TryAcquire(); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if !lock.Locked() {
		t.Error("Lock should be locked")
	}
	if lock.PID() != os.Getpid() {
		t.Errorf("Expected PID %d, got %d", os.Getpid(), lock.PID())
	}

	data, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("Failed to read lockfile: %v", err)
	}
	if !strings.Contains(string(data), "0.0.0.0:2222") {
		t.Errorf("lockfile should record its owner, got %q", data)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Failed to release lock: %v", err)
	}
	if lock.Locked() {
		t.Error("Lock should not be locked after release")
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Error("lockfile should be removed on release")
	}

	if err := lock.TryAcquire(); err != nil {
		t.Fatalf("Failed to acquire lock after release: %v", err)
	}
	lock.Release()
}

func TestLockfile_AlreadyLocked(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	lock1 := New(lockPath, "first")
	if err := lock1.TryAcquire(); err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2 := New(lockPath, "second")
	err := lock2.TryAcquire()
	if err == nil {
		lock2.Release()
		t.Fatal("Expected error when acquiring already held lock")
	}
	if !errors.Is(err, ErrLocked) {
		t.Errorf("Expected ErrLocked, got: %v", err)
	}
	if !strings.Contains(err.Error(), "first") {
		t.Errorf("error should name the current owner, got: %v", err)
	}
}

func TestLockfile_StaleProcess(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	// A PID that is very unlikely to be running.
	content := fmt.Sprintf("%d\n%s\nold\n", 999999, time.Now().Format(time.RFC3339))
	if err := os.WriteFile(lockPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create fake lockfile: %v", err)
	}

	lock := New(lockPath, "new")
	if err := lock.TryAcquire(); err != nil {
		t.Fatalf("Failed to acquire stale lock: %v", err)
	}
	defer lock.Release()
}

func TestLockfile_OldButLiveIsNotStale(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	// Servers run for days: age alone never makes a lock stale.
	content := fmt.Sprintf("%d\n%s\n", os.Getppid(), time.Now().Add(-72*time.Hour).Format(time.RFC3339))
	if err := os.WriteFile(lockPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create old lockfile: %v", err)
	}

	lock := New(lockPath, "new")
	if err := lock.TryAcquire(); !errors.Is(err, ErrLocked) {
		t.Fatalf("Expected ErrLocked for a live owner, got: %v", err)
	}
}

func TestLockfile_OwnPIDFromEarlierRunIsStale(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	content := fmt.Sprintf("%d\n%s\nprevious run\n", os.Getpid(), time.Now().Add(-time.Minute).Format(time.RFC3339))
	if err := os.WriteFile(lockPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create lockfile: %v", err)
	}

	lock := New(lockPath, "restarted")
	if err := lock.TryAcquire(); err != nil {
		t.Fatalf("Failed to take over a lock left under our own PID: %v", err)
	}
	defer lock.Release()

	data, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("Failed to read lockfile: %v", err)
	}
	if !strings.Contains(string(data), "restarted") {
		t.Errorf("lockfile should name the new owner, got %q", data)
	}
}

func TestLockfile_GarbageIsStale(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")
	if err := os.WriteFile(lockPath, []byte("not a pid\n"), 0644); err != nil {
		t.Fatalf("Failed to create lockfile: %v", err)
	}

	lock := New(lockPath, "new")
	if err := lock.TryAcquire(); err != nil {
		t.Fatalf("Failed to acquire lock over garbage: %v", err)
	}
	lock.Release()
}

func TestLockfile_ReleaseNotLocked(t *testing.T) {
	lock := New(filepath.Join(t.TempDir(), "test.lock"), "")
	if err := lock.Release(); err != nil {
		t.Errorf("Expected no error when releasing unlocked lock, got: %v", err)
	}
}
