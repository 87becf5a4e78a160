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

func TestLockAcquisition(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	lockPath := filepath.Join(dir, LockFileName)
	if lock.Path() != lockPath {
		t.Errorf("Path() = %q, want %q", lock.Path(), lockPath)
	}

	holder, err := readHolder(lockPath)
	if err != nil {
		t.Fatalf("readHolder: %v", err)
	}
	if holder.PID != os.Getpid() || !holder.Running {
		t.Errorf("unexpected holder: %+v", holder)
	}
	if time.Since(holder.StartedAt) > time.Minute {
		t.Errorf("started_at not recorded: %v", holder.StartedAt)
	}
}

func TestLockConflict(t *testing.T) {
	dir := t.TempDir()

	lock1, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir)
	if err == nil {
		lock2.Release()
		t.Fatal("Expected second lock acquisition to fail")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got %T: %v", err, err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("holder PID = %d, want %d", lockErr.Holder.PID, os.Getpid())
	}
	if !strings.Contains(err.Error(), "another FlowCloser instance") || !strings.Contains(err.Error(), "rm ") {
		t.Errorf("unhelpful error message: %v", err)
	}

	// The failed attempt must not clobber the holder's details.
	holder, _ := readHolder(filepath.Join(dir, LockFileName))
	if holder.PID != os.Getpid() {
		t.Errorf("lock file rewritten by failed attempt: %+v", holder)
	}
}

func TestLockReleaseAndReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Errorf("lock file not removed after release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op, got %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to reacquire lock: %v", err)
	}
	again.Release()
}

func TestAcquireCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock in new directory: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}

func TestParseHolder(t *testing.T) {
	tests := []struct {
		name    string
		content string
		pid     int
		started bool
	}{
		{"full", fmt.Sprintf("pid=%d\nstarted_at=2025-03-10T12:00:00Z\n", os.Getpid()), os.Getpid(), true},
		{"legacy pid only", "pid=4242\n", 4242, false},
		{"garbage", "hello\nworld", 0, false},
		{"empty", "", 0, false},
		{"bad values", "pid=abc\nstarted_at=yesterday\n", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), LockFileName)
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			h, err := readHolder(path)
			if err != nil {
				t.Fatalf("readHolder: %v", err)
			}
			if h.PID != tt.pid {
				t.Errorf("PID = %d, want %d", h.PID, tt.pid)
			}
			if !h.StartedAt.IsZero() != tt.started {
				t.Errorf("StartedAt = %v, want set=%v", h.StartedAt, tt.started)
			}
		})
	}
}

func TestHolderString(t *testing.T) {
	if got := (Holder{}).String(); got != "unknown process" {
		t.Errorf("empty holder = %q", got)
	}
	h := Holder{PID: 12, Running: false, StartedAt: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	if got := h.String(); got != "PID 12 (not running, stale lock), started 2025-03-10T12:00:00Z" {
		t.Errorf("String() = %q", got)
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Error("current process should be running")
	}
	if isProcessRunning(999999) {
		t.Error("PID 999999 should not be running")
	}
}
