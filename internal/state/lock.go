package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Iron-Ham/specflow/internal/errors"
	"github.com/Iron-Ham/specflow/internal/logging"
)

// LockFileName is the name of the lock file within a flow directory.
const LockFileName = "flow.lock"

// Lock represents an acquired per-feature lock.
type Lock struct {
	Feature   string    `json:"feature"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`

	lockFile string
	logger   *logging.Logger
}

// AcquireLock takes the exclusive lock for feature so only one process
// drives a flow at a time. A lock left by a dead process is reclaimed.
// A lock held by a live process yields a FlowError matching ErrFlowLocked.
func (s *Store) AcquireLock(feature string) (*Lock, error) {
	dir := s.FlowDir(feature)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create flow directory")
	}
	lockPath := filepath.Join(dir, LockFileName)
	logger := s.logger.WithFeature(feature)

	if existing, err := ReadLock(lockPath); err == nil {
		if existing.PID != os.Getpid() && isProcessAlive(existing.PID) {
			logger.Error("failed to acquire lock", "pid", existing.PID, "hostname", existing.Hostname)
			return nil, lockedError(feature, existing)
		}
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
		logger.Warn("stale lock cleaned", "old_pid", existing.PID)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	lock := &Lock{
		Feature:   feature,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		lockFile:  lockPath,
		logger:    logger,
	}

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock: %w", err)
	}

	// O_EXCL fails if another process created the file since the check above.
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			if existing, readErr := ReadLock(lockPath); readErr == nil {
				return nil, lockedError(feature, existing)
			}
			return nil, errors.NewFlowError("lock file exists", errors.ErrFlowLocked).WithFeature(feature)
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(lockPath)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	logger.Debug("flow lock acquired", "pid", lock.PID)
	return lock, nil
}

func lockedError(feature string, held *Lock) error {
	return errors.NewFlowError(
		fmt.Sprintf("held by PID %d on %s since %s", held.PID, held.Hostname, held.StartedAt.Format(time.RFC3339)),
		errors.ErrFlowLocked).
		WithFeature(feature)
}

// Release removes the lock file if this process still owns it. Safe to call
// multiple times.
func (l *Lock) Release() error {
	if l == nil || l.lockFile == "" {
		return nil
	}

	existing, err := ReadLock(l.lockFile)
	if err != nil || existing.PID != l.PID {
		return nil
	}
	if err := os.Remove(l.lockFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	if l.logger != nil {
		l.logger.Debug("flow lock released")
	}
	return nil
}

// ReadLock reads a lock file.
func ReadLock(lockPath string) (*Lock, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}

	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	lock.lockFile = lockPath
	return &lock, nil
}

// IsLocked reports whether a live process holds the lock for feature.
func (s *Store) IsLocked(feature string) (*Lock, bool) {
	lock, err := ReadLock(filepath.Join(s.FlowDir(feature), LockFileName))
	if err != nil || !isProcessAlive(lock.PID) {
		return lock, false
	}
	return lock, true
}

// isProcessAlive checks if a process with the given PID is still running.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// On Unix, signal 0 checks existence without affecting the process.
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
