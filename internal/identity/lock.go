package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	lockFileName = "run.lock"
	lockFileMode = 0o644
	stateDirMode = 0o755
)

// ErrLockHeld is returned when another live session holds the execution lock
var ErrLockHeld = errors.New("execution lock already held")

// Lock holds the acquired execution lock file handle
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the per-repository execution lock. A lock whose owner
// is dead, or whose age exceeds the grace window, is force-released first.
func AcquireLock(stateDir string, grace time.Duration) (*Lock, error) {
	if stateDir == "" {
		return nil, errors.New("state dir is required")
	}
	lockPath := filepath.Join(stateDir, lockFileName)
	if err := os.MkdirAll(stateDir, stateDirMode); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", stateDir, err)
	}

	if err := reclaimStaleLock(lockPath, grace); err != nil {
		return nil, err
	}

	// A detached lock carries no flock, so a surviving metadata file with a
	// live foreign owner is itself grounds for refusal.
	if pid, _, err := readLockInfo(lockPath); err == nil && pid != os.Getpid() && ProcessAlive(pid) {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, describeHolder(lockPath))
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, lockFileMode)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, describeHolder(lockPath))
		}
		return nil, fmt.Errorf("flock %s: %w", lockPath, err)
	}

	payload := fmt.Sprintf("pid=%d\nstarted_at=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := file.Truncate(0); err == nil {
		file.Seek(0, 0)
		file.WriteString(payload)
	}

	return &Lock{file: file, path: lockPath}, nil
}

// Release unlocks and removes the lock file
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	if err := l.file.Close(); err != nil {
		return err
	}
	l.file = nil
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock %s: %w", l.path, err)
	}
	return nil
}

// Detach drops the flock and closes the handle but leaves the lock file on
// disk, so the batch stays locked across processes until ForceReleaseLock.
func (l *Lock) Detach() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ForceReleaseLock removes the lock file regardless of ownership. Used when
// a batch ends or is cancelled by the owning session.
func ForceReleaseLock(stateDir string) error {
	err := os.Remove(filepath.Join(stateDir, lockFileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// reclaimStaleLock deletes a lock whose owner is dead or whose age exceeds
// the grace window
func reclaimStaleLock(lockPath string, grace time.Duration) error {
	pid, startedAt, err := readLockInfo(lockPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		// Unparseable lock metadata is treated like corruption: reclaim.
		return os.Remove(lockPath)
	}

	stale := !ProcessAlive(pid)
	if !stale && grace > 0 && time.Since(startedAt) > grace {
		stale = true
	}
	if stale {
		if err := os.Remove(lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("reclaim stale lock %s: %w", lockPath, err)
		}
	}
	return nil
}

func describeHolder(lockPath string) string {
	pid, startedAt, err := readLockInfo(lockPath)
	if err != nil {
		return "wait for the other session to finish"
	}
	return fmt.Sprintf("held by pid %d since %s", pid, startedAt.Format(time.RFC3339))
}

func readLockInfo(lockPath string) (int, time.Time, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, time.Time{}, err
	}
	var pid int
	var startedAt time.Time
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if v, ok := strings.CutPrefix(line, "pid="); ok {
			pid, err = strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return 0, time.Time{}, fmt.Errorf("parse pid: %w", err)
			}
		}
		if v, ok := strings.CutPrefix(line, "started_at="); ok {
			startedAt, err = time.Parse(time.RFC3339, strings.TrimSpace(v))
			if err != nil {
				return 0, time.Time{}, fmt.Errorf("parse started_at: %w", err)
			}
		}
	}
	if pid == 0 || startedAt.IsZero() {
		return 0, time.Time{}, errors.New("incomplete lock metadata")
	}
	return pid, startedAt, nil
}
