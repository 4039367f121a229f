// Package identity computes the session-ownership tuple that gates every
// mutation of persisted state and worktrees shared across sessions.
package identity

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"
)

// Identity is the (installation root, owner process id, session id) tuple
// recorded alongside every piece of persisted state
type Identity struct {
	InstallRoot string
	PID         int
	SessionID   string
}

// Ownership classifies a stored identity tuple relative to the current
// process
type Ownership int

const (
	// OwnershipOurs means the stored tuple matches this process
	OwnershipOurs Ownership = iota
	// OwnershipOtherLive means another live session owns the state; never touch it
	OwnershipOtherLive
	// OwnershipOrphan means the owning process is dead; eligible for reclaim
	OwnershipOrphan
	// OwnershipForeign means a different installation root; never touch it
	OwnershipForeign
)

func (o Ownership) String() string {
	switch o {
	case OwnershipOurs:
		return "ours"
	case OwnershipOtherLive:
		return "other-live"
	case OwnershipOrphan:
		return "orphan"
	case OwnershipForeign:
		return "foreign"
	}
	return "unknown"
}

var (
	once    sync.Once
	current Identity
)

// Resolve computes the identity tuple for this process, once. The
// installation root is the canonicalized repository root the orchestrator
// operates in.
func Resolve(installRoot string) (Identity, error) {
	var resolveErr error
	once.Do(func() {
		root, err := Canonicalize(installRoot)
		if err != nil {
			resolveErr = err
			return
		}
		current = Identity{
			InstallRoot: root,
			PID:         os.Getpid(),
			SessionID:   uuid.NewString(),
		}
	})
	if resolveErr != nil {
		return Identity{}, resolveErr
	}
	if current.InstallRoot == "" {
		return Identity{}, errors.New("identity not resolved")
	}
	return current, nil
}

// Canonicalize resolves a path to its absolute, symlink-free form
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// Classify applies the two-layer ownership check against a stored tuple.
// Layer 1: a differing installation root belongs to an unrelated
// installation. Layer 2: a differing owner pid is probed for liveness.
func (id Identity) Classify(storedRoot string, storedPID int) Ownership {
	if storedRoot != id.InstallRoot {
		return OwnershipForeign
	}
	if storedPID == id.PID {
		return OwnershipOurs
	}
	if ProcessAlive(storedPID) {
		return OwnershipOtherLive
	}
	return OwnershipOrphan
}

// ProcessAlive checks whether a PID references a running process. EPERM
// means the process exists but belongs to another user.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
