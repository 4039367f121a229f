package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/claude-batch-orchestrator/internal/identity"
)

// ErrOwnedElsewhere is returned when another live session already owns the
// workflow record for this repository
var ErrOwnedElsewhere = errors.New("workflow owned by another live session")

// ErrSymlinkState rejects a state file that is a symlink, a defense against
// redirecting the orchestrator into an unrelated path
var ErrSymlinkState = errors.New("workflow state file is a symlink")

// FileStore persists one workflow record per kind under the state dir.
// Writes are last-writer-wins; the pre-creation ownership guard is the only
// coordination.
type FileStore struct {
	dir  string
	kind string
}

// NewFileStore returns a FileStore for one workflow kind
func NewFileStore(dir, kind string) *FileStore {
	return &FileStore{dir: dir, kind: kind}
}

// Path returns the well-known state file location
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, s.kind+".state")
}

// Exists reports whether a state record is present. Absence means no
// active batch.
func (s *FileStore) Exists() bool {
	info, err := os.Lstat(s.Path())
	return err == nil && info.Mode().IsRegular()
}

// Load reads and parses the workflow record. Symlinked files are refused;
// unparseable content returns ErrCorruptState.
func (s *FileStore) Load() (*Workflow, error) {
	info, err := os.Lstat(s.Path())
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, ErrSymlinkState
	}

	data, err := os.ReadFile(s.Path())
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// Save writes the workflow record
func (s *FileStore) Save(w *Workflow) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return os.WriteFile(s.Path(), w.Marshal(), 0o644)
}

// Delete removes the workflow record. Deletion is the termination signal:
// a missing file means "no active batch".
func (s *FileStore) Delete() error {
	err := os.Remove(s.Path())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// PreCreationGuard inspects any existing record before a new batch starts.
// Records owned by another live session or a different installation refuse
// with ErrOwnedElsewhere; orphaned or corrupt records are reported
// reclaimable so the caller can overwrite with a warning.
func (s *FileStore) PreCreationGuard(id identity.Identity) (reclaimed *Workflow, err error) {
	existing, err := s.Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if errors.Is(err, ErrCorruptState) || errors.Is(err, ErrSymlinkState) {
			// Corruption is treated as no state.
			return nil, s.Delete()
		}
		return nil, err
	}

	switch id.Classify(existing.InstallRoot, existing.OwnerPID) {
	case identity.OwnershipOurs:
		return existing, nil
	case identity.OwnershipOrphan:
		return existing, nil
	case identity.OwnershipOtherLive:
		return nil, fmt.Errorf("%w: pid %d on %s; cancel it explicitly before starting a new batch",
			ErrOwnedElsewhere, existing.OwnerPID, existing.InstallRoot)
	default: // OwnershipForeign
		return nil, fmt.Errorf("%w: state belongs to installation %s",
			ErrOwnedElsewhere, existing.InstallRoot)
	}
}
