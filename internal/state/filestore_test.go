package state

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/hochfrequenz/claude-batch-orchestrator/internal/identity"
)

func TestFileStoreSaveLoadDelete(t *testing.T) {
	store := NewFileStore(t.TempDir(), "batch")

	if store.Exists() {
		t.Fatal("store should start empty")
	}

	if err := store.Save(sampleWorkflow()); err != nil {
		t.Fatal(err)
	}
	if !store.Exists() {
		t.Fatal("state file should exist after save")
	}

	got, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalUnits != 7 {
		t.Errorf("TotalUnits = %d, want 7", got.TotalUnits)
	}

	if err := store.Delete(); err != nil {
		t.Fatal(err)
	}
	if store.Exists() {
		t.Error("state file should be gone after delete")
	}
	// Deleting again is a no-op.
	if err := store.Delete(); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestLoadRefusesSymlink(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, "batch")

	target := filepath.Join(dir, "target")
	os.WriteFile(target, sampleWorkflow().Marshal(), 0644)
	if err := os.Symlink(target, store.Path()); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Load(); !errors.Is(err, ErrSymlinkState) {
		t.Errorf("err = %v, want ErrSymlinkState", err)
	}
}

func TestPreCreationGuard(t *testing.T) {
	id := identity.Identity{InstallRoot: "/work/repo", PID: os.Getpid(), SessionID: "s"}

	t.Run("no existing state", func(t *testing.T) {
		store := NewFileStore(t.TempDir(), "batch")
		reclaimed, err := store.PreCreationGuard(id)
		if err != nil || reclaimed != nil {
			t.Errorf("got (%v, %v), want (nil, nil)", reclaimed, err)
		}
	})

	t.Run("orphaned state is reclaimable", func(t *testing.T) {
		store := NewFileStore(t.TempDir(), "batch")
		dead := exec.Command("true")
		if err := dead.Run(); err != nil {
			t.Fatal(err)
		}
		w := sampleWorkflow()
		w.OwnerPID = dead.Process.Pid
		store.Save(w)

		reclaimed, err := store.PreCreationGuard(id)
		if err != nil {
			t.Fatal(err)
		}
		if reclaimed == nil {
			t.Error("orphaned record should be reported reclaimable")
		}
	})

	t.Run("live other session refuses", func(t *testing.T) {
		store := NewFileStore(t.TempDir(), "batch")
		sleeper := exec.Command("sleep", "30")
		if err := sleeper.Start(); err != nil {
			t.Fatal(err)
		}
		defer sleeper.Process.Kill()

		w := sampleWorkflow()
		w.OwnerPID = sleeper.Process.Pid
		store.Save(w)

		if _, err := store.PreCreationGuard(id); !errors.Is(err, ErrOwnedElsewhere) {
			t.Errorf("err = %v, want ErrOwnedElsewhere", err)
		}
	})

	t.Run("foreign installation refuses", func(t *testing.T) {
		store := NewFileStore(t.TempDir(), "batch")
		w := sampleWorkflow()
		w.InstallRoot = "/elsewhere/repo"
		store.Save(w)

		if _, err := store.PreCreationGuard(id); !errors.Is(err, ErrOwnedElsewhere) {
			t.Errorf("err = %v, want ErrOwnedElsewhere", err)
		}
	})

	t.Run("corrupt state treated as absent", func(t *testing.T) {
		store := NewFileStore(t.TempDir(), "batch")
		os.MkdirAll(filepath.Dir(store.Path()), 0755)
		os.WriteFile(store.Path(), []byte("garbage"), 0644)

		reclaimed, err := store.PreCreationGuard(id)
		if err != nil || reclaimed != nil {
			t.Errorf("got (%v, %v), want (nil, nil)", reclaimed, err)
		}
		if store.Exists() {
			t.Error("corrupt state file should be deleted")
		}
	})
}
