package worktree

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"testing"
)

func rewriteMetaOwner(t *testing.T, mgr *Manager, entry *Entry, pid int, root string) {
	t.Helper()
	entry.OwnerPID = pid
	if root != "" {
		entry.InstallRoot = root
	}
	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(mgr.metaPath(entry.Branch), data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestGCBudget(t *testing.T) {
	repo := setupGitRepo(t)
	mgr := testManager(t, repo)
	ctx := context.Background()

	dead := exec.Command("true")
	if err := dead.Run(); err != nil {
		t.Fatal(err)
	}

	sleeper := exec.Command("sleep", "30")
	if err := sleeper.Start(); err != nil {
		t.Fatal(err)
	}
	defer sleeper.Process.Kill()

	// Three orphans (dead owner) and one workspace of a live session.
	for i := 1; i <= 3; i++ {
		entry, err := mgr.Provision(ctx, "orphaned-unit", i)
		if err != nil {
			t.Fatal(err)
		}
		rewriteMetaOwner(t, mgr, entry, dead.Process.Pid, "")
	}
	live, err := mgr.Provision(ctx, "live-unit", 1)
	if err != nil {
		t.Fatal(err)
	}
	rewriteMetaOwner(t, mgr, live, sleeper.Process.Pid, "")

	report, err := mgr.GC(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}

	if report.Cleaned != 2 {
		t.Errorf("Cleaned = %d, want 2 (budget)", report.Cleaned)
	}
	if report.Deferred != 1 {
		t.Errorf("Deferred = %d, want 1", report.Deferred)
	}
	if report.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1 (live session untouched)", report.Skipped)
	}

	if _, err := os.Stat(live.Path); err != nil {
		t.Error("live-session workspace must be untouched")
	}

	// A second unbudgeted pass finishes the job.
	report, err = mgr.GC(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if report.Cleaned != 1 {
		t.Errorf("second pass Cleaned = %d, want 1", report.Cleaned)
	}
}

func TestGCCleansOurOwnLeftovers(t *testing.T) {
	repo := setupGitRepo(t)
	mgr := testManager(t, repo)
	ctx := context.Background()

	entry, err := mgr.Provision(ctx, "our-unit", 1)
	if err != nil {
		t.Fatal(err)
	}

	report, err := mgr.GC(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if report.Cleaned != 1 {
		t.Errorf("Cleaned = %d, want 1", report.Cleaned)
	}
	if _, err := os.Stat(entry.Path); !os.IsNotExist(err) {
		t.Error("our leftover workspace should be cleaned")
	}
}

func TestGCReclaimsBranchWithoutMetadata(t *testing.T) {
	repo := setupGitRepo(t)
	mgr := testManager(t, repo)
	ctx := context.Background()

	entry, err := mgr.Provision(ctx, "stray-unit", 1)
	if err != nil {
		t.Fatal(err)
	}
	mgr.removeMeta(entry.Branch)

	report, err := mgr.GC(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if report.Cleaned != 1 {
		t.Errorf("Cleaned = %d, want 1 (metadata-less leftovers are orphans)", report.Cleaned)
	}

	branches, _ := repo.ListBranches(ctx, "batch/")
	if len(branches) != 0 {
		t.Errorf("stray branch should be gone, still have %v", branches)
	}
}
