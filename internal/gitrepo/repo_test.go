package gitrepo

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func setupGitRepo(t *testing.T) *Repo {
	t.Helper()
	dir := t.TempDir()

	cmds := [][]string{
		{"git", "init", "-b", "main"},
		{"git", "config", "user.email", "test@test.com"},
		{"git", "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%v failed: %s", args, out)
		}
	}

	os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test"), 0644)
	for _, args := range [][]string{
		{"git", "add", "."},
		{"git", "commit", "-m", "initial"},
	} {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%v failed: %s", args, out)
		}
	}

	return New(dir)
}

func commitFile(t *testing.T, dir, name, content, msg string) {
	t.Helper()
	os.WriteFile(filepath.Join(dir, name), []byte(content), 0644)
	for _, args := range [][]string{
		{"git", "add", "."},
		{"git", "commit", "-m", msg},
	} {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%v failed: %s", args, out)
		}
	}
}

func TestAheadCount(t *testing.T) {
	repo := setupGitRepo(t)
	ctx := context.Background()

	wt := filepath.Join(t.TempDir(), "wt")
	if err := repo.WorktreeAdd(ctx, wt, "feature", "main"); err != nil {
		t.Fatal(err)
	}

	n, err := repo.AheadCount(ctx, "feature", "main")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("fresh branch AheadCount = %d, want 0", n)
	}

	commitFile(t, wt, "a.txt", "a", "add a")

	n, err = repo.AheadCount(ctx, "feature", "main")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("AheadCount = %d, want 1", n)
	}
}

func TestWorktreeList(t *testing.T) {
	repo := setupGitRepo(t)
	ctx := context.Background()

	wt := filepath.Join(t.TempDir(), "wt")
	if err := repo.WorktreeAdd(ctx, wt, "feature", "main"); err != nil {
		t.Fatal(err)
	}

	infos, err := repo.WorktreeList(ctx)
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, info := range infos {
		if info.Branch == "feature" {
			found = true
			if resolved, _ := filepath.EvalSymlinks(info.Path); resolved == "" {
				t.Errorf("worktree path %q does not resolve", info.Path)
			}
		}
	}
	if !found {
		t.Errorf("feature worktree not listed: %+v", infos)
	}
}

func TestMergeNoFFFromFile(t *testing.T) {
	repo := setupGitRepo(t)
	ctx := context.Background()

	wt := filepath.Join(t.TempDir(), "wt")
	if err := repo.WorktreeAdd(ctx, wt, "feature", "main"); err != nil {
		t.Fatal(err)
	}
	commitFile(t, wt, "a.txt", "a", "add a")

	msgFile := filepath.Join(t.TempDir(), "msg")
	os.WriteFile(msgFile, []byte("merge feature branch"), 0644)

	if err := repo.MergeNoFF(ctx, "feature", msgFile, ""); err != nil {
		t.Fatal(err)
	}

	n, err := repo.AheadCount(ctx, "main", "feature")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected one merge commit ahead, got %d", n)
	}
}

func TestHasUncommittedChanges(t *testing.T) {
	repo := setupGitRepo(t)
	ctx := context.Background()

	dirty, err := repo.HasUncommittedChanges(ctx, repo.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if dirty {
		t.Error("fresh repo should be clean")
	}

	os.WriteFile(filepath.Join(repo.Dir(), "junk.txt"), []byte("x"), 0644)

	dirty, err = repo.HasUncommittedChanges(ctx, repo.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if !dirty {
		t.Error("untracked file should read as dirty")
	}
}
