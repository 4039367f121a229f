// Package gitrepo wraps the shared git working tree. Every mutation of the
// tree or its refs made by the orchestrator goes through a Repo value.
package gitrepo

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Repo is the shared working-tree resource rooted at a repository checkout
type Repo struct {
	dir string
}

// New returns a Repo rooted at dir
func New(dir string) *Repo {
	return &Repo{dir: dir}
}

// Dir returns the repository root
func (r *Repo) Dir() string {
	return r.dir
}

// run executes a git command in the repository and returns combined output
func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// runIn executes a git command in an arbitrary directory (a worktree)
func (r *Repo) runIn(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// Root returns the canonical top-level directory of the checkout
func (r *Repo) Root(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RevParse resolves a ref to a commit id
func (r *Repo) RevParse(ctx context.Context, ref string) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--verify", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RefExists reports whether a ref resolves
func (r *Repo) RefExists(ctx context.Context, ref string) bool {
	_, err := r.RevParse(ctx, ref)
	return err == nil
}

// CurrentBranch returns the checked-out branch name
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// AheadCount returns how many commits branch carries beyond base
func (r *Repo) AheadCount(ctx context.Context, branch, base string) (int, error) {
	out, err := r.run(ctx, "rev-list", "--count", base+".."+branch)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count: %w", err)
	}
	return n, nil
}

// Checkout switches the working tree to a branch
func (r *Repo) Checkout(ctx context.Context, branch string) error {
	_, err := r.run(ctx, "checkout", branch)
	return err
}

// ResetHard resets the working tree to a ref, discarding local changes
func (r *Repo) ResetHard(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "reset", "--hard", ref)
	return err
}

// CleanUntracked removes untracked files and directories, keeping any
// paths matching the exclude patterns
func (r *Repo) CleanUntracked(ctx context.Context, excludes ...string) error {
	args := []string{"clean", "-fd"}
	for _, pattern := range excludes {
		args = append(args, "-e", pattern)
	}
	_, err := r.run(ctx, args...)
	return err
}

// HasUncommittedChanges reports whether a worktree has staged, unstaged or
// untracked modifications
func (r *Repo) HasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	out, err := r.runIn(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// DiffPatch returns the full diff of a worktree against HEAD, including
// staged changes
func (r *Repo) DiffPatch(ctx context.Context, dir string) (string, error) {
	return r.runIn(ctx, dir, "diff", "HEAD")
}

// ResetHardIn resets an arbitrary worktree to its HEAD
func (r *Repo) ResetHardIn(ctx context.Context, dir string) error {
	if _, err := r.runIn(ctx, dir, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	_, err := r.runIn(ctx, dir, "clean", "-fd")
	return err
}

// MergeNoFF merges a branch non-fast-forward with the commit message read
// from a file. Messages are never passed inline.
func (r *Repo) MergeNoFF(ctx context.Context, branch, msgFile string, strategyOption string) error {
	args := []string{"merge", "--no-ff"}
	if strategyOption != "" {
		args = append(args, "-X", strategyOption)
	}
	args = append(args, "-F", msgFile, branch)
	_, err := r.run(ctx, args...)
	return err
}

// MergeAbort reverts an in-progress merge
func (r *Repo) MergeAbort(ctx context.Context) error {
	_, err := r.run(ctx, "merge", "--abort")
	return err
}

// MergeInProgress reports whether the tree has an unconcluded merge
func (r *Repo) MergeInProgress(ctx context.Context) bool {
	_, err := r.run(ctx, "rev-parse", "-q", "--verify", "MERGE_HEAD")
	return err == nil
}

// Tag creates or moves a lightweight tag
func (r *Repo) Tag(ctx context.Context, name, ref string) error {
	_, err := r.run(ctx, "tag", "-f", name, ref)
	return err
}

// TagDelete removes a tag, ignoring absence
func (r *Repo) TagDelete(ctx context.Context, name string) {
	r.run(ctx, "tag", "-d", name)
}

// BranchDelete removes a branch. Safe deletes refuse unmerged branches.
func (r *Repo) BranchDelete(ctx context.Context, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := r.run(ctx, "branch", flag, branch)
	return err
}

// ListBranches returns local branch names with the given prefix
func (r *Repo) ListBranches(ctx context.Context, prefix string) ([]string, error) {
	out, err := r.run(ctx, "for-each-ref", "--format=%(refname:short)", "refs/heads/"+prefix)
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// CommitAllIn stages and commits everything in a worktree with the message
// read from a file
func (r *Repo) CommitAllIn(ctx context.Context, dir, msgFile string) error {
	if _, err := r.runIn(ctx, dir, "add", "-A"); err != nil {
		return err
	}
	_, err := r.runIn(ctx, dir, "commit", "-F", msgFile)
	return err
}
