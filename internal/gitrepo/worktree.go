package gitrepo

import (
	"context"
	"strings"
)

// WorktreeInfo describes one entry from git worktree list
type WorktreeInfo struct {
	Path   string
	Branch string
}

// WorktreeAdd creates a worktree at path bound to a new branch cut from base
func (r *Repo) WorktreeAdd(ctx context.Context, path, branch, base string) error {
	_, err := r.run(ctx, "worktree", "add", "-b", branch, path, base)
	return err
}

// WorktreeRemove detaches a worktree from the repository
func (r *Repo) WorktreeRemove(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := r.run(ctx, args...)
	return err
}

// WorktreePrune drops stale worktree bookkeeping
func (r *Repo) WorktreePrune(ctx context.Context) {
	r.run(ctx, "worktree", "prune")
}

// WorktreeList parses git worktree list --porcelain into entries
func (r *Repo) WorktreeList(ctx context.Context) ([]WorktreeInfo, error) {
	out, err := r.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var infos []WorktreeInfo
	var cur WorktreeInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur.Path != "" {
				infos = append(infos, cur)
			}
			cur = WorktreeInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch refs/heads/"):
			cur.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	if cur.Path != "" {
		infos = append(infos, cur)
	}
	return infos, nil
}
