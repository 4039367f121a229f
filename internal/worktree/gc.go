package worktree

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/claude-batch-orchestrator/internal/identity"
)

// GCReport summarizes one garbage-collection pass
type GCReport struct {
	Cleaned  int
	Deferred int
	Skipped  int
}

type candidate struct {
	entry     *Entry
	ownership identity.Ownership
}

// GC enumerates leftover worker workspaces and branches, classifies each by
// ownership, and cleans those belonging to this session or to dead ones.
// Workspaces of other live sessions are never touched. A non-positive
// budget cleans everything; otherwise at most budget items are cleaned per
// pass and the remainder is deferred.
func (m *Manager) GC(ctx context.Context, budget int) (GCReport, error) {
	var report GCReport

	candidates, err := m.collectCandidates(ctx)
	if err != nil {
		return report, err
	}
	if len(candidates) == 0 {
		return report, nil
	}

	classified := make([]candidate, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, entry := range candidates {
		g.Go(func() error {
			// Entries without metadata cannot belong to a live session we
			// could identify; reclaim them as orphans.
			ownership := identity.OwnershipOrphan
			if entry.InstallRoot != "" {
				ownership = m.id.Classify(entry.InstallRoot, entry.OwnerPID)
			}
			classified[i] = candidate{entry: entry, ownership: ownership}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	for _, c := range classified {
		switch c.ownership {
		case identity.OwnershipOtherLive, identity.OwnershipForeign:
			report.Skipped++
			continue
		}

		if budget > 0 && report.Cleaned >= budget {
			report.Deferred++
			continue
		}

		if err := m.cleanCandidate(ctx, c.entry); err != nil {
			m.logger.Warn("gc cleanup failed", "branch", c.entry.Branch, "error", err)
			continue
		}
		m.logger.Info("gc cleaned", "branch", c.entry.Branch, "ownership", c.ownership.String())
		report.Cleaned++
	}

	if report.Deferred > 0 {
		m.logger.Warn("gc budget exhausted, deferring remainder",
			"cleaned", report.Cleaned, "deferred", report.Deferred)
	}
	return report, nil
}

// collectCandidates merges three discovery channels: sidecar metadata,
// live worktrees under our directory, and stray branches matching the
// naming grammar. Items without metadata are treated as orphans.
func (m *Manager) collectCandidates(ctx context.Context) ([]*Entry, error) {
	byBranch := make(map[string]*Entry)

	branches, err := m.repo.ListBranches(ctx, "batch/")
	if err != nil {
		return nil, err
	}
	for _, branch := range branches {
		if !ValidBranch(branch) {
			continue
		}
		byBranch[branch] = &Entry{Branch: branch}
	}

	infos, err := m.repo.WorktreeList(ctx)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if !ValidBranch(info.Branch) {
			continue
		}
		if e, ok := byBranch[info.Branch]; ok {
			e.Path = info.Path
		} else {
			byBranch[info.Branch] = &Entry{Branch: info.Branch, Path: info.Path}
		}
	}

	var entries []*Entry
	for branch, skeleton := range byBranch {
		if meta, err := m.readMeta(branch); err == nil {
			if meta.Path == "" {
				meta.Path = skeleton.Path
			}
			entries = append(entries, meta)
		} else {
			// No metadata: cannot belong to a live session we know of.
			entries = append(entries, skeleton)
		}
	}
	return entries, nil
}

func (m *Manager) cleanCandidate(ctx context.Context, entry *Entry) error {
	if entry.Path != "" {
		if err := m.Teardown(ctx, entry, TeardownOpts{Aborted: true}); err != nil {
			return err
		}
		return nil
	}
	if err := m.repo.BranchDelete(ctx, entry.Branch, true); err != nil {
		return err
	}
	m.removeMeta(entry.Branch)
	return nil
}
