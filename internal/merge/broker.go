// Package merge serializes concurrently-produced worker branches into the
// shared integration branch, one wave at a time.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hochfrequenz/claude-batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-batch-orchestrator/internal/gitrepo"
	"github.com/hochfrequenz/claude-batch-orchestrator/internal/state"
	"github.com/hochfrequenz/claude-batch-orchestrator/internal/worktree"
)

// ErrMergeConflict marks a merge that stopped on conflicting changes
var ErrMergeConflict = errors.New("merge conflict")

// Resolution is a human decision about a conflicted merge. Conflicts are
// never auto-resolved.
type Resolution int

const (
	// ResolutionManual pauses until the operator commits the resolution
	ResolutionManual Resolution = iota
	// ResolutionAcceptIncoming applies the worker's version wholly
	ResolutionAcceptIncoming
	// ResolutionAcceptCurrent discards the worker's version
	ResolutionAcceptCurrent
	// ResolutionAbort reverts the merge attempt and keeps the branch retryable
	ResolutionAbort
)

// ConflictResolver escalates a conflict to a human decision point
type ConflictResolver interface {
	Resolve(ctx context.Context, claim domain.BranchClaim, conflictErr error) (Resolution, error)
}

// AbortAll is the non-interactive resolver: every conflict is aborted and
// left for a manual retry.
type AbortAll struct{}

// Resolve always chooses abort
func (AbortAll) Resolve(context.Context, domain.BranchClaim, error) (Resolution, error) {
	return ResolutionAbort, nil
}

// Outcome labels what happened to one branch claim
type Outcome string

const (
	OutcomeMerged        Outcome = "merged"
	OutcomeDuplicate     Outcome = "skipped-duplicate"
	OutcomeNoChange      Outcome = "completed-no-change"
	OutcomeAborted       Outcome = "needs-manual-merge"
	OutcomeManualPending Outcome = "manual-resolution-pending"
	OutcomeDeferred      Outcome = "deferred"
	OutcomeInvalid       Outcome = "invalid-branch-name"
	OutcomeFailed        Outcome = "failed"
)

// Result records the fate of one claim within a wave
type Result struct {
	Claim   domain.BranchClaim
	Outcome Outcome
	Commit  string
	Err     error
}

// WaveReport summarizes one integration wave
type WaveReport struct {
	Results []Result
}

// Merged counts successfully integrated branches
func (r WaveReport) Merged() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == OutcomeMerged {
			n++
		}
	}
	return n
}

// NeedsAttention reports whether any claim escalated past automation
func (r WaveReport) NeedsAttention() bool {
	for _, res := range r.Results {
		if res.Outcome == OutcomeAborted || res.Outcome == OutcomeManualPending {
			return true
		}
	}
	return false
}

// Broker integrates waves of worker branches into the trunk
type Broker struct {
	repo          *gitrepo.Repo
	ledger        *state.Ledger
	worktrees     *worktree.Manager
	trunk         string
	runID         string
	checkpointTag string
	retries       int
	backoffBase   time.Duration
	timeoutScale  time.Duration
	salvage       bool
	logger        *slog.Logger
}

// Options configures a Broker
type Options struct {
	Trunk         string
	RunID         string
	CheckpointTag string
	Retries       int
	BackoffBase   time.Duration
	TimeoutScale  time.Duration // per-claim share of a wave's deadline; 0 means no deadline
	Salvage       bool
	Logger        *slog.Logger
}

// NewBroker wires a Broker to the shared tree, the ledger dedup set and the
// worktree lifecycle
func NewBroker(repo *gitrepo.Repo, ledger *state.Ledger, worktrees *worktree.Manager, opts Options) *Broker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retries < 2 {
		opts.Retries = 2
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.CheckpointTag == "" {
		opts.CheckpointTag = "batch-orch/checkpoint"
	}
	return &Broker{
		repo:          repo,
		ledger:        ledger,
		worktrees:     worktrees,
		trunk:         opts.Trunk,
		runID:         opts.RunID,
		checkpointTag: opts.CheckpointTag,
		retries:       opts.Retries,
		backoffBase:   opts.BackoffBase,
		timeoutScale:  opts.TimeoutScale,
		salvage:       opts.Salvage,
		logger:        opts.Logger,
	}
}

// Checkpoint (re)creates the rollback marker at the current trunk tip. One
// tag per repository; each wave overwrites it.
func (b *Broker) Checkpoint(ctx context.Context) error {
	return b.repo.Tag(ctx, b.checkpointTag, b.trunk)
}

// Rollback hard-resets the integration branch to the wave checkpoint
func (b *Broker) Rollback(ctx context.Context) error {
	if err := b.repo.Checkout(ctx, b.trunk); err != nil {
		return err
	}
	return b.repo.ResetHard(ctx, b.checkpointTag)
}

// IntegrateWave merges a finished wave's branches into the trunk in
// unit-id-ascending order. Conflicts escalate through the resolver; a
// manual resolution pauses the wave and defers the remaining claims.
func (b *Broker) IntegrateWave(ctx context.Context, claims []domain.BranchClaim, resolver ConflictResolver) (WaveReport, error) {
	if resolver == nil {
		resolver = AbortAll{}
	}

	var report WaveReport

	valid := claims[:0:0]
	for _, claim := range claims {
		if !worktree.ValidBranch(claim.Branch) {
			b.logger.Warn("dropping claim with invalid branch name", "branch", claim.Branch, "unit", claim.UnitID)
			report.Results = append(report.Results, Result{Claim: claim, Outcome: OutcomeInvalid})
			continue
		}
		valid = append(valid, claim)
	}

	sort.Slice(valid, func(i, j int) bool { return valid[i].UnitID < valid[j].UnitID })

	// The wave deadline scales with its size.
	if b.timeoutScale > 0 && len(valid) > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(len(valid))*b.timeoutScale)
		defer cancel()
	}

	if err := b.Checkpoint(ctx); err != nil {
		return report, fmt.Errorf("creating wave checkpoint: %w", err)
	}
	if err := b.repo.Checkout(ctx, b.trunk); err != nil {
		return report, err
	}

	paused := false
	for i, claim := range valid {
		if paused {
			report.Results = append(report.Results, Result{Claim: claim, Outcome: OutcomeDeferred})
			continue
		}

		res := b.integrateOne(ctx, claim, resolver)
		report.Results = append(report.Results, res)

		if res.Outcome == OutcomeManualPending {
			paused = true
			b.logger.Info("wave paused for manual conflict resolution",
				"branch", claim.Branch, "remaining", len(valid)-i-1)
		}
	}

	return report, nil
}

func (b *Broker) integrateOne(ctx context.Context, claim domain.BranchClaim, resolver ConflictResolver) Result {
	res := Result{Claim: claim}

	merged, err := b.ledger.Merged(claim.Branch)
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}
	if merged {
		// Duplicate completion signal, e.g. after a crash-recovery restart.
		res.Outcome = OutcomeDuplicate
		return res
	}

	ahead, err := b.repo.AheadCount(ctx, claim.Branch, b.trunk)
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}
	if ahead == 0 {
		res.Outcome = OutcomeNoChange
		b.teardown(ctx, claim, worktree.TeardownOpts{Merged: true})
		return res
	}

	commit, err := b.mergeWithRetry(ctx, claim)
	if err == nil {
		res.Outcome, res.Commit = OutcomeMerged, commit
		if _, err := b.ledger.RecordMerge(claim.Branch, commit, b.runID); err != nil {
			b.logger.Warn("recording merge", "branch", claim.Branch, "error", err)
		}
		b.teardown(ctx, claim, worktree.TeardownOpts{Merged: true})
		return res
	}

	if !errors.Is(err, ErrMergeConflict) {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}

	return b.escalate(ctx, claim, err, resolver)
}

// mergeWithRetry merges the branch non-fast-forward, retrying transient
// failures with increasing backoff. Conflicts are not retried.
func (b *Broker) mergeWithRetry(ctx context.Context, claim domain.BranchClaim) (string, error) {
	msgFile, err := b.writeMessageFile(claim)
	if err != nil {
		return "", err
	}
	defer os.Remove(msgFile)

	backoff := b.backoffBase
	var lastErr error
	for attempt := 0; attempt <= b.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := b.repo.MergeNoFF(ctx, claim.Branch, msgFile, "")
		if err == nil {
			return b.repo.RevParse(ctx, "HEAD")
		}
		if b.repo.MergeInProgress(ctx) || strings.Contains(err.Error(), "CONFLICT") {
			return "", fmt.Errorf("%w: %s: %v", ErrMergeConflict, claim.Branch, err)
		}
		lastErr = err
		b.logger.Warn("merge attempt failed", "branch", claim.Branch, "attempt", attempt+1, "error", err)
	}
	return "", lastErr
}

// Resolve applies an operator decision to a merge left open by a paused
// wave, as when `resolve` runs out of band against a conflicted trunk.
func (b *Broker) Resolve(ctx context.Context, claim domain.BranchClaim, resolution Resolution) Result {
	return b.escalate(ctx, claim, ErrMergeConflict, fixedResolver(resolution))
}

type fixedResolver Resolution

func (f fixedResolver) Resolve(context.Context, domain.BranchClaim, error) (Resolution, error) {
	return Resolution(f), nil
}

func (b *Broker) escalate(ctx context.Context, claim domain.BranchClaim, conflictErr error, resolver ConflictResolver) Result {
	res := Result{Claim: claim}

	resolution, err := resolver.Resolve(ctx, claim, conflictErr)
	if err != nil {
		b.abortMerge(ctx, claim)
		res.Outcome, res.Err = OutcomeAborted, err
		return res
	}

	switch resolution {
	case ResolutionManual:
		// The operator resolves and commits out of band; the merge stays
		// open and the wave pauses.
		res.Outcome = OutcomeManualPending
		return res

	case ResolutionAcceptIncoming, ResolutionAcceptCurrent:
		b.abortMerge(ctx, claim)
		strategy := "theirs"
		if resolution == ResolutionAcceptCurrent {
			strategy = "ours"
		}
		commit, err := b.mergeWithStrategy(ctx, claim, strategy)
		if err != nil {
			res.Outcome, res.Err = OutcomeFailed, err
			return res
		}
		res.Outcome, res.Commit = OutcomeMerged, commit
		if _, err := b.ledger.RecordMerge(claim.Branch, commit, b.runID); err != nil {
			b.logger.Warn("recording merge", "branch", claim.Branch, "error", err)
		}
		b.teardown(ctx, claim, worktree.TeardownOpts{Merged: true})
		return res

	default: // ResolutionAbort
		b.abortMerge(ctx, claim)
		// The branch stays out of the dedup set and keeps its worktree so
		// the unit can be retried.
		res.Outcome = OutcomeAborted
		res.Err = conflictErr
		return res
	}
}

func (b *Broker) mergeWithStrategy(ctx context.Context, claim domain.BranchClaim, strategy string) (string, error) {
	msgFile, err := b.writeMessageFile(claim)
	if err != nil {
		return "", err
	}
	defer os.Remove(msgFile)

	if err := b.repo.MergeNoFF(ctx, claim.Branch, msgFile, strategy); err != nil {
		b.abortMerge(ctx, claim)
		return "", err
	}
	return b.repo.RevParse(ctx, "HEAD")
}

func (b *Broker) abortMerge(ctx context.Context, claim domain.BranchClaim) {
	if !b.repo.MergeInProgress(ctx) {
		return
	}
	if err := b.repo.MergeAbort(ctx); err != nil {
		b.logger.Warn("aborting merge", "branch", claim.Branch, "error", err)
	}
}

func (b *Broker) teardown(ctx context.Context, claim domain.BranchClaim, opts worktree.TeardownOpts) {
	if b.worktrees == nil || claim.Workspace == "" {
		return
	}
	opts.Salvage = b.salvage
	entry := &worktree.Entry{Path: claim.Workspace, Branch: claim.Branch, UnitID: claim.UnitID}
	if err := b.worktrees.Teardown(ctx, entry, opts); err != nil {
		b.logger.Warn("worker teardown failed", "branch", claim.Branch, "error", err)
	}
}

// writeMessageFile materializes the merge commit message. Messages always
// travel through a file, never inline, so untrusted branch content cannot
// reach a shell.
func (b *Broker) writeMessageFile(claim domain.BranchClaim) (string, error) {
	f, err := os.CreateTemp("", "batch-orch-merge-*.txt")
	if err != nil {
		return "", err
	}
	msg := fmt.Sprintf("Integrate %s (unit %s)\n", claim.Branch, claim.UnitID)
	if _, err := f.WriteString(msg); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
