// Package loop drives the continuation-based batch loop: one directive per
// host event, with every decision gated by a fail-open guard chain.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hochfrequenz/claude-batch-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-batch-orchestrator/internal/gitrepo"
	"github.com/hochfrequenz/claude-batch-orchestrator/internal/identity"
	"github.com/hochfrequenz/claude-batch-orchestrator/internal/merge"
	"github.com/hochfrequenz/claude-batch-orchestrator/internal/queue"
	"github.com/hochfrequenz/claude-batch-orchestrator/internal/state"
)

const workflowKind = "batch"

// ErrNoActiveBatch is returned by operations that require a running batch
var ErrNoActiveBatch = errors.New("no active batch in this repository")

// Integrator merges a wave of worker branches; satisfied by merge.Broker
type Integrator interface {
	IntegrateWave(ctx context.Context, claims []domain.BranchClaim, resolver merge.ConflictResolver) (merge.WaveReport, error)
}

// Controller owns the batch state machine. Every entry point re-derives
// its view of the world from disk, because each continuation event arrives
// in a fresh process.
type Controller struct {
	cfg        *config.Config
	repo       *gitrepo.Repo
	id         identity.Identity
	stateDir   string
	store      *state.FileStore
	ledger     *state.Ledger
	integrator Integrator
	logger     *slog.Logger
}

// NewController wires a Controller for one repository. The identity tuple
// must already be canonicalized against the repository root.
func NewController(cfg *config.Config, repo *gitrepo.Repo, id identity.Identity, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stateDir := cfg.StateDir(id.InstallRoot)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	ledger, err := state.OpenLedger(filepath.Join(stateDir, "progress.db"))
	if err != nil {
		return nil, fmt.Errorf("opening progress ledger: %w", err)
	}
	return &Controller{
		cfg:      cfg,
		repo:     repo,
		id:       id,
		stateDir: stateDir,
		store:    state.NewFileStore(stateDir, workflowKind),
		ledger:   ledger,
		logger:   logger,
	}, nil
}

// SetIntegrator installs the merge broker used for claims arriving in
// merge mode
func (c *Controller) SetIntegrator(in Integrator) {
	c.integrator = in
}

// Ledger exposes the progress ledger for status rendering
func (c *Controller) Ledger() *state.Ledger {
	return c.ledger
}

// Close releases the ledger handle
func (c *Controller) Close() error {
	return c.ledger.Close()
}

// StartOptions configures a new batch
type StartOptions struct {
	QueuePath     string
	MaxIterations int
	MergeMode     bool
}

// Start begins a new batch: validates the queue, claims ownership of the
// repository, seeds the ledger and emits the directive for the first unit.
func (c *Controller) Start(ctx context.Context, opts StartOptions) (*domain.Directive, error) {
	q, err := queue.Load(opts.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("loading unit queue: %w", err)
	}

	reclaimed, err := c.store.PreCreationGuard(c.id)
	if err != nil {
		return nil, err
	}
	if reclaimed != nil {
		c.logger.Warn("overwriting abandoned batch state",
			"previous_pid", reclaimed.OwnerPID,
			"previous_session", reclaimed.SessionID)
	}

	// The lock file stays on disk for the batch's lifetime; finish and
	// cancel remove it. Detach only drops the flock held by this process.
	lock, err := identity.AcquireLock(c.stateDir, c.cfg.Loop.LockGraceWindow)
	if err != nil {
		return nil, err
	}
	defer lock.Detach()

	// A new run starts with a clean ledger; continuing an old one is what
	// resume is for.
	if err := c.ledger.Reset(); err != nil {
		return nil, fmt.Errorf("resetting progress ledger: %w", err)
	}
	if err := c.ledger.Init(q.Units); err != nil {
		return nil, fmt.Errorf("seeding progress ledger: %w", err)
	}

	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = c.cfg.Loop.MaxIterations
	}

	first := q.Units[0]
	if err := c.ledger.SetStatus(first.ID, domain.StatusInProgress, "", c.id.SessionID); err != nil {
		return nil, err
	}

	wf := c.newWorkflow(maxIter, q.Len(), opts.QueuePath, opts.MergeMode)
	if err := c.store.Save(wf); err != nil {
		return nil, err
	}

	c.logger.Info("batch started", "units", q.Len(), "max_iterations", maxIter, "merge_mode", opts.MergeMode)
	return domain.ContinueDirective(first, wf.Iteration, wf.MergeMode), nil
}

func (c *Controller) newWorkflow(maxIter, totalUnits int, queueRef string, mergeMode bool) *state.Workflow {
	return &state.Workflow{
		Active:        1,
		Iteration:     1,
		MaxIterations: maxIter,
		TotalUnits:    totalUnits,
		InstallRoot:   c.id.InstallRoot,
		OwnerPID:      c.id.PID,
		SessionID:     c.id.SessionID,
		QueueRef:      queueRef,
		ProgressRef:   filepath.Join(c.stateDir, "progress.db"),
		MergeMode:     mergeMode,
		StartedAt:     time.Now(),
	}
}

// checkinState accumulates what the guard chain establishes about one
// continuation event
type checkinState struct {
	reader  io.Reader
	payload domain.CheckinPayload
	wf      *state.Workflow
}

// guard is one link of the ordered fail-open chain; a false return stops
// the check-in with zero mutation
type guard struct {
	name  string
	check func(*checkinState) bool
}

func (c *Controller) guards() []guard {
	return []guard{
		{"payload-readable", c.guardPayload},
		{"install-root-resolved", c.guardInstallRoot},
		{"state-exists", c.guardStateExists},
		{"state-parseable", c.guardStateLoads},
		{"batch-active", c.guardActive},
		{"iteration-budget", c.guardIterationBudget},
		{"ownership", c.guardOwnership},
	}
}

// CheckIn handles one continuation event. Any guard failure produces a nil
// directive and zero state mutation; the host treats silence as "nothing to
// do". Errors are never returned to the host.
func (c *Controller) CheckIn(ctx context.Context, r io.Reader) *domain.Directive {
	s := &checkinState{reader: r}
	for _, g := range c.guards() {
		if !g.check(s) {
			c.logger.Debug("guard failed open, ignoring event", "guard", g.name)
			return nil
		}
	}
	payload, wf := s.payload, s.wf

	// Integration runs first: a merge escalation terminalizes the unit as
	// failed, and terminal statuses never regress.
	if wf.MergeMode {
		current := ""
		if rec, found, err := c.ledger.InProgress(); err == nil && found {
			current = rec.UnitID
		}
		c.integrateClaims(ctx, payload, current)
	}

	c.finishCurrentUnit(payload)

	next, found, err := c.ledger.NextPending()
	if err != nil {
		c.logger.Error("reading progress ledger", "error", err)
		return nil
	}
	if !found {
		return c.finish()
	}

	c.hygiene(ctx)

	if err := c.ledger.SetStatus(next.UnitID, domain.StatusInProgress, "", payload.SessionID); err != nil {
		c.logger.Error("marking next unit", "unit", next.UnitID, "error", err)
		return nil
	}

	wf.Iteration++
	wf.OwnerPID = c.id.PID
	wf.SessionID = c.id.SessionID
	if err := c.store.Save(wf); err != nil {
		c.logger.Error("persisting workflow state", "error", err)
		return nil
	}

	return domain.ContinueDirective(domain.Unit{ID: next.UnitID, Path: next.Path}, wf.Iteration, wf.MergeMode)
}

// guardPayload reads the bounded continuation payload. An empty stream is
// a valid zero payload; malformed content fails open.
func (c *Controller) guardPayload(s *checkinState) bool {
	if s.reader == nil {
		return true
	}
	dec := json.NewDecoder(io.LimitReader(s.reader, c.cfg.Loop.PayloadByteLimit))
	if err := dec.Decode(&s.payload); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		c.logger.Warn("unreadable continuation payload", "error", err)
		return false
	}
	return true
}

func (c *Controller) guardInstallRoot(s *checkinState) bool {
	return c.id.InstallRoot != ""
}

func (c *Controller) guardStateExists(s *checkinState) bool {
	return c.store.Exists()
}

// guardStateLoads parses the state file. Corrupt or symlinked state is
// deleted and treated as absent. Numeric bounds are enforced by the parser.
func (c *Controller) guardStateLoads(s *checkinState) bool {
	wf, err := c.store.Load()
	if err != nil {
		if errors.Is(err, state.ErrCorruptState) || errors.Is(err, state.ErrSymlinkState) {
			c.logger.Warn("deleting unusable batch state", "error", err)
			c.store.Delete()
		}
		return false
	}
	s.wf = wf
	return true
}

func (c *Controller) guardActive(s *checkinState) bool {
	return s.wf.IsActive()
}

func (c *Controller) guardIterationBudget(s *checkinState) bool {
	if s.wf.Iteration >= s.wf.MaxIterations {
		c.logger.Warn("iteration budget exhausted, refusing to continue",
			"iteration", s.wf.Iteration, "max", s.wf.MaxIterations)
		return false
	}
	return true
}

// guardOwnership leaves state owned by another live session or installation
// untouched; a dead owner's batch is reclaimed.
func (c *Controller) guardOwnership(s *checkinState) bool {
	switch owner := c.id.Classify(s.wf.InstallRoot, s.wf.OwnerPID); owner {
	case identity.OwnershipOurs:
		return true
	case identity.OwnershipOrphan:
		c.logger.Warn("reclaiming batch from dead process", "previous_pid", s.wf.OwnerPID)
		return true
	default:
		c.logger.Info("batch state owned elsewhere", "owner", owner.String())
		return false
	}
}

// finishCurrentUnit records the outcome of the unit the host just reported
// on. No in-progress record means there is nothing to finish.
func (c *Controller) finishCurrentUnit(payload domain.CheckinPayload) {
	rec, found, err := c.ledger.InProgress()
	if err != nil || !found {
		return
	}

	status := domain.StatusCompleted
	errText := ""
	if payload.Failed() {
		status = domain.StatusFailed
		errText = payload.Result.Error
		if errText == "" {
			errText = "unit reported failure"
		}
	}

	if err := c.ledger.SetStatus(rec.UnitID, status, errText, payload.SessionID); err != nil {
		c.logger.Error("recording unit outcome", "unit", rec.UnitID, "error", err)
	}
}

// integrateClaims hands the wave's branch claims to the merge broker and
// folds the outcomes back into the ledger
func (c *Controller) integrateClaims(ctx context.Context, payload domain.CheckinPayload, finishedUnit string) {
	claims := payload.Workers
	if branch := c.resolveResultBranch(ctx, payload, finishedUnit); branch != "" {
		claims = appendClaim(claims, domain.BranchClaim{Branch: branch, UnitID: unitIDFromBranch(branch)})
	}
	if len(claims) == 0 || c.integrator == nil {
		return
	}

	report, err := c.integrator.IntegrateWave(ctx, claims, nil)
	if err != nil {
		c.logger.Error("integrating wave", "error", err)
		return
	}

	for _, res := range report.Results {
		switch res.Outcome {
		case merge.OutcomeAborted:
			c.markUnitFailed(res.Claim.UnitID, "needs manual merge: "+res.Claim.Branch, payload.SessionID)
		case merge.OutcomeManualPending:
			c.markUnitFailed(res.Claim.UnitID, "merge paused for manual resolution: "+res.Claim.Branch, payload.SessionID)
		case merge.OutcomeFailed:
			errText := "merge failed"
			if res.Err != nil {
				errText = res.Err.Error()
			}
			c.markUnitFailed(res.Claim.UnitID, errText, payload.SessionID)
		}
	}
	c.logger.Info("wave integrated", "merged", report.Merged(), "claims", len(claims))
}

// markUnitFailed records a merge-stage failure; a rejected transition (the
// unit already reached a terminal status) is logged rather than dropped
func (c *Controller) markUnitFailed(unitID, errText, sessionID string) {
	if err := c.ledger.SetStatus(unitID, domain.StatusFailed, errText, sessionID); err != nil {
		c.logger.Error("recording merge outcome", "unit", unitID, "error", err)
	}
}

// resolveResultBranch applies the dual-channel branch precedence, falling
// back to ref enumeration when both structured channels came back empty
func (c *Controller) resolveResultBranch(ctx context.Context, payload domain.CheckinPayload, finishedUnit string) string {
	result := payload.Result
	if result.ResolveBranch() == "" && finishedUnit != "" {
		result.DiscoveredBranch = c.discoverBranch(ctx, finishedUnit)
	}
	return result.ResolveBranch()
}

func (c *Controller) discoverBranch(ctx context.Context, unitID string) string {
	branches, err := c.repo.ListBranches(ctx, "batch/")
	if err != nil {
		return ""
	}
	prefix := "batch/" + unitID + "-w"
	for _, branch := range branches {
		if strings.HasPrefix(branch, prefix) {
			return branch
		}
	}
	return ""
}

func appendClaim(claims []domain.BranchClaim, claim domain.BranchClaim) []domain.BranchClaim {
	for _, existing := range claims {
		if existing.Branch == claim.Branch {
			return claims
		}
	}
	return append(claims, claim)
}

// unitIDFromBranch recovers the unit id from a grammar-conforming branch
// name, batch/<unit>-w<n>-<suffix>
func unitIDFromBranch(branch string) string {
	name := strings.TrimPrefix(branch, "batch/")
	if i := strings.LastIndex(name, "-w"); i > 0 {
		return name[:i]
	}
	return name
}

// hygiene returns the shared tree to a clean trunk before the next unit
// dispatches. Failures are logged, never fatal.
func (c *Controller) hygiene(ctx context.Context) {
	if err := c.repo.Checkout(ctx, c.cfg.General.TrunkBranch); err != nil {
		c.logger.Warn("trunk checkout during hygiene", "error", err)
	}
	if err := c.repo.ResetHard(ctx, "HEAD"); err != nil {
		c.logger.Warn("reset during hygiene", "error", err)
	}
	if err := c.repo.CleanUntracked(ctx, c.cfg.General.StateDirName); err != nil {
		c.logger.Warn("clean during hygiene", "error", err)
	}
}

// finish tears down the batch and emits the terminal summary. State file
// deletion is the termination signal.
func (c *Controller) finish() *domain.Directive {
	sum, err := c.summary()
	if err != nil {
		c.logger.Error("building summary", "error", err)
		return nil
	}

	c.writeSummaryFile(sum)

	if err := c.store.Delete(); err != nil {
		c.logger.Error("removing batch state", "error", err)
	}
	if err := identity.ForceReleaseLock(c.stateDir); err != nil {
		c.logger.Warn("releasing execution lock", "error", err)
	}

	c.logger.Info("batch finished", "completed", sum.Completed, "failed", sum.Failed, "total", sum.Total)
	return domain.SummaryDirective(sum)
}

// writeSummaryFile leaves a human-readable record of the finished batch in
// the state dir, surviving after the state file is gone
func (c *Controller) writeSummaryFile(sum domain.Summary) {
	var b strings.Builder
	fmt.Fprintf(&b, "Batch finished %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "%d units: %d completed, %d failed\n\n", sum.Total, sum.Completed, sum.Failed)
	for _, rec := range sum.Records {
		fmt.Fprintf(&b, "  %-12s %s", rec.Status, rec.UnitID)
		if rec.Error != "" {
			fmt.Fprintf(&b, "  (%s)", rec.Error)
		}
		b.WriteString("\n")
	}
	if err := os.WriteFile(filepath.Join(c.stateDir, "summary"), []byte(b.String()), 0o644); err != nil {
		c.logger.Warn("writing summary file", "error", err)
	}
}

func (c *Controller) summary() (domain.Summary, error) {
	counts, err := c.ledger.Counts()
	if err != nil {
		return domain.Summary{}, err
	}
	records, err := c.ledger.Records()
	if err != nil {
		return domain.Summary{}, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return domain.Summary{
		Total:     total,
		Completed: counts[domain.StatusCompleted],
		Failed:    counts[domain.StatusFailed],
		Records:   records,
	}, nil
}

// Resume picks up an interrupted batch: the stale in-progress unit is
// marked failed and the next pending unit dispatches under this session.
func (c *Controller) Resume(ctx context.Context) (*domain.Directive, error) {
	if !c.store.Exists() {
		return nil, ErrNoActiveBatch
	}
	wf, err := c.store.Load()
	if err != nil {
		return nil, err
	}

	switch owner := c.id.Classify(wf.InstallRoot, wf.OwnerPID); owner {
	case identity.OwnershipOurs, identity.OwnershipOrphan:
	default:
		return nil, fmt.Errorf("%w (%s, pid %d)", state.ErrOwnedElsewhere, owner.String(), wf.OwnerPID)
	}

	if rec, found, err := c.ledger.InProgress(); err == nil && found {
		if err := c.ledger.SetStatus(rec.UnitID, domain.StatusFailed, "interrupted", wf.SessionID); err != nil {
			return nil, err
		}
		c.logger.Warn("marking interrupted unit failed", "unit", rec.UnitID)
	}

	next, found, err := c.ledger.NextPending()
	if err != nil {
		return nil, err
	}
	if !found {
		return c.finish(), nil
	}

	if err := c.ledger.SetStatus(next.UnitID, domain.StatusInProgress, "", c.id.SessionID); err != nil {
		return nil, err
	}

	wf.OwnerPID = c.id.PID
	wf.SessionID = c.id.SessionID
	if err := c.store.Save(wf); err != nil {
		return nil, err
	}

	c.logger.Info("batch resumed", "next_unit", next.UnitID, "iteration", wf.Iteration)
	return domain.ContinueDirective(domain.Unit{ID: next.UnitID, Path: next.Path}, wf.Iteration, wf.MergeMode), nil
}

// Cancel terminates the active batch. Batches owned by another live
// session or installation are refused.
func (c *Controller) Cancel() error {
	if !c.store.Exists() {
		return ErrNoActiveBatch
	}
	wf, err := c.store.Load()
	if err == nil {
		switch owner := c.id.Classify(wf.InstallRoot, wf.OwnerPID); owner {
		case identity.OwnershipOurs, identity.OwnershipOrphan:
		default:
			return fmt.Errorf("%w (%s, pid %d)", state.ErrOwnedElsewhere, owner.String(), wf.OwnerPID)
		}
	}

	if err := c.store.Delete(); err != nil {
		return err
	}
	if err := identity.ForceReleaseLock(c.stateDir); err != nil {
		c.logger.Warn("releasing execution lock", "error", err)
	}
	c.logger.Info("batch cancelled")
	return nil
}

// StatusReport is the read-only view rendered by the status command
type StatusReport struct {
	Workflow *state.Workflow
	Counts   map[domain.UnitStatus]int
	Records  []domain.ProgressRecord
}

// Status summarizes the active batch, or returns ErrNoActiveBatch
func (c *Controller) Status() (*StatusReport, error) {
	if !c.store.Exists() {
		return nil, ErrNoActiveBatch
	}
	wf, err := c.store.Load()
	if err != nil {
		return nil, err
	}
	counts, err := c.ledger.Counts()
	if err != nil {
		return nil, err
	}
	records, err := c.ledger.Records()
	if err != nil {
		return nil, err
	}
	return &StatusReport{Workflow: wf, Counts: counts, Records: records}, nil
}
