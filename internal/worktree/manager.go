// Package worktree provisions and tears down the isolated workspace/branch
// pairs that workers execute in.
package worktree

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hochfrequenz/claude-batch-orchestrator/internal/gitrepo"
	"github.com/hochfrequenz/claude-batch-orchestrator/internal/identity"
)

// branchRegex is the strict naming grammar for worker branches. Anything
// not matching it is never passed to git.
var branchRegex = regexp.MustCompile(`^batch/[a-z0-9][a-z0-9._-]*-w[0-9]+-[0-9a-f]{6}$`)

// ErrProvision is returned once provisioning has failed twice; the caller
// falls back to non-isolated execution for that unit
var ErrProvision = errors.New("worktree provisioning failed")

// Entry is the ephemeral (workspace, branch, unit) triple for one worker
type Entry struct {
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	UnitID    string    `json:"unit_id"`
	Worker    int       `json:"worker"`
	CreatedAt time.Time `json:"created_at"`

	// Identity tuple of the provisioning session, used by GC to classify
	// leftovers
	InstallRoot string `json:"installation_root"`
	OwnerPID    int    `json:"owner_process_id"`
	SessionID   string `json:"session_id"`
}

// Manager handles worker workspace lifecycle for one repository
type Manager struct {
	repo   *gitrepo.Repo
	dir    string // root under which workspaces are materialized
	meta   string // sidecar metadata directory
	trunk  string
	id     identity.Identity
	logger *slog.Logger
}

// NewManager creates a Manager. Sidecar metadata lives under stateDir.
func NewManager(repo *gitrepo.Repo, worktreeDir, stateDir, trunk string, id identity.Identity, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:   repo,
		dir:    worktreeDir,
		meta:   filepath.Join(stateDir, "worktrees"),
		trunk:  trunk,
		id:     id,
		logger: logger,
	}
}

// ValidBranch reports whether a branch name matches the worker grammar
func ValidBranch(branch string) bool {
	return branchRegex.MatchString(branch)
}

// BranchName composes a worker branch name
func BranchName(unitID string, worker int, suffix string) string {
	return fmt.Sprintf("batch/%s-w%d-%s", unitID, worker, suffix)
}

// Provision allocates a fresh isolated workspace bound to a new branch for
// one worker. A first failure is retried once after pruning; a second
// failure returns ErrProvision.
func (m *Manager) Provision(ctx context.Context, unitID string, worker int) (*Entry, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating worktree dir: %w", err)
	}

	entry, err := m.provisionOnce(ctx, unitID, worker)
	if err == nil {
		return entry, nil
	}
	m.logger.Warn("worktree provisioning failed, retrying after prune",
		"unit", unitID, "worker", worker, "error", err)
	m.repo.WorktreePrune(ctx)

	entry, err = m.provisionOnce(ctx, unitID, worker)
	if err != nil {
		return nil, fmt.Errorf("%w: unit %s worker %d: %v", ErrProvision, unitID, worker, err)
	}
	return entry, nil
}

// Workspace is where a worker actually runs: an isolated worktree when
// provisioning succeeded, the shared repository root otherwise.
type Workspace struct {
	Path     string `json:"path"`
	Branch   string `json:"branch,omitempty"`
	UnitID   string `json:"unit_id"`
	Worker   int    `json:"worker"`
	Isolated bool   `json:"isolated"`
}

// ProvisionWorkspace wraps Provision with the degradation path: when both
// provisioning attempts fail, the worker runs non-isolated in the shared
// repository root on the trunk. Errors other than ErrProvision propagate.
func (m *Manager) ProvisionWorkspace(ctx context.Context, unitID string, worker int) (Workspace, error) {
	entry, err := m.Provision(ctx, unitID, worker)
	if err == nil {
		return Workspace{
			Path:     entry.Path,
			Branch:   entry.Branch,
			UnitID:   entry.UnitID,
			Worker:   entry.Worker,
			Isolated: true,
		}, nil
	}
	if !errors.Is(err, ErrProvision) {
		return Workspace{}, err
	}
	m.logger.Warn("falling back to non-isolated execution",
		"unit", unitID, "worker", worker, "error", err)
	return Workspace{
		Path:   m.repo.Dir(),
		UnitID: unitID,
		Worker: worker,
	}, nil
}

func (m *Manager) provisionOnce(ctx context.Context, unitID string, worker int) (*Entry, error) {
	branch := BranchName(unitID, worker, randomSuffix())
	if !ValidBranch(branch) {
		return nil, fmt.Errorf("unit id %q does not compose a valid branch name", unitID)
	}

	path := filepath.Join(m.dir, strings.ReplaceAll(strings.TrimPrefix(branch, "batch/"), "/", "-"))
	if err := m.repo.WorktreeAdd(ctx, path, branch, m.trunk); err != nil {
		return nil, err
	}

	entry := &Entry{
		Path:        path,
		Branch:      branch,
		UnitID:      unitID,
		Worker:      worker,
		CreatedAt:   time.Now().UTC(),
		InstallRoot: m.id.InstallRoot,
		OwnerPID:    m.id.PID,
		SessionID:   m.id.SessionID,
	}
	if err := m.writeMeta(entry); err != nil {
		m.logger.Warn("writing worktree metadata", "branch", branch, "error", err)
	}
	return entry, nil
}

// TeardownOpts controls how a workspace is dismantled
type TeardownOpts struct {
	// Salvage writes uncommitted modifications to a patch file instead of
	// discarding them
	Salvage bool
	// Merged allows a safe branch delete (the terminal step of a
	// successful merge)
	Merged bool
	// Aborted forces branch deletion for explicitly abandoned work
	Aborted bool
}

// Teardown dismantles one worker workspace. Branches survive unless the
// merge succeeded (safe delete) or the work was explicitly aborted (forced
// delete).
func (m *Manager) Teardown(ctx context.Context, entry *Entry, opts TeardownOpts) error {
	dirty, err := m.repo.HasUncommittedChanges(ctx, entry.Path)
	if err == nil && dirty {
		if opts.Salvage {
			if err := m.salvagePatch(ctx, entry); err != nil {
				m.logger.Warn("salvaging worktree changes", "branch", entry.Branch, "error", err)
			}
		}
		if err := m.repo.ResetHardIn(ctx, entry.Path); err != nil {
			m.logger.Warn("resetting dirty worktree", "branch", entry.Branch, "error", err)
		}
	}

	if err := m.repo.WorktreeRemove(ctx, entry.Path, false); err != nil {
		if err := m.repo.WorktreeRemove(ctx, entry.Path, true); err != nil {
			return fmt.Errorf("removing worktree %s: %w", entry.Path, err)
		}
	}

	switch {
	case opts.Merged:
		if err := m.repo.BranchDelete(ctx, entry.Branch, false); err != nil {
			m.logger.Warn("safe branch delete refused", "branch", entry.Branch, "error", err)
		}
	case opts.Aborted:
		if err := m.repo.BranchDelete(ctx, entry.Branch, true); err != nil {
			m.logger.Warn("forced branch delete failed", "branch", entry.Branch, "error", err)
		}
	}

	m.removeMeta(entry.Branch)
	return nil
}

// salvagePatch preserves uncommitted modifications as a patch file under
// the metadata directory
func (m *Manager) salvagePatch(ctx context.Context, entry *Entry) error {
	patch, err := m.repo.DiffPatch(ctx, entry.Path)
	if err != nil {
		return err
	}
	if strings.TrimSpace(patch) == "" {
		return nil
	}

	dir := filepath.Join(m.meta, "salvage")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s-%s.patch",
		strings.ReplaceAll(strings.TrimPrefix(entry.Branch, "batch/"), "/", "-"),
		time.Now().UTC().Format("20060102T150405"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(patch), 0o644); err != nil {
		return err
	}
	m.logger.Info("salvaged uncommitted changes", "branch", entry.Branch, "patch", path)
	return nil
}

func (m *Manager) writeMeta(entry *Entry) error {
	if err := os.MkdirAll(m.meta, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.metaPath(entry.Branch), data, 0o644)
}

func (m *Manager) readMeta(branch string) (*Entry, error) {
	data, err := os.ReadFile(m.metaPath(branch))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (m *Manager) removeMeta(branch string) {
	os.Remove(m.metaPath(branch))
}

func (m *Manager) metaPath(branch string) string {
	return filepath.Join(m.meta, strings.ReplaceAll(branch, "/", "--")+".json")
}

func randomSuffix() string {
	b := make([]byte, 3)
	rand.Read(b)
	return hex.EncodeToString(b)
}
