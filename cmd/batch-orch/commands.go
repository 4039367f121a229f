package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claude-batch-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-batch-orchestrator/internal/gitrepo"
	"github.com/hochfrequenz/claude-batch-orchestrator/internal/identity"
	"github.com/hochfrequenz/claude-batch-orchestrator/internal/loop"
	"github.com/hochfrequenz/claude-batch-orchestrator/internal/merge"
	"github.com/hochfrequenz/claude-batch-orchestrator/internal/worktree"
)

var (
	startMaxIterations int
	startNoMerge       bool
	gcBudget           int
	provisionWorker    int
	gcSchedule         string
	resolveWait        bool
	resolveBranch      string
	resolveUnit        string
	resolveAcceptIn    bool
	resolveAcceptCur   bool
	resolveAbort       bool
)

func init() {
	startCmd := &cobra.Command{
		Use:   "start QUEUE_FILE",
		Short: "Start a new batch from a queue file",
		Args:  cobra.ExactArgs(1),
		RunE:  runStart,
	}
	startCmd.Flags().IntVar(&startMaxIterations, "max-iterations", 0, "iteration budget (0 uses the configured default)")
	startCmd.Flags().BoolVar(&startNoMerge, "no-merge", false, "skip branch integration between units")
	rootCmd.AddCommand(startCmd)

	checkinCmd := &cobra.Command{
		Use:   "checkin",
		Short: "Handle one continuation event (payload on stdin)",
		RunE:  runCheckin,
	}
	rootCmd.AddCommand(checkinCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active batch",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume an interrupted batch",
		RunE:  runResume,
	}
	rootCmd.AddCommand(resumeCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the active batch",
		RunE:  runCancel,
	}
	rootCmd.AddCommand(cancelCmd)

	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Garbage collect abandoned worktrees and branches",
		RunE:  runGC,
	}
	gcCmd.Flags().IntVar(&gcBudget, "budget", 0, "max items per pass (0 uses the configured default)")
	gcCmd.Flags().StringVar(&gcSchedule, "schedule", "", "run on a cron schedule instead of once")
	rootCmd.AddCommand(gcCmd)

	provisionCmd := &cobra.Command{
		Use:   "provision UNIT_ID",
		Short: "Provision a worker workspace for a unit",
		Args:  cobra.ExactArgs(1),
		RunE:  runProvision,
	}
	provisionCmd.Flags().IntVar(&provisionWorker, "worker", 1, "worker slot the workspace belongs to")
	rootCmd.AddCommand(provisionCmd)

	resolveCmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a conflicted merge left open by a paused wave",
		RunE:  runResolve,
	}
	resolveCmd.Flags().BoolVar(&resolveWait, "wait", false, "block until the open merge concludes")
	resolveCmd.Flags().StringVar(&resolveBranch, "branch", "", "conflicted worker branch")
	resolveCmd.Flags().StringVar(&resolveUnit, "unit", "", "unit the branch belongs to")
	resolveCmd.Flags().BoolVar(&resolveAcceptIn, "accept-incoming", false, "take the worker's version wholly")
	resolveCmd.Flags().BoolVar(&resolveAcceptCur, "accept-current", false, "keep the trunk's version wholly")
	resolveCmd.Flags().BoolVar(&resolveAbort, "abort", false, "abort the merge and keep the branch retryable")
	rootCmd.AddCommand(resolveCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// setup resolves the repository, the identity tuple and the controller the
// subcommands share
func setup(ctx context.Context) (*config.Config, *gitrepo.Repo, identity.Identity, *loop.Controller, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, identity.Identity{}, nil, err
	}

	repo := gitrepo.New(".")
	root, err := repo.Root(ctx)
	if err != nil {
		return nil, nil, identity.Identity{}, nil, fmt.Errorf("not inside a git repository: %w", err)
	}
	repo = gitrepo.New(root)

	id, err := identity.Resolve(root)
	if err != nil {
		return nil, nil, identity.Identity{}, nil, err
	}

	ctrl, err := loop.NewController(cfg, repo, id, slog.Default())
	if err != nil {
		return nil, nil, identity.Identity{}, nil, err
	}
	return cfg, repo, id, ctrl, nil
}

func newBroker(cfg *config.Config, repo *gitrepo.Repo, id identity.Identity, ctrl *loop.Controller) *merge.Broker {
	manager := worktree.NewManager(repo, cfg.General.WorktreeDir, cfg.StateDir(id.InstallRoot),
		cfg.General.TrunkBranch, id, slog.Default())
	return merge.NewBroker(repo, ctrl.Ledger(), manager, merge.Options{
		Trunk:         cfg.General.TrunkBranch,
		RunID:         id.SessionID,
		CheckpointTag: cfg.Merge.CheckpointTag,
		Retries:       cfg.Merge.Retries,
		BackoffBase:   cfg.Merge.BackoffBase,
		TimeoutScale:  cfg.Merge.TimeoutScale,
		Salvage:       cfg.GC.SalvageMode == "patch",
	})
}

func emitDirective(dir *domain.Directive) error {
	if dir == nil {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(dir)
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, _, _, ctrl, err := setup(ctx)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	dir, err := ctrl.Start(ctx, loop.StartOptions{
		QueuePath:     args[0],
		MaxIterations: startMaxIterations,
		MergeMode:     !startNoMerge,
	})
	if err != nil {
		return err
	}
	return emitDirective(dir)
}

// runCheckin is the continuation entry point. It always exits zero: any
// guard failure means there is simply nothing for the host to do.
func runCheckin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, repo, id, ctrl, err := setup(ctx)
	if err != nil {
		slog.Warn("checkin setup failed, ignoring event", "error", err)
		return nil
	}
	defer ctrl.Close()

	ctrl.SetIntegrator(newBroker(cfg, repo, id, ctrl))

	dir := ctrl.CheckIn(ctx, os.Stdin)
	if err := emitDirective(dir); err != nil {
		slog.Warn("writing directive", "error", err)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	_, _, _, ctrl, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer ctrl.Close()

	report, err := ctrl.Status()
	if errors.Is(err, loop.ErrNoActiveBatch) {
		fmt.Println("No active batch.")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Print(renderStatus(report))
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, _, _, ctrl, err := setup(ctx)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	dir, err := ctrl.Resume(ctx)
	if err != nil {
		return err
	}
	return emitDirective(dir)
}

func runCancel(cmd *cobra.Command, args []string) error {
	_, _, _, ctrl, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if err := ctrl.Cancel(); err != nil {
		return err
	}
	fmt.Println("Batch cancelled.")
	return nil
}

func runGC(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, repo, id, ctrl, err := setup(ctx)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	manager := worktree.NewManager(repo, cfg.General.WorktreeDir, cfg.StateDir(id.InstallRoot),
		cfg.General.TrunkBranch, id, slog.Default())

	budget := gcBudget
	if budget <= 0 {
		budget = cfg.GC.ItemBudget
	}

	pass := func() {
		report, err := manager.GC(ctx, budget)
		if err != nil {
			slog.Error("gc pass failed", "error", err)
			return
		}
		fmt.Printf("gc: cleaned %d, deferred %d, skipped %d\n",
			report.Cleaned, report.Deferred, report.Skipped)
	}

	if gcSchedule == "" {
		pass()
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(gcSchedule, pass); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", gcSchedule, err)
	}
	c.Start()
	defer c.Stop()

	fmt.Printf("gc daemon running on schedule %q\n", gcSchedule)
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	return nil
}

// runProvision hands a workspace to the calling worker as JSON. Provisioning
// failures degrade to the shared repository root rather than erroring out.
func runProvision(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, repo, id, ctrl, err := setup(ctx)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	manager := worktree.NewManager(repo, cfg.General.WorktreeDir, cfg.StateDir(id.InstallRoot),
		cfg.General.TrunkBranch, id, slog.Default())

	ws, err := manager.ProvisionWorkspace(ctx, args[0], provisionWorker)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(ws)
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, repo, id, ctrl, err := setup(ctx)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if resolveWait {
		gitDir := filepath.Join(id.InstallRoot, ".git")
		fmt.Println("Waiting for the open merge to conclude...")
		if err := merge.WaitForResolution(ctx, gitDir); err != nil {
			return err
		}
		fmt.Println("Merge concluded.")
		return nil
	}

	resolution, err := pickResolution()
	if err != nil {
		return err
	}
	if resolveBranch == "" {
		return fmt.Errorf("--branch is required")
	}
	if !worktree.ValidBranch(resolveBranch) {
		return fmt.Errorf("branch %q does not match the worker branch grammar", resolveBranch)
	}

	broker := newBroker(cfg, repo, id, ctrl)
	claim := domain.BranchClaim{Branch: resolveBranch, UnitID: resolveUnit}
	res := broker.Resolve(ctx, claim, resolution)
	if res.Err != nil {
		return res.Err
	}
	fmt.Printf("resolve: %s -> %s\n", resolveBranch, res.Outcome)
	return nil
}

func pickResolution() (merge.Resolution, error) {
	var picks []merge.Resolution
	if resolveAcceptIn {
		picks = append(picks, merge.ResolutionAcceptIncoming)
	}
	if resolveAcceptCur {
		picks = append(picks, merge.ResolutionAcceptCurrent)
	}
	if resolveAbort {
		picks = append(picks, merge.ResolutionAbort)
	}
	if len(picks) != 1 {
		return 0, fmt.Errorf("exactly one of --accept-incoming, --accept-current or --abort is required")
	}
	return picks[0], nil
}
