package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General GeneralConfig `toml:"general"`
	Loop    LoopConfig    `toml:"loop"`
	Merge   MergeConfig   `toml:"merge"`
	GC      GCConfig      `toml:"gc"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	TrunkBranch  string `toml:"trunk_branch"`
	StateDirName string `toml:"state_dir_name"`
	WorktreeDir  string `toml:"worktree_dir"`
}

// LoopConfig holds batch-loop settings
type LoopConfig struct {
	MaxIterations    int           `toml:"max_iterations"`
	PayloadByteLimit int64         `toml:"payload_byte_limit"`
	LockGraceWindow  time.Duration `toml:"lock_grace_window"`
}

// MergeConfig holds merge-broker settings
type MergeConfig struct {
	Retries       int           `toml:"retries"`
	BackoffBase   time.Duration `toml:"backoff_base"`
	CheckpointTag string        `toml:"checkpoint_tag"`
	TimeoutScale  time.Duration `toml:"timeout_scale"`
}

// GCConfig holds garbage-collection settings
type GCConfig struct {
	ItemBudget  int    `toml:"item_budget"`
	SalvageMode string `toml:"salvage_mode"` // "discard" or "patch"
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			TrunkBranch:  "main",
			StateDirName: ".batch-orch",
			WorktreeDir:  filepath.Join(home, ".batch-orch", "worktrees"),
		},
		Loop: LoopConfig{
			MaxIterations:    50,
			PayloadByteLimit: 256 * 1024,
			LockGraceWindow:  4 * time.Hour,
		},
		Merge: MergeConfig{
			Retries:       2,
			BackoffBase:   2 * time.Second,
			CheckpointTag: "batch-orch/checkpoint",
			TimeoutScale:  5 * time.Minute,
		},
		GC: GCConfig{
			ItemBudget:  8,
			SalvageMode: "patch",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.WorktreeDir = ExpandPath(cfg.General.WorktreeDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the loop cannot operate under
func (c *Config) Validate() error {
	if c.Loop.MaxIterations <= 0 {
		return fmt.Errorf("loop.max_iterations must be positive, got %d", c.Loop.MaxIterations)
	}
	if c.Loop.PayloadByteLimit <= 0 {
		return fmt.Errorf("loop.payload_byte_limit must be positive, got %d", c.Loop.PayloadByteLimit)
	}
	if c.Merge.Retries < 2 {
		return fmt.Errorf("merge.retries must be at least 2, got %d", c.Merge.Retries)
	}
	switch c.GC.SalvageMode {
	case "discard", "patch":
	default:
		return fmt.Errorf("gc.salvage_mode must be %q or %q, got %q", "discard", "patch", c.GC.SalvageMode)
	}
	return nil
}

// StateDir returns the per-repository state directory
func (c *Config) StateDir(repoRoot string) string {
	return filepath.Join(repoRoot, c.General.StateDirName)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "batch-orch", "config.toml")
}
