package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.General.TrunkBranch != "main" {
		t.Errorf("TrunkBranch = %q, want main", cfg.General.TrunkBranch)
	}
	if cfg.Loop.MaxIterations != 50 {
		t.Errorf("MaxIterations = %d, want 50", cfg.Loop.MaxIterations)
	}
	if cfg.Merge.Retries < 2 {
		t.Errorf("Retries = %d, want at least 2", cfg.Merge.Retries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GC.ItemBudget != 8 {
		t.Errorf("ItemBudget = %d, want 8", cfg.GC.ItemBudget)
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[general]
trunk_branch = "develop"
worktree_dir = "~/wt"

[loop]
max_iterations = 10

[merge]
retries = 3
backoff_base = 1000000000

[gc]
item_budget = 3
salvage_mode = "discard"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.TrunkBranch != "develop" {
		t.Errorf("TrunkBranch = %q, want develop", cfg.General.TrunkBranch)
	}
	if cfg.Loop.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d, want 10", cfg.Loop.MaxIterations)
	}
	if cfg.Merge.BackoffBase != time.Second {
		t.Errorf("BackoffBase = %v, want 1s", cfg.Merge.BackoffBase)
	}
	if cfg.GC.SalvageMode != "discard" {
		t.Errorf("SalvageMode = %q, want discard", cfg.GC.SalvageMode)
	}

	home, _ := os.UserHomeDir()
	if !strings.HasPrefix(cfg.General.WorktreeDir, home) {
		t.Errorf("WorktreeDir %q not expanded under home", cfg.General.WorktreeDir)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"zero iterations", "[loop]\nmax_iterations = 0\n"},
		{"single retry", "[merge]\nretries = 1\n"},
		{"bad salvage mode", "[gc]\nsalvage_mode = \"shred\"\n"},
	}

	for _, tc := range cases {
		path := filepath.Join(t.TempDir(), "config.toml")
		if err := os.WriteFile(path, []byte(tc.body), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}
