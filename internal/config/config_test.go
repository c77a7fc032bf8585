package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDirHonorsEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDir, dir)
	if got := Dir(); got != dir {
		t.Fatalf("Dir() = %q, want %q", got, dir)
	}
	if got := DBPath(); got != filepath.Join(dir, "sessions.db") {
		t.Errorf("DBPath() = %q", got)
	}
	if got := StateDir(); got != filepath.Join(dir, "state") {
		t.Errorf("StateDir() = %q", got)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvDir, t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Summary.Provider != "disabled" || !cfg.Notify.Enabled || cfg.Cleanup.RetainDays != 7 {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDir, dir)
	content := `
[summary]
provider = "openai"
model = "gpt-4o"

[notify]
enabled = false

[cleanup]
retain_days = 30
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Summary.Provider != "openai" || cfg.Summary.Model != "gpt-4o" {
		t.Errorf("Summary overrides not applied: %+v", cfg.Summary)
	}
	if cfg.Notify.Enabled {
		t.Error("Notify.Enabled should be false")
	}
	if cfg.Cleanup.RetainDays != 30 {
		t.Errorf("RetainDays = %d", cfg.Cleanup.RetainDays)
	}
	// Untouched sections keep defaults.
	if cfg.Summary.TimeoutSeconds != 10 {
		t.Errorf("TimeoutSeconds lost its default: %d", cfg.Summary.TimeoutSeconds)
	}
}

func TestLoadBrokenFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDir, dir)
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte("not [valid"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("Expected parse error")
	}
}

func TestAccountAlias(t *testing.T) {
	t.Setenv(EnvAccountAlias, "")
	t.Setenv(EnvConfigDir, "")
	if got := AccountAlias(); got != "default" {
		t.Errorf("empty env: got %q", got)
	}

	t.Setenv(EnvConfigDir, "/home/u/.claude")
	if got := AccountAlias(); got != "default" {
		t.Errorf(".claude: got %q", got)
	}

	t.Setenv(EnvConfigDir, "/home/u/.claude-work")
	if got := AccountAlias(); got != "work" {
		t.Errorf(".claude-work: got %q", got)
	}

	// Explicit alias wins over the derived one.
	t.Setenv(EnvAccountAlias, "personal")
	if got := AccountAlias(); got != "personal" {
		t.Errorf("explicit alias: got %q", got)
	}
}

func TestTerminalFromEnv(t *testing.T) {
	t.Setenv(EnvBundleID, "com.example.term")
	t.Setenv(EnvTerminalPID, "1234")
	t.Setenv(EnvShellPID, "not-a-number")
	t.Setenv(EnvWindowID, "")

	term := TerminalFromEnv()
	if term.BundleID != "com.example.term" || term.TerminalPID != 1234 {
		t.Errorf("Unexpected terminal info: %+v", term)
	}
	if term.ShellPID != 0 || term.WindowID != 0 {
		t.Errorf("Malformed values should be zero: %+v", term)
	}
}
