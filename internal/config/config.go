// Package config loads user configuration from config.toml under the data
// directory and exposes the handful of environment variables hooks rely on.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/agent-pulse/internal/statedb"
)

// Environment variables read by hooks. They are set by the terminal
// integration that spawns the agent, not by the agent itself.
const (
	EnvDir          = "AGENT_PULSE_DIR"
	EnvPendingID    = "CLAUDE_PENDING_SESSION_ID"
	EnvAccountAlias = "CLAUDE_ACCOUNT_ALIAS"
	EnvConfigDir    = "CLAUDE_CONFIG_DIR"
	EnvBundleID     = "CLAUDE_TERM_BUNDLE_ID"
	EnvTerminalPID  = "CLAUDE_TERM_PID"
	EnvShellPID     = "CLAUDE_SHELL_PID"
	EnvWindowID     = "CLAUDE_CG_WINDOW_ID"
)

type Config struct {
	Summary SummaryConfig `toml:"summary"`
	Notify  NotifyConfig  `toml:"notify"`
	Cleanup CleanupConfig `toml:"cleanup"`
	Log     LogConfig     `toml:"log"`
}

type SummaryConfig struct {
	// Provider is one of "disabled", "extraction", "openai".
	Provider string `toml:"provider"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
	Model    string `toml:"model"`
	// TimeoutSeconds bounds one summarization call.
	TimeoutSeconds int `toml:"timeout_seconds"`
}

type NotifyConfig struct {
	Enabled bool `toml:"enabled"`
	// Command is the notifier binary, e.g. terminal-notifier.
	Command        string `toml:"command"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type CleanupConfig struct {
	// RetainDays controls how far back sweep keeps completed sessions.
	RetainDays int `toml:"retain_days"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// Default returns the configuration used when config.toml is absent.
func Default() Config {
	return Config{
		Summary: SummaryConfig{
			Provider:       "disabled",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 10,
		},
		Notify: NotifyConfig{
			Enabled:        true,
			Command:        "terminal-notifier",
			TimeoutSeconds: 5,
		},
		Cleanup: CleanupConfig{RetainDays: 7},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load reads config.toml from the data directory, applying defaults for
// anything unset. A missing file is not an error.
func Load() (Config, error) {
	cfg := Default()
	path := filepath.Join(Dir(), "config.toml")
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Dir returns the data directory, AGENT_PULSE_DIR or ~/.agent-pulse.
func Dir() string {
	if d := os.Getenv(EnvDir); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agent-pulse"
	}
	return filepath.Join(home, ".agent-pulse")
}

func DBPath() string   { return filepath.Join(Dir(), "sessions.db") }
func StateDir() string { return filepath.Join(Dir(), "state") }
func LogDir() string   { return filepath.Join(Dir(), "logs") }

// TerminalFromEnv collects the terminal identity the integration exported.
// Unset or malformed values yield zero fields; hooks proceed regardless.
func TerminalFromEnv() statedb.TerminalInfo {
	return statedb.TerminalInfo{
		BundleID:    os.Getenv(EnvBundleID),
		TerminalPID: envInt(EnvTerminalPID),
		ShellPID:    envInt(EnvShellPID),
		WindowID:    envInt(EnvWindowID),
	}
}

func envInt(key string) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return n
}

// PendingIDFromEnv returns the pre-session identity, if the terminal
// integration minted one.
func PendingIDFromEnv() string {
	return os.Getenv(EnvPendingID)
}

// AccountAlias resolves which agent account this session runs under.
// CLAUDE_ACCOUNT_ALIAS wins; otherwise it is derived from the config dir
// name, where ".claude" means the default account and ".claude-work" means
// account "work".
func AccountAlias() string {
	if a := os.Getenv(EnvAccountAlias); a != "" {
		return a
	}
	dir := os.Getenv(EnvConfigDir)
	if dir == "" {
		return "default"
	}
	base := filepath.Base(dir)
	if base == ".claude" || base == "" {
		return "default"
	}
	if rest, ok := strings.CutPrefix(base, ".claude-"); ok && rest != "" {
		return rest
	}
	return base
}
