package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/agent-pulse/internal/config"
	"github.com/asheshgoplani/agent-pulse/internal/logging"
	"github.com/asheshgoplani/agent-pulse/internal/notify"
	"github.com/asheshgoplani/agent-pulse/internal/projection"
	"github.com/asheshgoplani/agent-pulse/internal/statedb"
	"github.com/asheshgoplani/agent-pulse/internal/summary"
	"github.com/asheshgoplani/agent-pulse/internal/track"
)

// hookReply is the fixed response the host expects on stdout. Emitting it is
// the one hard requirement of a hook process; everything else is best-effort.
const hookReply = `{"continue":true,"suppressOutput":true}` + "\n"

// maxStdinBytes bounds the hook payload read. Real payloads are small; the
// cap guards against a runaway pipe.
const maxStdinBytes = 10 * 1024 * 1024

var hookLog = logging.ForComponent(logging.CompHook)

// runHook processes one hook invocation end to end. It never exits nonzero
// and never writes anything but the reply to stdout: a tracking failure must
// not break the agent it is observing.
func runHook(kind string) {
	defer func() {
		if r := recover(); r != nil {
			hookLog.Error("hook panicked", "kind", kind, "panic", fmt.Sprint(r))
		}
		if kind != "session-init" {
			fmt.Print(hookReply)
		}
		logging.Close()
	}()

	cfg, err := config.Load()
	if err != nil {
		// Defaults still apply; a broken config file downgrades features
		// rather than killing tracking.
		cfg = config.Default()
	}
	initLogging(cfg)
	if err != nil {
		hookLog.Warn("config load failed, using defaults", "error", err)
	}

	if err := processHook(kind, cfg); err != nil {
		hookLog.Error("hook failed", "kind", kind, "error", err)
	}
}

func processHook(kind string, cfg config.Config) error {
	payload, err := io.ReadAll(io.LimitReader(os.Stdin, maxStdinBytes))
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	ev, err := buildEvent(kind, payload)
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	h := &track.Handler{
		Store:        store,
		Summarizer:   newSummarizer(cfg.Summary),
		AccountAlias: config.AccountAlias(),
		Terminal:     config.TerminalFromEnv(),
		Log:          hookLog,
	}

	ctx := context.Background()
	notes, err := h.Handle(ctx, ev)
	if err != nil {
		return err
	}

	if err := projection.Refresh(store, config.StateDir()); err != nil {
		hookLog.Warn("projection refresh failed", "error", err)
	}

	// Notifications go out last, after all state has committed, so a slow
	// notifier cannot delay what dashboards read.
	if cfg.Notify.Enabled && len(notes) > 0 {
		sender := &notify.Sender{
			Command: cfg.Notify.Command,
			Timeout: time.Duration(cfg.Notify.TimeoutSeconds) * time.Second,
			Log:     hookLog,
		}
		for _, in := range notes {
			sender.Send(ctx, notify.Format(in))
		}
	}
	return nil
}

// buildEvent assembles the typed event for kind. session-init and cleanup
// are driven by the environment the shell wrapper exports, not by a host
// payload; the rest decode stdin.
func buildEvent(kind string, payload []byte) (track.Event, error) {
	switch kind {
	case "session-init":
		pid := config.PendingIDFromEnv()
		if pid == "" {
			pid = uuid.NewString()
		}
		// The wrapper captures this to export as CLAUDE_PENDING_SESSION_ID.
		fmt.Println(pid)
		cwd, _ := os.Getwd()
		return track.SessionInit{
			PendingID:    pid,
			Project:      projectPathFromDir(cwd),
			AccountAlias: config.AccountAlias(),
			Terminal:     config.TerminalFromEnv(),
		}, nil

	case "cleanup":
		return track.SessionCleanup{
			SessionID: sessionIDFromPayload(payload),
			PendingID: config.PendingIDFromEnv(),
			ShellPID:  config.TerminalFromEnv().ShellPID,
		}, nil

	default:
		return track.DecodeEvent(kind, payload, config.PendingIDFromEnv())
	}
}

// projectPathFromDir stores the full directory as the project key, matching
// what the prompt hook records, so pending and real rows purge consistently.
func projectPathFromDir(dir string) string {
	if dir == "" {
		return "unknown"
	}
	return dir
}

func sessionIDFromPayload(payload []byte) string {
	var p struct {
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(payload, &p)
	return p.SessionID
}

func openStore() (*statedb.Store, error) {
	store, err := statedb.Open(config.DBPath())
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// newSummarizer picks the provider the config names. Unknown providers fall
// back to disabled rather than failing the hook.
func newSummarizer(cfg config.SummaryConfig) summary.Provider {
	switch cfg.Provider {
	case "extraction":
		return summary.Extraction{}
	case "openai":
		if cfg.APIKey == "" {
			hookLog.Warn("openai summarizer configured without api key, using raw mode")
			return summary.Disabled{}
		}
		return summary.NewOpenAI(summary.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		}, logging.ForComponent(logging.CompSummary))
	default:
		return summary.Disabled{}
	}
}
