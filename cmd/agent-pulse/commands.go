package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/asheshgoplani/agent-pulse/internal/config"
	"github.com/asheshgoplani/agent-pulse/internal/logging"
	"github.com/asheshgoplani/agent-pulse/internal/projection"
)

// Table column widths for list command output
const (
	tableColID      = 12
	tableColProject = 20
	tableColStatus  = 18
	tableColGoal    = 44
)

func handleList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit JSON instead of a table")
	_ = fs.Parse(args)

	cfg, _ := config.Load()
	initLogging(cfg)

	store, err := openStore()
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	summaries, err := projection.BuildSummaries(store)
	if err != nil {
		fatal(err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summaries); err != nil {
			fatal(err)
		}
		return
	}

	if len(summaries) == 0 {
		fmt.Println("No active sessions.")
		return
	}

	fmt.Printf("%-*s %-*s %-*s %s\n",
		tableColID, "ID", tableColProject, "PROJECT", tableColStatus, "STATUS", "GOAL")
	for _, s := range summaries {
		status := s.Status
		if s.Total > 0 {
			status = fmt.Sprintf("%s %d/%d", s.Status, s.Completed, s.Total)
		}
		fmt.Printf("%-*s %-*s %-*s %s\n",
			tableColID, pad(s.SessionID, tableColID),
			tableColProject, pad(filepath.Base(s.Project), tableColProject),
			tableColStatus, pad(status, tableColStatus),
			pad(s.OriginalGoal, tableColGoal))
	}
}

func handleSweep(args []string) {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	days := fs.Int("days", 0, "retention in days (default from config)")
	_ = fs.Parse(args)

	cfg, _ := config.Load()
	initLogging(cfg)

	retainDays := cfg.Cleanup.RetainDays
	if *days > 0 {
		retainDays = *days
	}

	store, err := openStore()
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	n, err := store.SweepOlderThan(time.Duration(retainDays) * 24 * time.Hour)
	if err != nil {
		fatal(err)
	}
	if err := projection.Refresh(store, config.StateDir()); err != nil {
		fatal(err)
	}
	fmt.Printf("Removed %d session(s) older than %d day(s).\n", n, retainDays)
}

func handleWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	_ = fs.Parse(args)

	cfg, _ := config.Load()
	initLogging(cfg)

	store, err := openStore()
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := projection.NewWatcher(store, config.DBPath(), config.StateDir(),
		logging.ForComponent(logging.CompProjection))
	fmt.Printf("Watching %s, writing %s/all_sessions.json\n", config.DBPath(), config.StateDir())
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// pad truncates s to width with an ellipsis so table columns stay aligned.
func pad(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}
