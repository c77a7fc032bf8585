// Package projection renders the store into state/all_sessions.json, the
// read-only file external dashboards watch. The file is rewritten whole and
// atomically; readers never observe a partial write.
package projection

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/asheshgoplani/agent-pulse/internal/statedb"
	"github.com/asheshgoplani/agent-pulse/internal/timeline"
)

// maxTimelineNodes bounds the per-session timeline in the projection.
const maxTimelineNodes = 12

// SessionSummary is one session as exposed to dashboards.
type SessionSummary struct {
	SessionID       string          `json:"session_id"`
	Project         string          `json:"project"`
	OriginalGoal    string          `json:"original_goal"`
	Status          string          `json:"status"`
	Completed       int             `json:"completed"`
	Total           int             `json:"total"`
	Todos           json.RawMessage `json:"todos"`
	PendingQuestion string          `json:"pending_question,omitempty"`
	PendingOptions  json.RawMessage `json:"pending_options,omitempty"`
	Timeline        []timeline.Node `json:"timeline"`
	LastActivity    string          `json:"last_activity"`
	CreatedAt       string          `json:"created_at"`
	AccountAlias    string          `json:"account_alias"`
	BundleID        string          `json:"bundle_id,omitempty"`
	TerminalPID     int             `json:"terminal_pid,omitempty"`
	WindowID        int             `json:"window_id,omitempty"`
	RoundCount      int             `json:"round_count"`
}

// BuildSummaries projects every active session. Rows not yet linked to a
// real session are exposed under a "pending_" prefixed id with an empty
// timeline.
func BuildSummaries(store *statedb.Store) ([]SessionSummary, error) {
	active, err := store.ActiveSessions()
	if err != nil {
		return nil, fmt.Errorf("projection: list sessions: %w", err)
	}

	out := make([]SessionSummary, 0, len(active))
	for _, a := range active {
		s := SessionSummary{
			SessionID:       a.SessionID,
			Project:         a.Project,
			OriginalGoal:    a.OriginalGoal,
			Status:          a.Status,
			Completed:       a.Completed,
			Total:           a.Total,
			Todos:           a.Todos,
			PendingQuestion: a.PendingQuestion,
			Timeline:        []timeline.Node{},
			LastActivity:    a.LastActivity.Format(time.RFC3339),
			CreatedAt:       a.CreatedAt.Format(time.RFC3339),
			AccountAlias:    a.AccountAlias,
			BundleID:        a.Terminal.BundleID,
			TerminalPID:     a.Terminal.TerminalPID,
			WindowID:        a.Terminal.WindowID,
		}
		if len(a.PendingOptions) > 0 && string(a.PendingOptions) != "[]" {
			s.PendingOptions = a.PendingOptions
		}

		if a.SessionID == "" {
			s.SessionID = "pending_" + a.PendingID
			out = append(out, s)
			continue
		}

		rows, err := store.EventsAsc(a.SessionID)
		if err != nil {
			return nil, fmt.Errorf("projection: events for %s: %w", a.SessionID, err)
		}
		events := make([]timeline.Event, len(rows))
		for i, r := range rows {
			events[i] = timeline.Event{
				Type:      r.Type,
				Content:   r.Content,
				Metadata:  r.Metadata,
				Timestamp: r.Timestamp,
			}
		}
		if agg := timeline.Aggregate(events, maxTimelineNodes); agg != nil {
			s.Timeline = agg
		}

		if s.RoundCount, err = store.RoundCount(a.SessionID); err != nil {
			return nil, fmt.Errorf("projection: rounds for %s: %w", a.SessionID, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Write renders the summaries to stateDir/all_sessions.json, keyed by
// session id so dashboards can look sessions up directly. Written via a
// temp file and rename, so concurrent readers always see a complete
// document.
func Write(stateDir string, summaries []SessionSummary) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("projection: mkdir: %w", err)
	}

	byID := make(map[string]SessionSummary, len(summaries))
	for _, s := range summaries {
		byID[s.SessionID] = s
	}
	data, err := json.MarshalIndent(byID, "", "  ")
	if err != nil {
		return fmt.Errorf("projection: marshal: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(stateDir, ".all_sessions-*.json")
	if err != nil {
		return fmt.Errorf("projection: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("projection: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("projection: close: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(stateDir, "all_sessions.json")); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("projection: rename: %w", err)
	}
	return nil
}

// Refresh rebuilds and writes the projection in one step.
func Refresh(store *statedb.Store, stateDir string) error {
	summaries, err := BuildSummaries(store)
	if err != nil {
		return err
	}
	return Write(stateDir, summaries)
}
