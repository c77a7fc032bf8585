package statedb

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")

	s1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if _, err := s1.CreateSession("sess-1", "proj", "do the thing", "default", TerminalInfo{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	s1.Close()

	s2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer s2.Close()
	if err := s2.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	row, err := s2.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if row.OriginalGoal != "do the thing" || row.Status != "working" {
		t.Errorf("Unexpected row: %+v", row)
	}
}

func TestMetadataAndTouch(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetMeta("k", "v"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	v, err := s.GetMeta("k")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if v != "v" {
		t.Errorf("GetMeta = %q", v)
	}

	before, _ := s.LastModified()
	if _, err := s.CreateSession("sess-1", "proj", "goal", "default", TerminalInfo{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	after, err := s.LastModified()
	if err != nil {
		t.Fatalf("LastModified: %v", err)
	}
	if after <= before {
		t.Errorf("Writes must bump last_modified: %d -> %d", before, after)
	}
}

func TestCreateSessionSeedsEverything(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateSession("sess-1", "proj", "build a parser", "work", TerminalInfo{ShellPID: 100}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	row, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if row.Status != "working" {
		t.Errorf("Expected working, got %s", row.Status)
	}
	if row.AccountAlias != "work" || row.Terminal.ShellPID != 100 {
		t.Errorf("Unexpected identity: %+v", row)
	}

	events, err := s.EventsAsc("sess-1")
	if err != nil {
		t.Fatalf("EventsAsc: %v", err)
	}
	if len(events) != 1 || events[0].Type != "goal_set" || events[0].Content != "build a parser" {
		t.Errorf("Expected one goal_set event, got %+v", events)
	}

	p, err := s.GetProgress("sess-1")
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if p.Completed != 0 || p.Total != 0 {
		t.Errorf("Expected empty progress, got %d/%d", p.Completed, p.Total)
	}
}

func TestPendingLinkFlow(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreatePending("pend-1", "proj", "default", TerminalInfo{ShellPID: 42}); err != nil {
		t.Fatalf("CreatePending: %v", err)
	}

	row, err := s.GetSessionByPendingID("pend-1")
	if err != nil {
		t.Fatalf("GetSessionByPendingID: %v", err)
	}
	if row.SessionID != "" || row.Status != "idle" || row.OriginalGoal != PendingGoalPlaceholder {
		t.Errorf("Unexpected pending row: %+v", row)
	}

	if _, err := s.LinkPending("pend-1", "sess-1", "fix the tests"); err != nil {
		t.Fatalf("LinkPending: %v", err)
	}

	row, err = s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession after link: %v", err)
	}
	if row.PendingID != "pend-1" || row.Status != "working" || row.OriginalGoal != "fix the tests" {
		t.Errorf("Unexpected linked row: %+v", row)
	}

	events, err := s.EventsAsc("sess-1")
	if err != nil {
		t.Fatalf("EventsAsc: %v", err)
	}
	if len(events) != 1 || events[0].Type != "goal_set" {
		t.Errorf("Expected goal_set from link, got %+v", events)
	}

	// A second link for the same pending id must not steal the row.
	if _, err := s.LinkPending("pend-1", "sess-2", "other goal"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound on relink, got %v", err)
	}
	row, _ = s.GetSession("sess-1")
	if row.OriginalGoal != "fix the tests" {
		t.Errorf("Relink mutated the row: %+v", row)
	}
}

func TestCreatePendingClosesShellPredecessor(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateSession("sess-old", "proj", "earlier run", "default", TerminalInfo{ShellPID: 42}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := s.CreatePending("pend-1", "proj", "default", TerminalInfo{ShellPID: 42}); err != nil {
		t.Fatalf("CreatePending: %v", err)
	}

	old, err := s.GetSession("sess-old")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if old.Status != "completed" {
		t.Errorf("Expected predecessor completed, got %s", old.Status)
	}
	pending, err := s.GetSessionByPendingID("pend-1")
	if err != nil {
		t.Fatalf("GetSessionByPendingID: %v", err)
	}
	if pending.Status != "idle" {
		t.Errorf("Expected new pending idle, got %s", pending.Status)
	}
}

func TestCompleteIsTerminalGuarded(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateSession("sess-1", "proj", "goal", "default", TerminalInfo{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	n, err := s.CompleteSession("sess-1")
	if err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 row completed, got %d", n)
	}

	// Idempotent second call.
	n, err = s.CompleteSession("sess-1")
	if err != nil {
		t.Fatalf("CompleteSession again: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 rows on repeat, got %d", n)
	}

	// rate_limited is terminal for cleanup too.
	if _, err := s.CreateSession("sess-2", "proj", "goal", "default", TerminalInfo{ShellPID: 9}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.UpdateStatus("sess-2", "rate_limited"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	n, err = s.CompleteByShellPID(9)
	if err != nil {
		t.Fatalf("CompleteByShellPID: %v", err)
	}
	if n != 0 {
		t.Errorf("Cleanup touched a rate_limited session, n=%d", n)
	}
}

func TestUpdateStatusUnknownSession(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdateStatus("nope", "working"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestProgressAndRounds(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateSession("sess-1", "proj", "goal", "default", TerminalInfo{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	todos := json.RawMessage(`[{"content":"a","status":"completed"},{"content":"b","status":"in_progress"}]`)
	if err := s.UpdateProgress("sess-1", todos, 1, 2); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	p, err := s.GetProgress("sess-1")
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if p.Completed != 1 || p.Total != 2 {
		t.Errorf("Expected 1/2, got %d/%d", p.Completed, p.Total)
	}

	if err := s.AppendEvent("sess-1", "user_input", "next please", nil); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	rounds, err := s.RoundCount("sess-1")
	if err != nil {
		t.Fatalf("RoundCount: %v", err)
	}
	if rounds != 2 {
		t.Errorf("Expected 2 rounds (goal_set + user_input), got %d", rounds)
	}
	latest, err := s.LatestUserInput("sess-1")
	if err != nil {
		t.Fatalf("LatestUserInput: %v", err)
	}
	if latest != "next please" {
		t.Errorf("Expected latest input, got %q", latest)
	}
}

func TestDecisionsLifecycle(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateSession("sess-1", "proj", "goal", "default", TerminalInfo{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := s.AddDecision("sess-1", "Keep or rewrite?", json.RawMessage(`["keep","rewrite"]`), ""); err != nil {
		t.Fatalf("AddDecision: %v", err)
	}

	ds, err := s.Decisions("sess-1")
	if err != nil {
		t.Fatalf("Decisions: %v", err)
	}
	if len(ds) != 1 || ds[0].Question != "Keep or rewrite?" {
		t.Fatalf("Unexpected decisions: %+v", ds)
	}

	n, err := s.ResolveDecisions("sess-1")
	if err != nil {
		t.Fatalf("ResolveDecisions: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 resolved, got %d", n)
	}
	ds, _ = s.Decisions("sess-1")
	if len(ds) != 0 {
		t.Errorf("Expected no open decisions, got %+v", ds)
	}
}

func TestSweepCascades(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateSession("sess-old", "proj", "goal", "default", TerminalInfo{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := s.CompleteSession("sess-old"); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}

	// Nothing is old enough yet.
	n, err := s.SweepOlderThan(time.Hour)
	if err != nil {
		t.Fatalf("SweepOlderThan: %v", err)
	}
	if n != 0 {
		t.Fatalf("Expected nothing swept, got %d", n)
	}

	// A zero retention window sweeps everything already committed.
	time.Sleep(1100 * time.Millisecond)
	n, err = s.SweepOlderThan(0)
	if err != nil {
		t.Fatalf("SweepOlderThan(0): %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 swept, got %d", n)
	}

	if _, err := s.GetSession("sess-old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after sweep, got %v", err)
	}
	// Child rows went with the session.
	var cnt int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM timeline").Scan(&cnt); err != nil {
		t.Fatalf("count timeline: %v", err)
	}
	if cnt != 0 {
		t.Errorf("Expected cascaded timeline delete, %d rows remain", cnt)
	}
}

func TestActiveSessionsJoin(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreatePending("pend-1", "projA", "default", TerminalInfo{}); err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	if _, err := s.CreateSession("sess-1", "projB", "goal B", "default", TerminalInfo{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.UpdateProgress("sess-1", json.RawMessage(`[{"content":"x","status":"pending"}]`), 0, 1); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if _, err := s.AddDecision("sess-1", "Which db?", json.RawMessage(`["sqlite","postgres"]`), ""); err != nil {
		t.Fatalf("AddDecision: %v", err)
	}
	if _, err := s.CreateSession("sess-done", "projC", "goal C", "default", TerminalInfo{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := s.CompleteSession("sess-done"); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}

	active, err := s.ActiveSessions()
	if err != nil {
		t.Fatalf("ActiveSessions: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("Expected 2 active sessions, got %d", len(active))
	}
	for _, a := range active {
		switch {
		case a.SessionID == "sess-1":
			if a.Total != 1 || a.PendingQuestion != "Which db?" {
				t.Errorf("Bad join for sess-1: %+v", a)
			}
		case a.PendingID == "pend-1":
			if a.Total != 0 || a.PendingQuestion != "" {
				t.Errorf("Bad join for pending row: %+v", a)
			}
		default:
			t.Errorf("Unexpected active session: %+v", a)
		}
	}
}
