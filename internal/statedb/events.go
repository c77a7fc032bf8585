package statedb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EventRow is one append-only timeline fact.
type EventRow struct {
	ID        int64
	Type      string
	Content   string
	Metadata  json.RawMessage
	Timestamp time.Time
}

// ProgressRow holds the most recent to-do list for a session.
type ProgressRow struct {
	Todos     json.RawMessage
	Completed int
	Total     int
	UpdatedAt time.Time
}

// DecisionRow is a question posed by the agent awaiting a human answer.
type DecisionRow struct {
	ID        int64
	Question  string
	Options   json.RawMessage
	Context   string
	CreatedAt time.Time
}

// SnapshotRow is a point-in-time capture written on each stop event.
type SnapshotRow struct {
	LastUserMessage      string
	LastAssistantMessage string
	Summary              json.RawMessage
	CreatedAt            time.Time
}

func (s *Store) sessionPK(sessionID string) (int64, error) {
	var pk int64
	err := s.db.QueryRow("SELECT id FROM sessions WHERE session_id = ?", sessionID).Scan(&pk)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return pk, err
}

// AppendEvent inserts one timeline event. No side effects beyond the row and
// the activity-timestamp bump.
func (s *Store) AppendEvent(sessionID, eventType, content string, metadata json.RawMessage) error {
	now := s.now()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var pk int64
	err = tx.QueryRow("SELECT id FROM sessions WHERE session_id = ?", sessionID).Scan(&pk)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	meta := ""
	if len(metadata) > 0 {
		meta = string(metadata)
	}
	if _, err := tx.Exec(`
		INSERT INTO timeline (session_pk, event_type, content, metadata_json, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, pk, eventType, content, meta, now); err != nil {
		return fmt.Errorf("statedb: insert event: %w", err)
	}
	if _, err := tx.Exec(
		"UPDATE sessions SET last_activity = ? WHERE id = ?", now, pk,
	); err != nil {
		return fmt.Errorf("statedb: bump activity: %w", err)
	}

	touchTx(tx)
	return tx.Commit()
}

// EventsAsc returns the full ordered event log for a session, oldest first.
// This is the input to timeline aggregation; replaying it is always safe.
func (s *Store) EventsAsc(sessionID string) ([]EventRow, error) {
	rows, err := s.db.Query(`
		SELECT t.id, t.event_type, t.content, t.metadata_json, t.timestamp
		FROM timeline t
		JOIN sessions s ON t.session_pk = s.id
		WHERE s.session_id = ?
		ORDER BY t.timestamp ASC, t.id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []EventRow
	for rows.Next() {
		var e EventRow
		var meta, ts string
		if err := rows.Scan(&e.ID, &e.Type, &e.Content, &meta, &ts); err != nil {
			return nil, err
		}
		if meta != "" {
			e.Metadata = json.RawMessage(meta)
		}
		e.Timestamp, _ = time.Parse(timeFormat, ts)
		result = append(result, e)
	}
	return result, rows.Err()
}

// LatestUserInput returns the content of the most recent goal_set or
// user_input event, or "" when the session has none.
func (s *Store) LatestUserInput(sessionID string) (string, error) {
	var content string
	err := s.db.QueryRow(`
		SELECT t.content FROM timeline t
		JOIN sessions s ON t.session_pk = s.id
		WHERE s.session_id = ? AND t.event_type IN ('goal_set', 'user_input')
		ORDER BY t.timestamp DESC, t.id DESC LIMIT 1
	`, sessionID).Scan(&content)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return content, err
}

// RoundCount counts user input rounds (goal_set + user_input events).
func (s *Store) RoundCount(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM timeline t
		JOIN sessions s ON t.session_pk = s.id
		WHERE s.session_id = ? AND t.event_type IN ('goal_set', 'user_input')
	`, sessionID).Scan(&n)
	return n, err
}

// UpdateProgress overwrites the session's to-do list wholesale and appends a
// progress_update timeline event, in one transaction.
func (s *Store) UpdateProgress(sessionID string, todos json.RawMessage, completed, total int) error {
	now := s.now()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin progress: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var pk int64
	err = tx.QueryRow("SELECT id FROM sessions WHERE session_id = ?", sessionID).Scan(&pk)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if len(todos) == 0 {
		todos = json.RawMessage("[]")
	}
	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO progress (session_pk, todos_json, completed_count, total_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, pk, string(todos), completed, total, now); err != nil {
		return fmt.Errorf("statedb: replace progress: %w", err)
	}
	if _, err := tx.Exec(
		"UPDATE sessions SET last_activity = ? WHERE id = ?", now, pk,
	); err != nil {
		return fmt.Errorf("statedb: bump activity: %w", err)
	}

	meta, _ := json.Marshal(map[string]int{"completed": completed, "total": total})
	if _, err := tx.Exec(`
		INSERT INTO timeline (session_pk, event_type, metadata_json, timestamp)
		VALUES (?, 'progress_update', ?, ?)
	`, pk, string(meta), now); err != nil {
		return fmt.Errorf("statedb: progress event: %w", err)
	}

	touchTx(tx)
	return tx.Commit()
}

// GetProgress returns the current progress row for a session.
func (s *Store) GetProgress(sessionID string) (*ProgressRow, error) {
	var p ProgressRow
	var todos, updated string
	err := s.db.QueryRow(`
		SELECT p.todos_json, p.completed_count, p.total_count, p.updated_at
		FROM progress p
		JOIN sessions s ON p.session_pk = s.id
		WHERE s.session_id = ?
	`, sessionID).Scan(&todos, &p.Completed, &p.Total, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Todos = json.RawMessage(todos)
	p.UpdatedAt, _ = time.Parse(timeFormat, updated)
	return &p, nil
}

// AddDecision records a question awaiting a human answer.
func (s *Store) AddDecision(sessionID, question string, options json.RawMessage, context string) (int64, error) {
	now := s.now()
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("statedb: begin decision: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var pk int64
	err = tx.QueryRow("SELECT id FROM sessions WHERE session_id = ?", sessionID).Scan(&pk)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	if len(options) == 0 {
		options = json.RawMessage("[]")
	}
	res, err := tx.Exec(`
		INSERT INTO pending_decisions (session_pk, question, options_json, context, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, pk, question, string(options), context, now)
	if err != nil {
		return 0, fmt.Errorf("statedb: insert decision: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(
		"UPDATE sessions SET last_activity = ? WHERE id = ?", now, pk,
	); err != nil {
		return 0, fmt.Errorf("statedb: bump activity: %w", err)
	}

	touchTx(tx)
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// ResolveDecisions marks every unresolved decision answered. The host does
// not correlate replies to questions, so any new user input resolves all.
func (s *Store) ResolveDecisions(sessionID string) (int64, error) {
	pk, err := s.sessionPK(sessionID)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Exec(`
		UPDATE pending_decisions SET resolved = 1, resolved_at = ?
		WHERE session_pk = ? AND resolved = 0
	`, s.now(), pk)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Decisions returns unresolved decisions, newest first.
func (s *Store) Decisions(sessionID string) ([]DecisionRow, error) {
	rows, err := s.db.Query(`
		SELECT pd.id, pd.question, pd.options_json, pd.context, pd.created_at
		FROM pending_decisions pd
		JOIN sessions s ON pd.session_pk = s.id
		WHERE s.session_id = ? AND pd.resolved = 0
		ORDER BY pd.created_at DESC, pd.id DESC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []DecisionRow
	for rows.Next() {
		var d DecisionRow
		var options, created string
		if err := rows.Scan(&d.ID, &d.Question, &options, &d.Context, &created); err != nil {
			return nil, err
		}
		d.Options = json.RawMessage(options)
		d.CreatedAt, _ = time.Parse(timeFormat, created)
		result = append(result, d)
	}
	return result, rows.Err()
}

// SaveSnapshot appends a point-in-time capture for history/debugging.
func (s *Store) SaveSnapshot(sessionID, lastUser, lastAssistant string, summary json.RawMessage) error {
	pk, err := s.sessionPK(sessionID)
	if err != nil {
		return err
	}
	sum := ""
	if len(summary) > 0 {
		sum = string(summary)
	}
	_, err = s.db.Exec(`
		INSERT INTO snapshots (session_pk, last_user_message, last_assistant_message, summary_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, pk, lastUser, lastAssistant, sum, s.now())
	return err
}

// LatestSnapshot returns the most recent snapshot for a session.
func (s *Store) LatestSnapshot(sessionID string) (*SnapshotRow, error) {
	var snap SnapshotRow
	var sum, created string
	err := s.db.QueryRow(`
		SELECT sn.last_user_message, sn.last_assistant_message, sn.summary_json, sn.created_at
		FROM snapshots sn
		JOIN sessions s ON sn.session_pk = s.id
		WHERE s.session_id = ?
		ORDER BY sn.created_at DESC, sn.id DESC LIMIT 1
	`, sessionID).Scan(&snap.LastUserMessage, &snap.LastAssistantMessage, &sum, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sum != "" {
		snap.Summary = json.RawMessage(sum)
	}
	snap.CreatedAt, _ = time.Parse(timeFormat, created)
	return &snap, nil
}

// ActiveSession is one non-terminal session with its latest derived state,
// as consumed by the read-only aggregation path.
type ActiveSession struct {
	SessionRow
	Todos           json.RawMessage
	Completed       int
	Total           int
	PendingQuestion string
	PendingOptions  json.RawMessage
}

// ActiveSessions returns every non-completed session joined with its progress
// and latest unresolved question, most recently active first. Read-only;
// never blocks writers thanks to WAL.
func (s *Store) ActiveSessions() ([]ActiveSession, error) {
	rows, err := s.db.Query(`
		SELECT sessions.id, sessions.session_id, sessions.pending_id, sessions.project,
			sessions.original_goal, sessions.current_status,
			sessions.created_at, sessions.last_activity, sessions.account_alias,
			sessions.bundle_id, sessions.terminal_pid, sessions.shell_pid, sessions.window_id,
			COALESCE(p.todos_json, '[]'),
			COALESCE(p.completed_count, 0),
			COALESCE(p.total_count, 0),
			COALESCE((SELECT question FROM pending_decisions pd
				WHERE pd.session_pk = sessions.id AND pd.resolved = 0
				ORDER BY pd.created_at DESC, pd.id DESC LIMIT 1), ''),
			COALESCE((SELECT options_json FROM pending_decisions pd
				WHERE pd.session_pk = sessions.id AND pd.resolved = 0
				ORDER BY pd.created_at DESC, pd.id DESC LIMIT 1), '[]')
		FROM sessions
		LEFT JOIN progress p ON sessions.id = p.session_pk
		WHERE sessions.current_status != 'completed'
		ORDER BY sessions.last_activity DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ActiveSession
	for rows.Next() {
		var a ActiveSession
		var sessionID, pendingID sql.NullString
		var created, activity, todos, options string
		if err := rows.Scan(
			&a.PK, &sessionID, &pendingID, &a.Project, &a.OriginalGoal, &a.Status,
			&created, &activity, &a.AccountAlias,
			&a.Terminal.BundleID, &a.Terminal.TerminalPID, &a.Terminal.ShellPID, &a.Terminal.WindowID,
			&todos, &a.Completed, &a.Total, &a.PendingQuestion, &options,
		); err != nil {
			return nil, err
		}
		a.SessionID = sessionID.String
		a.PendingID = pendingID.String
		a.CreatedAt, _ = time.Parse(timeFormat, created)
		a.LastActivity, _ = time.Parse(timeFormat, activity)
		a.Todos = json.RawMessage(todos)
		a.PendingOptions = json.RawMessage(options)
		result = append(result, a)
	}
	return result, rows.Err()
}
