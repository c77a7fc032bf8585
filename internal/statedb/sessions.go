package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a session lookup matches no row.
var ErrNotFound = errors.New("statedb: session not found")

// pendingMaxAge is how long an unlinked pending row may sit before a new
// create purges it as an orphan from a crashed start.
const pendingMaxAge = 15 * time.Minute

// PendingGoalPlaceholder is the goal text shown before the first prompt.
const PendingGoalPlaceholder = "Waiting for input..."

// TerminalInfo identifies the terminal hosting a session. Opaque to the
// store, used only by the UI for jump-to-terminal.
type TerminalInfo struct {
	BundleID    string
	TerminalPID int
	ShellPID    int
	WindowID    int
}

// SessionRow represents one row of the sessions table. SessionID is empty
// while the row is pending; PendingID is empty for sessions created directly
// from a first prompt.
type SessionRow struct {
	PK           int64
	SessionID    string
	PendingID    string
	Project      string
	OriginalGoal string
	Status       string
	CreatedAt    time.Time
	LastActivity time.Time
	AccountAlias string
	Terminal     TerminalInfo
}

const sessionColumns = `id, session_id, pending_id, project, original_goal, current_status,
	created_at, last_activity, account_alias, bundle_id, terminal_pid, shell_pid, window_id`

func scanSession(row *sql.Row) (*SessionRow, error) {
	var r SessionRow
	var sessionID, pendingID sql.NullString
	var created, activity string
	err := row.Scan(
		&r.PK, &sessionID, &pendingID, &r.Project, &r.OriginalGoal, &r.Status,
		&created, &activity, &r.AccountAlias,
		&r.Terminal.BundleID, &r.Terminal.TerminalPID, &r.Terminal.ShellPID, &r.Terminal.WindowID,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.SessionID = sessionID.String
	r.PendingID = pendingID.String
	r.CreatedAt, _ = time.Parse(timeFormat, created)
	r.LastActivity, _ = time.Parse(timeFormat, activity)
	return &r, nil
}

func touchTx(tx *sql.Tx) {
	_, _ = tx.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('last_modified', ?)",
		fmt.Sprintf("%d", time.Now().UnixNano()),
	)
}

// GetSession returns the session with the given host-assigned identifier.
func (s *Store) GetSession(sessionID string) (*SessionRow, error) {
	return scanSession(s.db.QueryRow(
		"SELECT "+sessionColumns+" FROM sessions WHERE session_id = ?", sessionID))
}

// GetSessionByPendingID returns the session created under the given pending id,
// whether or not it has been linked since.
func (s *Store) GetSessionByPendingID(pendingID string) (*SessionRow, error) {
	return scanSession(s.db.QueryRow(
		"SELECT "+sessionColumns+" FROM sessions WHERE pending_id = ?", pendingID))
}

// CreateSession inserts a session directly with a real session id. Used on
// the first prompt when no pending row exists (or linking failed). The
// session starts in `working` and a goal_set event opens its timeline.
func (s *Store) CreateSession(sessionID, project, goal, accountAlias string, term TerminalInfo) (int64, error) {
	now := s.now()
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("statedb: begin create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		INSERT INTO sessions
			(session_id, pending_id, project, original_goal, current_status, created_at, last_activity,
			 account_alias, bundle_id, terminal_pid, shell_pid, window_id)
		VALUES (?, NULL, ?, ?, 'working', ?, ?, ?, ?, ?, ?, ?)
	`, sessionID, project, goal, now, now,
		accountAlias, term.BundleID, term.TerminalPID, term.ShellPID, term.WindowID)
	if err != nil {
		return 0, fmt.Errorf("statedb: insert session: %w", err)
	}
	pk, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`
		INSERT INTO timeline (session_pk, event_type, content, timestamp)
		VALUES (?, 'goal_set', ?, ?)
	`, pk, goal, now); err != nil {
		return 0, fmt.Errorf("statedb: goal_set event: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO progress (session_pk, updated_at) VALUES (?, ?)", pk, now,
	); err != nil {
		return 0, fmt.Errorf("statedb: seed progress: %w", err)
	}

	touchTx(tx)
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return pk, nil
}

// CreatePending inserts a placeholder session before the host has revealed
// the real session id. In the same transaction it purges stale pending rows
// for the project and completes any other live session on the same shell,
// since a shell hosts at most one agent run at a time.
func (s *Store) CreatePending(pendingID, project, accountAlias string, term TerminalInfo) (int64, error) {
	now := s.now()
	cutoff := time.Now().UTC().Add(-pendingMaxAge).Format(timeFormat)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("statedb: begin create pending: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Orphans from crashed starts: pending rows never linked within the window.
	if _, err := tx.Exec(`
		DELETE FROM sessions
		WHERE pending_id IS NOT NULL AND session_id IS NULL
		  AND project = ? AND created_at < ?
	`, project, cutoff); err != nil {
		return 0, fmt.Errorf("statedb: purge stale pending: %w", err)
	}

	if term.ShellPID > 0 {
		if _, err := tx.Exec(`
			UPDATE sessions SET current_status = 'completed', last_activity = ?
			WHERE shell_pid = ? AND current_status NOT IN ('completed', 'rate_limited')
		`, now, term.ShellPID); err != nil {
			return 0, fmt.Errorf("statedb: close shell sessions: %w", err)
		}
	}

	res, err := tx.Exec(`
		INSERT INTO sessions
			(session_id, pending_id, project, original_goal, current_status, created_at, last_activity,
			 account_alias, bundle_id, terminal_pid, shell_pid, window_id)
		VALUES (NULL, ?, ?, ?, 'idle', ?, ?, ?, ?, ?, ?, ?)
	`, pendingID, project, PendingGoalPlaceholder, now, now,
		accountAlias, term.BundleID, term.TerminalPID, term.ShellPID, term.WindowID)
	if err != nil {
		return 0, fmt.Errorf("statedb: insert pending: %w", err)
	}
	pk, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(
		"INSERT INTO progress (session_pk, updated_at) VALUES (?, ?)", pk, now,
	); err != nil {
		return 0, fmt.Errorf("statedb: seed progress: %w", err)
	}

	touchTx(tx)
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return pk, nil
}

// LinkPending attaches the host-assigned session id to a pending row,
// records the goal and moves the session to `working`, all in one
// transaction. Returns ErrNotFound without mutating anything when no
// unlinked row matches. A second link attempt for the same pending id
// also gets ErrNotFound, so the caller falls through to fresh-session
// creation instead of overwriting the first link.
func (s *Store) LinkPending(pendingID, realSessionID, goal string) (int64, error) {
	now := s.now()
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("statedb: begin link: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var pk int64
	err = tx.QueryRow(
		"SELECT id FROM sessions WHERE pending_id = ? AND session_id IS NULL", pendingID,
	).Scan(&pk)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	if goal != "" {
		if _, err := tx.Exec(`
			UPDATE sessions
			SET session_id = ?, original_goal = ?, current_status = 'working', last_activity = ?
			WHERE id = ?
		`, realSessionID, goal, now, pk); err != nil {
			return 0, fmt.Errorf("statedb: link update: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO timeline (session_pk, event_type, content, timestamp)
			VALUES (?, 'goal_set', ?, ?)
		`, pk, goal, now); err != nil {
			return 0, fmt.Errorf("statedb: goal_set event: %w", err)
		}
	} else {
		if _, err := tx.Exec(`
			UPDATE sessions
			SET session_id = ?, current_status = 'working', last_activity = ?
			WHERE id = ?
		`, realSessionID, now, pk); err != nil {
			return 0, fmt.Errorf("statedb: link update: %w", err)
		}
	}

	touchTx(tx)
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return pk, nil
}

// UpdateStatus sets the session status, bumps last_activity and appends a
// status_change timeline event. ErrNotFound when the session id is unknown.
func (s *Store) UpdateStatus(sessionID, status string) error {
	now := s.now()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin status: %w", err)
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

	if _, err := tx.Exec(
		"UPDATE sessions SET current_status = ?, last_activity = ? WHERE id = ?",
		status, now, pk,
	); err != nil {
		return fmt.Errorf("statedb: update status: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO timeline (session_pk, event_type, content, timestamp)
		VALUES (?, 'status_change', ?, ?)
	`, pk, status, now); err != nil {
		return fmt.Errorf("statedb: status_change event: %w", err)
	}

	touchTx(tx)
	return tx.Commit()
}

// CompleteSession marks the session completed unless it is already terminal.
// The terminal guard makes racing cleanup paths idempotent no-ops.
func (s *Store) CompleteSession(sessionID string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE sessions SET current_status = 'completed', last_activity = ?
		WHERE session_id = ? AND current_status NOT IN ('completed', 'rate_limited')
	`, s.now(), sessionID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		_ = s.Touch()
	}
	return n, nil
}

// CompletePending marks a still-unlinked pending session completed. Used when
// the agent exits before the user ever submitted a prompt.
func (s *Store) CompletePending(pendingID string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE sessions SET current_status = 'completed', last_activity = ?
		WHERE pending_id = ? AND session_id IS NULL
		  AND current_status NOT IN ('completed', 'rate_limited')
	`, s.now(), pendingID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		_ = s.Touch()
	}
	return n, nil
}

// CompleteByShellPID closes every live session bound to a shell process.
func (s *Store) CompleteByShellPID(shellPID int) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE sessions SET current_status = 'completed', last_activity = ?
		WHERE shell_pid = ? AND current_status NOT IN ('completed', 'rate_limited')
	`, s.now(), shellPID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		_ = s.Touch()
	}
	return n, nil
}

// CompleteActive closes every non-terminal session. The shell exit trap calls
// this when it has no session identity to hand over.
func (s *Store) CompleteActive() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE sessions SET current_status = 'completed', last_activity = ?
		WHERE current_status NOT IN ('completed', 'rate_limited')
	`, s.now())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		_ = s.Touch()
	}
	return n, nil
}

// SweepOlderThan deletes sessions whose last activity is older than the given
// retention window. Child rows go with them via foreign-key cascade.
func (s *Store) SweepOlderThan(retain time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retain).Format(timeFormat)
	res, err := s.db.Exec("DELETE FROM sessions WHERE last_activity < ?", cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		_ = s.Touch()
	}
	return n, nil
}
