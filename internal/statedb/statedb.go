package statedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// Store wraps the SQLite state database shared by all hook processes.
// Multiple OS processes can safely read/write via WAL mode + busy timeout;
// the database is the only synchronization point between hooks.
type Store struct {
	db *sql.DB
}

// timeFormat is RFC 3339 UTC. Stored timestamps sort lexicographically in
// chronological order, so cutoff comparisons can be plain string compares.
const timeFormat = time.RFC3339

// Open creates or opens the state database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: allows concurrent readers while a hook is writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another hook process holds the lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	// Foreign keys: child rows cascade when a session is deleted
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: foreign keys: %w", err)
	}

	return &Store{db: db}, nil
}

// Close checkpoints WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced use cases (e.g., testing).
func (s *Store) DB() *sql.DB {
	return s.db
}

// now returns the write-time clock reading shared by every statement in a
// transaction issued from this process.
func (s *Store) now() string {
	return time.Now().UTC().Format(timeFormat)
}

// Migrate creates tables if they don't exist and records the schema version.
func (s *Store) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	// sessions: surrogate key; session_id stays NULL until the host reveals
	// the real identifier, pending_id keys the row until then.
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id     TEXT,
			pending_id     TEXT,
			project        TEXT NOT NULL,
			original_goal  TEXT NOT NULL,
			current_status TEXT NOT NULL DEFAULT 'idle',
			created_at     TEXT NOT NULL,
			last_activity  TEXT NOT NULL,
			account_alias  TEXT NOT NULL DEFAULT 'default',
			bundle_id      TEXT NOT NULL DEFAULT '',
			terminal_pid   INTEGER NOT NULL DEFAULT 0,
			shell_pid      INTEGER NOT NULL DEFAULT 0,
			window_id      INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("statedb: create sessions: %w", err)
	}

	for _, idx := range []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_session_id ON sessions(session_id) WHERE session_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_pending_id ON sessions(pending_id) WHERE pending_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(current_status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity)`,
	} {
		if _, err := tx.Exec(idx); err != nil {
			return fmt.Errorf("statedb: create index: %w", err)
		}
	}

	// progress: one row per session, overwritten wholesale on every update
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS progress (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			session_pk      INTEGER NOT NULL UNIQUE,
			todos_json      TEXT NOT NULL DEFAULT '[]',
			completed_count INTEGER NOT NULL DEFAULT 0,
			total_count     INTEGER NOT NULL DEFAULT 0,
			updated_at      TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (session_pk) REFERENCES sessions(id) ON DELETE CASCADE
		)
	`); err != nil {
		return fmt.Errorf("statedb: create progress: %w", err)
	}

	// timeline: append-only fact log, source of truth for all derived views
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS timeline (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			session_pk    INTEGER NOT NULL,
			event_type    TEXT NOT NULL,
			content       TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '',
			timestamp     TEXT NOT NULL,
			FOREIGN KEY (session_pk) REFERENCES sessions(id) ON DELETE CASCADE
		)
	`); err != nil {
		return fmt.Errorf("statedb: create timeline: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS pending_decisions (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			session_pk   INTEGER NOT NULL,
			question     TEXT NOT NULL,
			options_json TEXT NOT NULL DEFAULT '[]',
			context      TEXT NOT NULL DEFAULT '',
			resolved     INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			resolved_at  TEXT,
			FOREIGN KEY (session_pk) REFERENCES sessions(id) ON DELETE CASCADE
		)
	`); err != nil {
		return fmt.Errorf("statedb: create pending_decisions: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			id                     INTEGER PRIMARY KEY AUTOINCREMENT,
			session_pk             INTEGER NOT NULL,
			last_user_message      TEXT NOT NULL DEFAULT '',
			last_assistant_message TEXT NOT NULL DEFAULT '',
			summary_json           TEXT NOT NULL DEFAULT '',
			created_at             TEXT NOT NULL,
			FOREIGN KEY (session_pk) REFERENCES sessions(id) ON DELETE CASCADE
		)
	`); err != nil {
		return fmt.Errorf("statedb: create snapshots: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *Store) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *Store) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// Touch updates a metadata timestamp the watch command reads to detect changes.
func (s *Store) Touch() error {
	return s.SetMeta("last_modified", fmt.Sprintf("%d", time.Now().UnixNano()))
}

// LastModified returns the last_modified timestamp from metadata.
func (s *Store) LastModified() (int64, error) {
	val, err := s.GetMeta("last_modified")
	if err != nil || val == "" {
		return 0, err
	}
	var ts int64
	_, err = fmt.Sscanf(val, "%d", &ts)
	return ts, err
}
