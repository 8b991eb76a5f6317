// Package store persists sessions and pending approvals in a single-file
// sqlite database. The store is the source of truth; the router's in-memory
// maps are caches rebuilt from here on miss or restart.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Common errors.
var (
	ErrNotFound = errors.New("record not found")
	// ErrResolved means an approval already reached a terminal status.
	// Approvals transition out of pending exactly once.
	ErrResolved = errors.New("approval already resolved")
)

// Status is a session lifecycle state. Only active sessions are externally
// observable; ended and aborted sessions reactivate if events keep arriving.
type Status string

const (
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusAborted Status = "aborted"
)

// Session is the primary persistent record, keyed by the upstream CLI's
// opaque session id.
type Session struct {
	ID         string
	ChatID     int64
	ThreadID   int64 // 0 = no forum topic yet
	Hostname   string
	ProjectDir string
	TmuxTarget string
	TmuxSocket string
	StartedAt  time.Time
	LastActive time.Time
	Status     Status
}

// Store wraps the sqlite handle. Safe for concurrent use; sqlite serializes
// writes and every write here is a short transaction.
type Store struct {
	db *sql.DB

	// now is the clock, overridden in tests.
	now func() time.Time
}

// Open opens (creating if necessary) the database at path and applies
// migrations. Migrations are idempotent: reopening an already-migrated
// file is a no-op.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY between pool members.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	chat_id       INTEGER NOT NULL,
	thread_id     INTEGER,
	hostname      TEXT NOT NULL DEFAULT '',
	project_dir   TEXT NOT NULL DEFAULT '',
	started_at    INTEGER NOT NULL,
	last_activity INTEGER NOT NULL,
	status        TEXT NOT NULL DEFAULT 'active'
);
CREATE TABLE IF NOT EXISTS approvals (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	prompt     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	message_id INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sessions_thread ON sessions(thread_id);
CREATE INDEX IF NOT EXISTS idx_approvals_session ON approvals(session_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	// Columns added after the first release. Never dropped or narrowed;
	// existing rows get NULL, read back as the zero value.
	for _, col := range []string{"tmux_target", "tmux_socket"} {
		if err := s.addColumnIfMissing("sessions", col, "TEXT"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) addColumnIfMissing(table, column, typ string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, ctyp string
			notnull    int
			dflt       sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctyp, &notnull, &dflt, &pk); err != nil {
			return fmt.Errorf("scanning column info: %w", err)
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ)); err != nil {
		return fmt.Errorf("adding column %s.%s: %w", table, column, err)
	}
	return nil
}

const sessionCols = `id, chat_id, COALESCE(thread_id, 0), hostname, project_dir,
	COALESCE(tmux_target, ''), COALESCE(tmux_socket, ''), started_at, last_activity, status`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var (
		sess               Session
		startedAt, lastAct int64
	)
	err := row.Scan(&sess.ID, &sess.ChatID, &sess.ThreadID, &sess.Hostname,
		&sess.ProjectDir, &sess.TmuxTarget, &sess.TmuxSocket, &startedAt, &lastAct, &sess.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	sess.StartedAt = time.Unix(startedAt, 0).UTC()
	sess.LastActive = time.Unix(lastAct, 0).UTC()
	return &sess, nil
}

// Get returns the session with the given id, or ErrNotFound.
func (s *Store) Get(id string) (*Session, error) {
	row := s.db.QueryRow("SELECT "+sessionCols+" FROM sessions WHERE id = ?", id)
	return scanSession(row)
}

// GetByThreadID returns the session owning a forum thread, or ErrNotFound.
// Multi-tenant isolation hangs off this lookup: a daemon only reacts to
// chat messages in threads its own store knows about.
func (s *Store) GetByThreadID(threadID int64) (*Session, error) {
	row := s.db.QueryRow("SELECT "+sessionCols+" FROM sessions WHERE thread_id = ?", threadID)
	return scanSession(row)
}

// Create inserts a session row, or, if the id already exists, refreshes
// last_activity and any non-empty mutable fields. Idempotent on id.
func (s *Store) Create(sess *Session) error {
	now := s.now().Unix()
	status := sess.Status
	if status == "" {
		status = StatusActive
	}

	_, err := s.db.Exec(`
INSERT INTO sessions (id, chat_id, hostname, project_dir, tmux_target, tmux_socket, started_at, last_activity, status)
VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	last_activity = excluded.last_activity,
	hostname      = CASE WHEN excluded.hostname    != '' THEN excluded.hostname    ELSE sessions.hostname    END,
	project_dir   = CASE WHEN excluded.project_dir != '' THEN excluded.project_dir ELSE sessions.project_dir END,
	tmux_target   = COALESCE(excluded.tmux_target, sessions.tmux_target),
	tmux_socket   = COALESCE(excluded.tmux_socket, sessions.tmux_socket)`,
		sess.ID, sess.ChatID, sess.Hostname, sess.ProjectDir,
		sess.TmuxTarget, sess.TmuxSocket, now, now, status)
	if err != nil {
		return fmt.Errorf("creating session %s: %w", sess.ID, err)
	}
	return nil
}

// SetThreadID records the forum topic for a session. A thread id already
// set on an active session is never overwritten; the call is a no-op then.
func (s *Store) SetThreadID(id string, threadID int64) error {
	res, err := s.db.Exec(
		"UPDATE sessions SET thread_id = ? WHERE id = ? AND thread_id IS NULL",
		threadID, id)
	if err != nil {
		return fmt.Errorf("setting thread for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either missing or already bound; distinguish for the caller.
		if _, err := s.Get(id); err != nil {
			return err
		}
	}
	return nil
}

// SetTmux updates the pane target and server socket for a session.
// This is the auto-heal path: events advertising a new pane overwrite the
// stored one without user action.
func (s *Store) SetTmux(id, target, socket string) error {
	res, err := s.db.Exec(
		"UPDATE sessions SET tmux_target = NULLIF(?, ''), tmux_socket = NULLIF(?, '') WHERE id = ?",
		target, socket, id)
	if err != nil {
		return fmt.Errorf("setting tmux target for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch advances last_activity to now.
func (s *Store) Touch(id string) error {
	_, err := s.db.Exec("UPDATE sessions SET last_activity = ? WHERE id = ?", s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("touching session %s: %w", id, err)
	}
	return nil
}

// End marks a session ended or aborted and expires its pending approvals.
func (s *Store) End(id string, status Status) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("ending session %s: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE sessions SET status = ? WHERE id = ?", status, id); err != nil {
		return fmt.Errorf("ending session %s: %w", id, err)
	}
	if _, err := tx.Exec(
		"UPDATE approvals SET status = ? WHERE session_id = ? AND status = ?",
		ApprovalExpired, id, ApprovalPending); err != nil {
		return fmt.Errorf("expiring approvals for %s: %w", id, err)
	}
	return tx.Commit()
}

// Reactivate flips a session back to active and advances last_activity.
// Called when events arrive for an ended or aborted session: the upstream
// CLI is evidently still running.
func (s *Store) Reactivate(id string) error {
	res, err := s.db.Exec(
		"UPDATE sessions SET status = ?, last_activity = ? WHERE id = ?",
		StatusActive, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("reactivating session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StaleCandidates returns active sessions whose last activity is older
// than the timeout. The reaper decides which of these actually get ended.
func (s *Store) StaleCandidates(timeout time.Duration) ([]*Session, error) {
	cutoff := s.now().Add(-timeout).Unix()
	rows, err := s.db.Query(
		"SELECT "+sessionCols+" FROM sessions WHERE status = ? AND last_activity < ?",
		StatusActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing stale sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// TmuxTargetOwnedElsewhere reports whether another active session claims
// the same pane target. The reaper uses this to detect recycled panes.
func (s *Store) TmuxTargetOwnedElsewhere(target, exceptID string) (bool, error) {
	if target == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sessions WHERE tmux_target = ? AND status = ? AND id != ?",
		target, StatusActive, exceptID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking pane ownership: %w", err)
	}
	return n > 0, nil
}

// ActiveSessions returns all active sessions, for the startup summary.
func (s *Store) ActiveSessions() ([]*Session, error) {
	rows, err := s.db.Query(
		"SELECT "+sessionCols+" FROM sessions WHERE status = ? ORDER BY last_activity DESC",
		StatusActive)
	if err != nil {
		return nil, fmt.Errorf("listing active sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
