package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// SessionRecord is the durable projection of a session. The in-memory
// registry is authoritative while the process is up; this record is what
// survives restarts and what recovery rebuilds from.
type SessionRecord struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	EntryURL    string     `json:"entry_url"`
	ContainerID string     `json:"container_id"`
	Target      string     `json:"target"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	owner_id     TEXT NOT NULL,
	kind         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'starting',
	entry_url    TEXT NOT NULL DEFAULT '',
	container_id TEXT NOT NULL DEFAULT '',
	target       TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	expires_at   DATETIME NOT NULL,
	stopped_at   DATETIME,
	last_error   TEXT NOT NULL DEFAULT '',
	log_snapshot TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner_id ON sessions(owner_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
// WAL mode allows multiple readers + 1 writer; more conns improve read throughput.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection. PRAGMAs in the DSN are applied
// per-connection by the driver.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=temp_store(MEMORY)"
}

func New(dbPath string) (*Store, error) {
	dsn := dsnWithPragmas(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateSession(rec *SessionRecord) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO sessions (id, owner_id, kind, status, entry_url, container_id, target, created_at, expires_at, last_error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.OwnerID, rec.Kind, rec.Status, rec.EntryURL, rec.ContainerID, rec.Target,
			rec.CreatedAt.UTC(), rec.ExpiresAt.UTC(), rec.LastError,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(id string) (*SessionRecord, error) {
	row := s.db.QueryRow(selectColumns+` FROM sessions WHERE id = ?`, id)
	return scanRecord(row)
}

// ListSessions returns all sessions for an owner, or every session when
// ownerID is empty.
func (s *Store) ListSessions(ownerID string) ([]*SessionRecord, error) {
	query := selectColumns + ` FROM sessions ORDER BY created_at DESC`
	args := []any{}
	if ownerID != "" {
		query = selectColumns + ` FROM sessions WHERE owner_id = ? ORDER BY created_at DESC`
		args = append(args, ownerID)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListActiveSessions returns sessions whose status is running or extended.
// Used for startup recovery and by the expiry sweep.
func (s *Store) ListActiveSessions() ([]*SessionRecord, error) {
	rows, err := s.db.Query(selectColumns + ` FROM sessions WHERE status IN ('running', 'extended')`)
	if err != nil {
		return nil, fmt.Errorf("listing active sessions: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// UpdateSessionStatus sets the status and, for terminal transitions, the
// stop instant and last error.
func (s *Store) UpdateSessionStatus(id string, status string, stoppedAt *time.Time, lastError string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		var stopped any
		if stoppedAt != nil {
			stopped = stoppedAt.UTC()
		}
		result, e = s.db.Exec(
			`UPDATE sessions SET status = ?, stopped_at = ?, last_error = ? WHERE id = ?`,
			status, stopped, lastError, id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	return checkRowAffected(result, id)
}

func (s *Store) UpdateSessionExpiry(id string, expiresAt time.Time) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sessions SET expires_at = ? WHERE id = ?`,
			expiresAt.UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating session expiry: %w", err)
	}
	return checkRowAffected(result, id)
}

// SaveLogSnapshot persists container logs captured before teardown. Browser
// containers self-remove on stop, so this is the only log source afterwards.
func (s *Store) SaveLogSnapshot(id string, content string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`UPDATE sessions SET log_snapshot = ? WHERE id = ?`, content, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("saving log snapshot: %w", err)
	}
	return checkRowAffected(result, id)
}

// GetLogSnapshot returns the persisted log snapshot, or ErrNotFound when the
// session has none.
func (s *Store) GetLogSnapshot(id string) (string, error) {
	var snapshot sql.NullString
	err := s.db.QueryRow(`SELECT log_snapshot FROM sessions WHERE id = ?`, id).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading log snapshot: %w", err)
	}
	if !snapshot.Valid || snapshot.String == "" {
		return "", ErrNotFound
	}
	return snapshot.String, nil
}

func (s *Store) DeleteSession(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return checkRowAffected(result, id)
}

const selectColumns = `SELECT id, owner_id, kind, status, entry_url, container_id, target, created_at, expires_at, stopped_at, last_error`

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*SessionRecord, error) {
	var rec SessionRecord
	var stoppedAt sql.NullTime
	err := row.Scan(
		&rec.ID, &rec.OwnerID, &rec.Kind, &rec.Status, &rec.EntryURL, &rec.ContainerID,
		&rec.Target, &rec.CreatedAt, &rec.ExpiresAt, &stoppedAt, &rec.LastError,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	if stoppedAt.Valid {
		t := stoppedAt.Time
		rec.StoppedAt = &t
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*SessionRecord, error) {
	var records []*SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return records, nil
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return nil
}
