package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTimeFormat is the datetime TEXT layout used for all columns.
// Millisecond precision keeps sub-second wake-up times exact, and the
// fixed width makes lexicographic comparison equal to time comparison.
const sqliteTimeFormat = "2006-01-02 15:04:05.000"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflow_states (
	instance_id   TEXT PRIMARY KEY,
	workflow_name TEXT NOT NULL,
	status        TEXT NOT NULL CHECK (status IN ('running', 'sleeping', 'completed', 'failed')),
	history       TEXT NOT NULL DEFAULT '[]',
	variables     TEXT NOT NULL DEFAULT '{}',
	wake_up_at    TEXT,
	version       INTEGER NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflow_states_pending
	ON workflow_states (status, wake_up_at);
`

// SQLite is a Storage implementation backed by a SQLite database file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and if needed creates) a SQLite-backed store at dbPath.
func NewSQLite(dbPath string) (*SQLite, error) {
	// For in-memory databases, shared cache mode is required so pooled
	// connections see the same database.
	connStr := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if dbPath == ":memory:" {
		connStr = "file::memory:?cache=shared&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// DB returns the underlying database handle.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Save inserts or updates the row, enforcing the optimistic version check.
func (s *SQLite) Save(ctx context.Context, state *State) error {
	history, err := json.Marshal(state.History)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	variables, err := json.Marshal(state.Variables)
	if err != nil {
		return fmt.Errorf("failed to marshal variables: %w", err)
	}

	now := time.Now().UTC()
	var wakeUpAt sql.NullString
	if state.WakeUpAt != nil {
		wakeUpAt = sql.NullString{String: state.WakeUpAt.UTC().Format(sqliteTimeFormat), Valid: true}
	}

	if state.Version == 0 {
		createdAt := state.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO workflow_states (instance_id, workflow_name, status, history, variables, wake_up_at, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (instance_id) DO NOTHING
		`, state.ID, state.Name, state.Status, string(history), string(variables), wakeUpAt,
			createdAt.UTC().Format(sqliteTimeFormat), now.Format(sqliteTimeFormat))
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrVersionConflict
		}
		state.Version = 1
		state.CreatedAt = createdAt
		state.UpdatedAt = now
		return nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_states
		SET status = ?, history = ?, variables = ?, wake_up_at = ?, version = version + 1, updated_at = ?
		WHERE instance_id = ? AND version = ?
	`, state.Status, string(history), string(variables), wakeUpAt,
		now.Format(sqliteTimeFormat), state.ID, state.Version)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	state.Version++
	state.UpdatedAt = now
	return nil
}

// Load retrieves an instance by ID, or (nil, nil) if absent.
func (s *SQLite) Load(ctx context.Context, instanceID string) (*State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, workflow_name, status, history, variables, wake_up_at, version, created_at, updated_at
		FROM workflow_states WHERE instance_id = ?
	`, instanceID)

	state, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// FindPending returns sleeping instances due at or before now, plus
// running instances (candidates for crash recovery).
func (s *SQLite) FindPending(ctx context.Context, now time.Time) ([]*State, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, workflow_name, status, history, variables, wake_up_at, version, created_at, updated_at
		FROM workflow_states
		WHERE (status = 'sleeping' AND wake_up_at IS NOT NULL AND wake_up_at <= ?)
		   OR status = 'running'
		ORDER BY updated_at ASC
	`, now.UTC().Format(sqliteTimeFormat))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var states []*State
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// List returns up to limit instances ordered by most recently updated.
// It is not part of the Storage interface; the CLI uses it directly.
func (s *SQLite) List(ctx context.Context, limit int) ([]*State, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, workflow_name, status, history, variables, wake_up_at, version, created_at, updated_at
		FROM workflow_states
		ORDER BY updated_at DESC, instance_id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var states []*State
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*State, error) {
	var state State
	var history, variables string
	var wakeUpAt sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&state.ID, &state.Name, &state.Status, &history, &variables,
		&wakeUpAt, &state.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(history), &state.History); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	if err := json.Unmarshal([]byte(variables), &state.Variables); err != nil {
		return nil, fmt.Errorf("failed to unmarshal variables: %w", err)
	}

	if wakeUpAt.Valid {
		t, err := parseSQLiteTime(wakeUpAt.String)
		if err != nil {
			return nil, err
		}
		state.WakeUpAt = &t
	}
	var err error
	if state.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	if state.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return nil, err
	}
	return &state, nil
}

// parseSQLiteTime parses a SQLite datetime TEXT value into time.Time.
// Handles both the millisecond layout written by this package and the
// second-precision and RFC3339 layouts other tools may write.
func parseSQLiteTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{sqliteTimeFormat, "2006-01-02 15:04:05", time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time: %s", s)
}
