package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// Journal records clone runs in a small SQLite database and provides the
// named destination locks that keep two runs off the same device. The
// history rows are advisory; the lock is load-bearing.
type Journal struct {
	db *sql.DB
}

// RunRecord is one journal row.
type RunRecord struct {
	ID          string
	Source      string
	Destination string
	Mode        string
	State       string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OpenJournal opens (and initializes) the journal database.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	j := &Journal{db: db}
	if err := j.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS clones (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		destination TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS _busy (
		name TEXT PRIMARY KEY
	);

	CREATE INDEX IF NOT EXISTS idx_clones_destination ON clones(destination);
	CREATE INDEX IF NOT EXISTS idx_clones_state ON clones(state);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return nil
}

// LockDestination acquires the named lock for a destination device,
// returning false if another run holds it.
func (j *Journal) LockDestination(ctx context.Context, dest string) (bool, error) {
	result, err := j.db.ExecContext(ctx,
		`INSERT INTO _busy(name) VALUES (?) ON CONFLICT(name) DO NOTHING`, dest)
	if err != nil {
		return false, fmt.Errorf("failed to acquire destination lock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check destination lock: %w", err)
	}
	return rows > 0, nil
}

// UnlockDestination releases the named lock.
func (j *Journal) UnlockDestination(ctx context.Context, dest string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM _busy WHERE name = ?`, dest); err != nil {
		return fmt.Errorf("failed to release destination lock: %w", err)
	}
	return nil
}

// CreateRun inserts a new planned run and returns its id.
func (j *Journal) CreateRun(ctx context.Context, source, dest string) (string, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO clones (id, source, destination, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, source, dest, StatePlanned, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to create run record: %w", err)
	}
	return id, nil
}

// RecordMode stores the planned clone mode on a run.
func (j *Journal) RecordMode(ctx context.Context, id string, mode CloneMode) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE clones SET mode = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(mode), id)
	if err != nil {
		return fmt.Errorf("failed to record run mode: %w", err)
	}
	return nil
}

// UpdateState advances a run's state.
func (j *Journal) UpdateState(ctx context.Context, id, state string) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE clones SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		state, id)
	if err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	return nil
}

// RecordFailure marks a run failed with its error text.
func (j *Journal) RecordFailure(ctx context.Context, id string, runErr error) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE clones SET state = ?, error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		StateFailed, runErr.Error(), id)
	if err != nil {
		return fmt.Errorf("failed to record run failure: %w", err)
	}
	return nil
}

// GetRun fetches a run record by id.
func (j *Journal) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	var rec RunRecord
	err := j.db.QueryRowContext(ctx,
		`SELECT id, source, destination, mode, state, error, created_at, updated_at
		FROM clones WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Source, &rec.Destination, &rec.Mode, &rec.State,
			&rec.Error, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get run record: %w", err)
	}
	return &rec, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
