// Package storage persists the device catalogue and the session index in
// a single SQLite database under the application data root. It is the
// only cross-run state besides the per-session metadata files.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a device or session does not exist.
var ErrNotFound = errors.New("not found")

// Device is one registered headband.
type Device struct {
	Address      string    `json:"address"`
	Name         string    `json:"name"`
	RegisteredAt time.Time `json:"registered_at"`
}

// SessionRecord is one row of the session index. EndedAt is nil while a
// session is still recording; Status is one of recording, completed,
// aborted.
type SessionRecord struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	DataFormat string     `json:"data_format"`
	RootPath   string     `json:"root_path"`
	Status     string     `json:"status"`
}

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	address       TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	registered_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	started_at  INTEGER NOT NULL,
	ended_at    INTEGER,
	data_format TEXT NOT NULL,
	root_path   TEXT NOT NULL,
	status      TEXT NOT NULL
);
`

// Store wraps the SQLite database.
type Store struct {
	logger zerolog.Logger
	db     *sql.DB
}

// Open creates or opens the database file, creating parent directories
// and the schema as needed.
func Open(logger zerolog.Logger, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening catalogue %s: %w", path, err)
	}
	// modernc sqlite serializes writes itself; one connection avoids
	// SQLITE_BUSY on concurrent handler calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("Catalogue opened")
	return &Store{
		logger: logger.With().Str("component", "storage").Logger(),
		db:     db,
	}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// RegisterDevice inserts or renames a device.
func (s *Store) RegisterDevice(ctx context.Context, name, address string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (address, name, registered_at) VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET name = excluded.name`,
		address, name, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("registering device %s: %w", address, err)
	}
	return nil
}

// Devices lists registered devices, newest first.
func (s *Store) Devices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, name, registered_at FROM devices ORDER BY registered_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		var at int64
		if err := rows.Scan(&d.Address, &d.Name, &at); err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		d.RegisteredAt = time.UnixMilli(at)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Device fetches one registered device by address.
func (s *Store) Device(ctx context.Context, address string) (Device, error) {
	var d Device
	var at int64
	err := s.db.QueryRowContext(ctx,
		`SELECT address, name, registered_at FROM devices WHERE address = ?`, address).
		Scan(&d.Address, &d.Name, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, fmt.Errorf("device %s: %w", address, ErrNotFound)
	}
	if err != nil {
		return Device{}, fmt.Errorf("fetching device %s: %w", address, err)
	}
	d.RegisteredAt = time.UnixMilli(at)
	return d, nil
}

// InsertSession records a newly armed session with status recording.
func (s *Store) InsertSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, started_at, ended_at, data_format, root_path, status)
		VALUES (?, ?, ?, NULL, ?, ?, ?)`,
		rec.ID, rec.Name, rec.StartedAt.UnixMilli(), rec.DataFormat, rec.RootPath, rec.Status)
	if err != nil {
		return fmt.Errorf("inserting session %s: %w", rec.Name, err)
	}
	return nil
}

// FinalizeSession stamps a session's end time and final status.
func (s *Store) FinalizeSession(ctx context.Context, id, status string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, status = ? WHERE id = ?`,
		endedAt.UnixMilli(), status, id)
	if err != nil {
		return fmt.Errorf("finalizing session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// Sessions lists the index, newest first.
func (s *Store) Sessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, started_at, ended_at, data_format, root_path, status
		FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SessionByName fetches one session from the index.
func (s *Store) SessionByName(ctx context.Context, name string) (SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, started_at, ended_at, data_format, root_path, status
		FROM sessions WHERE name = ?`, name)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("session %s: %w", name, ErrNotFound)
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var rec SessionRecord
	var started int64
	var ended sql.NullInt64
	if err := row.Scan(&rec.ID, &rec.Name, &started, &ended, &rec.DataFormat, &rec.RootPath, &rec.Status); err != nil {
		return SessionRecord{}, err
	}
	rec.StartedAt = time.UnixMilli(started)
	if ended.Valid {
		t := time.UnixMilli(ended.Int64)
		rec.EndedAt = &t
	}
	return rec, nil
}
