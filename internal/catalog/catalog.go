// Package catalog indexes finalized recording sessions in SQLite.
package catalog

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"
)

// Entry is one finalized session.
type Entry struct {
	SessionID   string   `json:"session_id"`
	DeviceID    string   `json:"device_id"`
	StartTime   int64    `json:"start_time"`
	EndTime     int64    `json:"end_time"`
	SampleCount int64    `json:"sample_count"`
	File        string   `json:"file"`
	Digest      string   `json:"blake3"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
}

// Store is the session catalog.
type Store struct {
	db *sql.DB
}

// Open opens or creates the catalog database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("catalog: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("catalog: pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			device_id    TEXT    NOT NULL,
			start_time   INTEGER NOT NULL,
			end_time     INTEGER NOT NULL,
			sample_count INTEGER NOT NULL,
			file         TEXT    NOT NULL,
			blake3       TEXT    NOT NULL,
			latitude     REAL,
			longitude    REAL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_time);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: migration: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores e, replacing any earlier entry for the same session.
func (s *Store) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(id, device_id, start_time, end_time, sample_count, file, blake3, latitude, longitude)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.DeviceID, e.StartTime, e.EndTime, e.SampleCount,
		e.File, e.Digest, e.Latitude, e.Longitude)
	if err != nil {
		return fmt.Errorf("catalog: record %s: %w", e.SessionID, err)
	}
	return nil
}

// List returns up to limit entries, newest first. limit <= 0 means 50.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, start_time, end_time, sample_count, file, blake3, latitude, longitude
		FROM sessions
		ORDER BY start_time DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.SessionID, &e.DeviceID, &e.StartTime, &e.EndTime,
			&e.SampleCount, &e.File, &e.Digest, &e.Latitude, &e.Longitude); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Digest returns the hex BLAKE3 hash of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
