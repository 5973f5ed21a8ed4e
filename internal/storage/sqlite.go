// Package storage provides the persisted record layout for the engine.
//
// This file implements the SQLite-backed store.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists records in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN. The DSN is a
// file path to the database; a missing parent directory is created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get retrieves the record with the given id, or ErrNotFound.
func (s *SQLiteStore) Get(bucket Bucket, id string) (Record, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM records WHERE bucket = ? AND id = ?`, bucket, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore Get failed", "error", err, "bucket", bucket, "id", id)
		return nil, fmt.Errorf("failed to query record %s/%s: %w", bucket, id, err)
	}
	return decodeRecord(data)
}

// Save inserts or replaces the record keyed by its id field.
func (s *SQLiteStore) Save(bucket Bucket, rec Record) error {
	id, ok := rec.ID()
	if !ok {
		return ErrMissingID
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s/%s: %w", bucket, id, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO records (bucket, id, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (bucket, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		bucket, id, string(data), time.Now().Unix())
	if err != nil {
		slog.Error("SQLiteStore Save failed", "error", err, "bucket", bucket, "id", id)
		return fmt.Errorf("failed to save record %s/%s: %w", bucket, id, err)
	}
	slog.Debug("SQLiteStore Save succeeded", "bucket", bucket, "id", id)
	return nil
}

// Delete removes the record with the given id.
func (s *SQLiteStore) Delete(bucket Bucket, id string) error {
	_, err := s.db.Exec(`DELETE FROM records WHERE bucket = ? AND id = ?`, bucket, id)
	if err != nil {
		slog.Error("SQLiteStore Delete failed", "error", err, "bucket", bucket, "id", id)
		return fmt.Errorf("failed to delete record %s/%s: %w", bucket, id, err)
	}
	return nil
}

// All returns every record in the bucket.
func (s *SQLiteStore) All(bucket Bucket) ([]Record, error) {
	rows, err := s.db.Query(`SELECT data FROM records WHERE bucket = ?`, bucket)
	if err != nil {
		slog.Error("SQLiteStore All query failed", "error", err, "bucket", bucket)
		return nil, fmt.Errorf("failed to query records in %s: %w", bucket, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			slog.Error("SQLiteStore All scan failed", "error", err, "bucket", bucket)
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate record rows: %w", err)
	}
	slog.Debug("SQLiteStore All succeeded", "bucket", bucket, "count", len(records))
	return records, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeRecord(data string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return rec, nil
}
