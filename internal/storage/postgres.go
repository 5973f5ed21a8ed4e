// Package storage provides the persisted record layout for the engine.
//
// This file implements the PostgreSQL-backed store.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists records in a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Get retrieves the record with the given id, or ErrNotFound.
func (s *PostgresStore) Get(bucket Bucket, id string) (Record, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM records WHERE bucket = $1 AND id = $2`, bucket, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore Get failed", "error", err, "bucket", bucket, "id", id)
		return nil, fmt.Errorf("failed to query record %s/%s: %w", bucket, id, err)
	}
	return decodeRecord(data)
}

// Save inserts or replaces the record keyed by its id field.
func (s *PostgresStore) Save(bucket Bucket, rec Record) error {
	id, ok := rec.ID()
	if !ok {
		return ErrMissingID
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s/%s: %w", bucket, id, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO records (bucket, id, data, updated_at) VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (bucket, id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		bucket, id, string(data))
	if err != nil {
		slog.Error("PostgresStore Save failed", "error", err, "bucket", bucket, "id", id)
		return fmt.Errorf("failed to save record %s/%s: %w", bucket, id, err)
	}
	slog.Debug("PostgresStore Save succeeded", "bucket", bucket, "id", id)
	return nil
}

// Delete removes the record with the given id.
func (s *PostgresStore) Delete(bucket Bucket, id string) error {
	_, err := s.db.Exec(`DELETE FROM records WHERE bucket = $1 AND id = $2`, bucket, id)
	if err != nil {
		slog.Error("PostgresStore Delete failed", "error", err, "bucket", bucket, "id", id)
		return fmt.Errorf("failed to delete record %s/%s: %w", bucket, id, err)
	}
	return nil
}

// All returns every record in the bucket.
func (s *PostgresStore) All(bucket Bucket) ([]Record, error) {
	rows, err := s.db.Query(`SELECT data FROM records WHERE bucket = $1`, bucket)
	if err != nil {
		slog.Error("PostgresStore All query failed", "error", err, "bucket", bucket)
		return nil, fmt.Errorf("failed to query records in %s: %w", bucket, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
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
	return records, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
