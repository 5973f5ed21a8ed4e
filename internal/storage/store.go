// Package storage provides the persisted record layout for the engine.
//
// Records are flat keyed documents per team, user, or channel, looked up by
// their "id" field. Backends include an in-memory store for tests and
// development, SQLite, and PostgreSQL.
package storage

import (
	"errors"
	"strings"
)

// Bucket names the three record namespaces.
type Bucket string

const (
	BucketTeams    Bucket = "teams"
	BucketUsers    Bucket = "users"
	BucketChannels Bucket = "channels"
)

// Record is a flat keyed document. Every record must carry a non-empty "id"
// field used as the lookup key.
type Record map[string]any

// ID returns the record's id field, if present and a string.
func (r Record) ID() (string, bool) {
	id, ok := r["id"].(string)
	return id, ok && id != ""
}

// Error variables for better error handling and testability
var (
	ErrNotFound  = errors.New("record not found")
	ErrMissingID = errors.New("record is missing an id field")
)

// Store is the persistence boundary of the engine. Implementations must be
// safe for concurrent use.
type Store interface {
	// Get retrieves the record with the given id, or ErrNotFound.
	Get(bucket Bucket, id string) (Record, error)
	// Save inserts or replaces the record keyed by its id field.
	Save(bucket Bucket, rec Record) error
	// Delete removes the record with the given id. Deleting a missing
	// record is not an error.
	Delete(bucket Bucket, id string) error
	// All returns every record in the bucket.
	All(bucket Bucket) ([]Record, error)
	// Close releases any underlying resources.
	Close() error
}

// Opts holds configuration options for storage backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a storage backend.
type Option func(*Opts)

// WithDSN sets the backend connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" so callers can
// pick a backend from a single configuration value.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
