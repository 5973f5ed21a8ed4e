package storage

import (
	"sync"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[Bucket]map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[Bucket]map[string]Record)}
}

// Get retrieves a copy of the record with the given id, or ErrNotFound.
func (s *MemoryStore) Get(bucket Bucket, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.buckets[bucket][id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

// Save inserts or replaces the record keyed by its id field.
func (s *MemoryStore) Save(bucket Bucket, rec Record) error {
	id, ok := rec.ID()
	if !ok {
		return ErrMissingID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buckets[bucket] == nil {
		s.buckets[bucket] = make(map[string]Record)
	}
	s.buckets[bucket][id] = copyRecord(rec)
	return nil
}

// Delete removes the record with the given id.
func (s *MemoryStore) Delete(bucket Bucket, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets[bucket], id)
	return nil
}

// All returns copies of every record in the bucket.
func (s *MemoryStore) All(bucket Bucket) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]Record, 0, len(s.buckets[bucket]))
	for _, rec := range s.buckets[bucket] {
		records = append(records, copyRecord(rec))
	}
	return records, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// copyRecord shields callers from aliasing the stored map.
func copyRecord(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
