package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(WithDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)

	rec := Record{"id": "u1", "name": "Ada"}
	if err := st.Save(BucketUsers, rec); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	got, err := st.Get(BucketUsers, "u1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got["name"] != "Ada" {
		t.Errorf("Get() name = %v, want Ada", got["name"])
	}

	// Save with the same id replaces.
	rec["name"] = "Grace"
	if err := st.Save(BucketUsers, rec); err != nil {
		t.Fatalf("Save() replace error: %v", err)
	}
	got, err = st.Get(BucketUsers, "u1")
	if err != nil {
		t.Fatalf("Get() after replace error: %v", err)
	}
	if got["name"] != "Grace" {
		t.Errorf("Get() after replace name = %v, want Grace", got["name"])
	}
}

func TestSQLiteMissing(t *testing.T) {
	st := newTestSQLiteStore(t)

	if _, err := st.Get(BucketUsers, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if err := st.Save(BucketUsers, Record{"name": "no id"}); !errors.Is(err, ErrMissingID) {
		t.Errorf("Save() error = %v, want ErrMissingID", err)
	}
	if err := st.Delete(BucketUsers, "nope"); err != nil {
		t.Errorf("Delete() of missing record error: %v", err)
	}
}

func TestSQLiteAllAndDelete(t *testing.T) {
	st := newTestSQLiteStore(t)

	for _, id := range []string{"a", "b"} {
		if err := st.Save(BucketChannels, Record{"id": id, "topic": "general"}); err != nil {
			t.Fatalf("Save(%s) error: %v", id, err)
		}
	}
	all, err := st.All(BucketChannels)
	if err != nil {
		t.Fatalf("All() error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("All() returned %d records, want 2", len(all))
	}

	if err := st.Delete(BucketChannels, "a"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := st.Get(BucketChannels, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if _, err := st.Get(BucketChannels, "b"); err != nil {
		t.Errorf("unrelated record lost on delete: %v", err)
	}
}
