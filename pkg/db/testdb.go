package db

import (
	"context"
	"path/filepath"
	"testing"
)

// OpenTestDB opens a migrated sqlite database in a temporary directory. It is
// removed when the test finishes.
func OpenTestDB(t testing.TB) Database {
	t.Helper()
	d, err := New(context.Background(), "sqlite", filepath.Join(t.TempDir(), "ledger.sqlite"), nil)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := d.(*database).db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return d
}
