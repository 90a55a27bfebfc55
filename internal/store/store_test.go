package store

import (
	"database/sql"
	"path/filepath"
	"testing"
)

// openFixture creates a plaintext database, applies schema/data
// statements and returns a read handle on it.
func openFixture(t *testing.T, stmts ...string) *Handle {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	h, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

const chatTableColumns = "(mesLocalID INTEGER PRIMARY KEY, msgCreateTime INTEGER, msgContent TEXT, messageType INTEGER, msgSource TEXT)"
