// Package store reads messages and contacts out of decrypted database
// copies. Schemas belong to the host application and drift across client
// versions, so tables are inspected before use rather than assumed.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Handle wraps a read-only connection to one decrypted database copy.
// Column resolution results are cached for the life of the handle.
type Handle struct {
	*sql.DB

	// Path is the plaintext file this handle reads.
	Path string

	mu      sync.Mutex
	columns map[string]columnSet
}

// Open opens a decrypted database copy read-only.
func Open(path string) (*Handle, error) {
	db, err := sql.Open("sqlite3", path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &Handle{DB: db, Path: path, columns: make(map[string]columnSet)}, nil
}
