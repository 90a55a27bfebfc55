package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrSchemaMismatch indicates a table is missing the minimal column set
// this layer can read. The table is skipped; siblings are unaffected.
var ErrSchemaMismatch = errors.New("table schema mismatch")

// columnSet records which optional columns a conversation table carries.
type columnSet struct {
	hasSource bool
}

// requiredColumns is the minimal shape a readable conversation table must
// have: create time, content, the type/flag column and a local
// identifier. Anything less is client-version drift this layer does not
// understand.
var requiredColumns = []string{"msgCreateTime", "msgContent", "messageType", "mesLocalID"}

// resolveColumns inspects a table's columns once per handle and caches
// the result.
func (h *Handle) resolveColumns(ctx context.Context, table string) (columnSet, error) {
	h.mu.Lock()
	cs, ok := h.columns[table]
	h.mu.Unlock()
	if ok {
		return cs, nil
	}

	have, err := h.tableColumns(ctx, table)
	if err != nil {
		return columnSet{}, err
	}
	for _, c := range requiredColumns {
		if !have[c] {
			return columnSet{}, fmt.Errorf("%w: %s lacks column %s", ErrSchemaMismatch, table, c)
		}
	}
	cs = columnSet{hasSource: have["msgSource"]}

	h.mu.Lock()
	h.columns[table] = cs
	h.mu.Unlock()
	return cs, nil
}

// tableColumns returns the set of column names of a table.
func (h *Handle) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := h.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	have := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		have[name] = true
	}
	return have, rows.Err()
}
