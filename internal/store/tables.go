package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// GroupSuffix marks a conversation id as a group chat.
const GroupSuffix = "@chatroom"

// officialPrefix marks an official-account id.
const officialPrefix = "gh_"

// tombstoneSuffix marks the deletion-log companion of a chat table.
const tombstoneSuffix = "_dels"

// TableForConversation derives the chat table name for a conversation id.
// The mapping is a pure function of the id; no lookup table exists.
func TableForConversation(id string) string {
	sum := md5.Sum([]byte(id))
	return "Chat_" + hex.EncodeToString(sum[:])
}

// ChatTables lists the conversation tables in this shard, excluding the
// *_dels tombstone tables that only track deletions.
func (h *Handle) ChatTables(ctx context.Context) ([]string, error) {
	rows, err := h.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name LIKE 'Chat\\_%' ESCAPE '\\'")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if strings.HasSuffix(name, tombstoneSuffix) {
			continue
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// HasTable reports whether this shard holds the named table.
func (h *Handle) HasTable(ctx context.Context, name string) (bool, error) {
	var n int
	err := h.QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type='table' AND name = ?", name).Scan(&n)
	return n > 0, err
}
