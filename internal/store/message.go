package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// systemMessageType flags system notices (member joined, recalls, ...).
// Their content is never sender-split.
const systemMessageType = 10000

// defaultLimit bounds the first sync when callers pass no limit.
const defaultLimit = 1000

// senderPrefix matches the "<id>:\n" prefix the client prepends to group
// message content to record the true sender.
var senderPrefix = regexp.MustCompile(`^([0-9A-Za-z_\-@.]+):\n`)

// ExtractMessages reads rows newer than since from one conversation
// table. conversation is the id behind the table when known ("" for
// tables not in the directory); group identity and sender recovery
// depend on it. Results ascend by create time with ties broken by local
// id; the internal DESC limit protects the first sync against unbounded
// history.
func (h *Handle) ExtractMessages(ctx context.Context, table, conversation string, since int64, limit int) ([]MessageRecord, error) {
	cs, err := h.resolveColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	cols := "mesLocalID, msgCreateTime, IFNULL(msgContent,''), messageType"
	if cs.hasSource {
		cols += ", IFNULL(msgSource,'')"
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %q WHERE msgCreateTime > ? ORDER BY msgCreateTime DESC, mesLocalID DESC LIMIT ?",
		cols, table)

	rows, err := h.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	isGroup := strings.HasSuffix(conversation, GroupSuffix)

	var out []MessageRecord
	for rows.Next() {
		var (
			m       MessageRecord
			msgType int64
		)
		dest := []any{&m.LocalID, &m.CreateTime, &m.Content, &msgType}
		if cs.hasSource {
			dest = append(dest, &m.Source)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		if isGroup {
			m.IsGroup = true
			m.RoomID = conversation
			if msgType != systemMessageType {
				m.SenderID, m.Content = splitGroupSender(m.Content)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows arrived newest-first; hand them back in delivery order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// splitGroupSender recovers the true sender of a group message from the
// concatenated content field. When no recognizable prefix exists the
// sender stays empty and the content is returned untouched — a sender is
// never fabricated.
func splitGroupSender(content string) (sender, rest string) {
	m := senderPrefix.FindStringSubmatch(content)
	if m == nil {
		return "", content
	}
	return m[1], content[len(m[0]):]
}
