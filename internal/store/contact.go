package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/dailybot/wcbridge/internal/blob"
)

// friendTypeCode is the explicit contact type the client stores for
// accepted friends.
const friendTypeCode = 1

// Field numbers observed in the dbContactRemark payload. The payload is
// undocumented; unknown fields are ignored.
const (
	remarkFieldNickname = 1
	remarkFieldRemark   = 3
)

// contactColumns records which optional WCContact columns this client
// version carries.
type contactColumns struct {
	hasRemark  bool
	hasType    bool
	hasEncoded bool
	hasPayload bool
}

// ListContacts decodes the WCContact table into typed directory entries.
// Rows that classify as unknown are excluded: they are neither
// addressable conversations nor user-facing contacts.
func (h *Handle) ListContacts(ctx context.Context) ([]ContactRecord, error) {
	have, err := h.tableColumns(ctx, "WCContact")
	if err != nil {
		return nil, err
	}
	for _, c := range []string{"m_nsUsrName", "nickname"} {
		if !have[c] {
			return nil, fmt.Errorf("%w: WCContact lacks column %s", ErrSchemaMismatch, c)
		}
	}
	cc := contactColumns{
		hasRemark:  have["m_nsRemark"],
		hasType:    have["m_uiConType"],
		hasEncoded: have["m_nsEncodeUserName"],
		hasPayload: have["dbContactRemark"],
	}

	cols := []string{`IFNULL(m_nsUsrName,'')`, `IFNULL(nickname,'')`}
	if cc.hasRemark {
		cols = append(cols, `IFNULL(m_nsRemark,'')`)
	}
	if cc.hasType {
		cols = append(cols, `IFNULL(m_uiConType,0)`)
	}
	if cc.hasEncoded {
		cols = append(cols, `IFNULL(m_nsEncodeUserName,'')`)
	}
	if cc.hasPayload {
		cols = append(cols, `dbContactRemark`)
	}
	query := "SELECT " + strings.Join(cols, ", ") + " FROM WCContact ORDER BY m_nsUsrName"

	rows, err := h.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ContactRecord
	for rows.Next() {
		var (
			rec      ContactRecord
			typeCode int64
			payload  []byte
		)
		dest := []any{&rec.UserID, &rec.Nickname}
		if cc.hasRemark {
			dest = append(dest, &rec.Remark)
		}
		if cc.hasType {
			dest = append(dest, &typeCode)
		}
		if cc.hasEncoded {
			dest = append(dest, &rec.EncodedUsername)
		}
		if cc.hasPayload {
			dest = append(dest, &payload)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		applyRemarkPayload(&rec, payload)
		rec.Type = classify(rec.UserID, typeCode)
		if rec.Type == ContactUnknown {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// applyRemarkPayload overlays values decoded from the opaque payload.
// The payload's nickname wins over the plain column, which is frequently
// stale; a row whose payload does not decode keeps its plain columns.
func applyRemarkPayload(rec *ContactRecord, payload []byte) {
	if len(payload) == 0 {
		return
	}
	tree, err := blob.Parse(payload)
	if err != nil {
		return
	}
	if v, ok := tree.String(remarkFieldNickname); ok && v != "" {
		rec.Nickname = v
	}
	if v, ok := tree.String(remarkFieldRemark); ok && v != "" && rec.Remark == "" {
		rec.Remark = v
	}
}

// classify applies the explicit type code first, then id-pattern
// heuristics.
func classify(userID string, typeCode int64) ContactType {
	switch {
	case typeCode == friendTypeCode:
		return ContactFriend
	case strings.HasSuffix(userID, GroupSuffix):
		return ContactGroup
	case strings.HasPrefix(userID, officialPrefix):
		return ContactOfficial
	}
	return ContactUnknown
}

// ListGroups reads the GroupContact table of the group database. Clients
// without that database still surface groups via contact classification.
func (h *Handle) ListGroups(ctx context.Context) ([]ContactRecord, error) {
	rows, err := h.QueryContext(ctx,
		`SELECT IFNULL(m_nsUsrName,''), IFNULL(nickname,''), IFNULL(m_nsRemark,'') FROM GroupContact ORDER BY m_nsUsrName`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ContactRecord
	for rows.Next() {
		rec := ContactRecord{Type: ContactGroup}
		if err := rows.Scan(&rec.UserID, &rec.Nickname, &rec.Remark); err != nil {
			return nil, err
		}
		if rec.UserID == "" {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
