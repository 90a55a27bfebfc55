package store

// MessageRecord is the normalized message shape shared by the poll-based
// reader and any live ingestion collaborator, so downstream consumers are
// agnostic to which path produced a record.
type MessageRecord struct {
	LocalID    int64  `json:"local_id"`
	CreateTime int64  `json:"create_time"` // unix seconds
	Content    string `json:"content"`
	SenderID   string `json:"sender_id,omitempty"`
	RoomID     string `json:"room_id,omitempty"`
	IsGroup    bool   `json:"is_group"`
	Source     string `json:"source,omitempty"` // raw msgSource column
}

// ContactType classifies a directory entry.
type ContactType string

const (
	ContactFriend   ContactType = "friend"
	ContactGroup    ContactType = "group"
	ContactOfficial ContactType = "official_account"
	ContactUnknown  ContactType = "unknown"
)

// ContactRecord is one decoded directory entry.
type ContactRecord struct {
	UserID          string      `json:"user_id"`
	EncodedUsername string      `json:"encoded_username,omitempty"`
	Nickname        string      `json:"nickname"`
	Remark          string      `json:"remark,omitempty"`
	Type            ContactType `json:"type"`
}
