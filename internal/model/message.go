package model

import "time"

// Message is immutable once persisted except for IsRead and DeletedBy.
type Message struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"groupId"`
	SenderID    string    `json:"senderId"`
	RecipientID *string   `json:"recipientId,omitempty"`
	Body        string    `json:"message"`
	IsRead      bool      `json:"isRead"`
	SentAt      time.Time `json:"messageTime"`
	CreatedAt   time.Time `json:"createdAt"`
	DeletedBy   UserSet   `json:"-"`
}

// VisibleTo reports whether userID has not tombstoned the message.
func (m *Message) VisibleTo(userID string) bool {
	return !m.DeletedBy.Has(userID)
}

// TombstoneFilter selects messages to hide: a single message, every message of
// a room, or a single message scoped to a room when both are set.
type TombstoneFilter struct {
	MessageID string
	RoomID    string
}

func (f TombstoneFilter) Empty() bool {
	return f.MessageID == "" && f.RoomID == ""
}
