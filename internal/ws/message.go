package ws

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/clubchat/internal/model"
)

type EventType string

// Inbound events.
const (
	EventJoin       EventType = "join"
	EventSend       EventType = "send"
	EventDelete     EventType = "delete"
	EventLeave      EventType = "leave"
	EventDisconnect EventType = "disconnect"
)

// Outbound events.
const (
	EventJoined        EventType = "joined"
	EventHistory       EventType = "history"
	EventMessage       EventType = "message"
	EventDeleteSuccess EventType = "deleteSuccess"
	EventError         EventType = "error"
)

// IncomingMessage is a client frame. Which fields are used depends on Type.
type IncomingMessage struct {
	Type        EventType  `json:"type"`
	SenderID    string     `json:"senderId,omitempty"`
	RecipientID string     `json:"recipientId,omitempty"`
	GroupID     string     `json:"groupId,omitempty"`
	Message     string     `json:"message,omitempty"`
	MessageTime *time.Time `json:"messageTime,omitempty"`
	MessageID   string     `json:"messageId,omitempty"`
	UserID      string     `json:"userId,omitempty"`
}

type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// JoinedPayload tells the client which room its join resolved to.
type JoinedPayload struct {
	GroupID string         `json:"groupId"`
	Kind    model.RoomKind `json:"kind"`
	Name    string         `json:"name,omitempty"`
}

// encode renders an outbound frame. The buffer comes from bufPool; the
// returned slice is a copy because frames outlive the call.
func encode(msg OutgoingMessage) ([]byte, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	if err := json.NewEncoder(buf).Encode(msg); err != nil {
		return nil, err
	}
	// json.Encoder appends '\n'; trim it for WebSocket text messages.
	data := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
