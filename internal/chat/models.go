package chat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const tempIDPrefix = "temp-"

// MessageID is a server-assigned numeric id or a client-local temporary id
// for an optimistic, not-yet-acknowledged send. The server serializes ids as
// JSON numbers, so decoding accepts both forms.
type MessageID string

func (id MessageID) IsTemp() bool {
	return strings.HasPrefix(string(id), tempIDPrefix)
}

func NewTempID(now time.Time) MessageID {
	return MessageID(fmt.Sprintf("%s%d", tempIDPrefix, now.UnixNano()))
}

func (id *MessageID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = MessageID(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("message id is neither string nor number: %s", data)
	}
	*id = MessageID(strconv.FormatInt(n, 10))
	return nil
}

func (id MessageID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

type Message struct {
	ID                  MessageID       `json:"id"`
	Text                string          `json:"text"`
	SenderID            int64           `json:"sender_id"`
	SenderName          string          `json:"sender_name"`
	CreatedAt           time.Time       `json:"created_at"`
	CustomPackageDetail json.RawMessage `json:"custom_package_detail,omitempty"`
}

type Room struct {
	ID              int64     `json:"id"`
	OtherUserID     int64     `json:"other_user_id"`
	OtherUserName   string    `json:"other_user_name"`
	OtherUserAvatar string    `json:"other_user_avatar"`
	LastMessage     string    `json:"last_message"`
	LastMessageAt   time.Time `json:"last_message_at"`
	UnreadCount     int       `json:"unread_count"`
}

// PendingSend is the handle returned by an optimistic send. It is resolved
// (the authoritative copy arrived) or rolled back (the send failed)
// explicitly, never by scanning for id prefixes.
type PendingSend struct {
	Handle uuid.UUID
	Msg    Message
}

// inboundFrame is what the server pushes over the socket.
type inboundFrame struct {
	Type string `json:"type"`
	Message
}

// outboundFrame is the only frame the client sends.
type outboundFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
