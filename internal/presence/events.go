package presence

import (
	"time"

	"github.com/fathima-sithara/delivery-service/internal/domain"
)

// Outbound event names pushed to connected users.
const (
	EventConnectionSuccess = "connection_success"
	EventUserOnline        = "user_online"
	EventUserOffline       = "user_offline"
	EventMessageReceived   = "message_received"
	EventMessageSent       = "message_sent"
	EventMessageError      = "message_error"
	EventUserTyping        = "user_typing"
	EventMessageRead       = "message_read"
	EventMessageDeleted    = "message_deleted"
)

type StatusEvent struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username,omitempty"`
	At       time.Time `json:"at"`
}

type MessageEvent struct {
	Message        *domain.Message `json:"message"`
	ConversationID string          `json:"conversation_id"`
	Auto           bool            `json:"auto,omitempty"`
}

type ReadEvent struct {
	MessageID      string    `json:"message_id"`
	ReaderID       string    `json:"reader_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ReadAt         time.Time `json:"read_at"`
}

type DeletedEvent struct {
	MessageID string    `json:"message_id"`
	DeletedBy string    `json:"deleted_by"`
	At        time.Time `json:"at"`
}

type TypingEvent struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	IsTyping bool   `json:"is_typing"`
}

type ErrorEvent struct {
	Error string `json:"error"`
}
