package ws

import "encoding/json"

// Envelope is the wire format in both directions: {"event": "...", "data": {...}}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound event names.
const (
	InSendMessage   = "send_message"
	InTypingStart   = "typing_start"
	InTypingStop    = "typing_stop"
	InMarkAsRead    = "mark_as_read"
	InDeleteMessage = "delete_message"
)

type typingRequest struct {
	ReceiverID string `json:"receiver_id"`
}

type readRequest struct {
	MessageID string `json:"message_id"`
	// SenderID is the counterpart the client believes sent the message.
	// The stored sender wins when they differ.
	SenderID string `json:"sender_id,omitempty"`
}

type deleteRequest struct {
	MessageID string `json:"message_id"`
}

type sentAck struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Timestamp      string `json:"timestamp"`
}

type connectedUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

type connectedEvent struct {
	Message  string        `json:"message"`
	User     connectedUser `json:"user"`
	Instance string        `json:"instance"`
}

func encode(event string, data any) ([]byte, error) {
	return json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{event, data})
}
