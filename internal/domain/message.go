package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

const MaxContentLength = 1000

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

type Message struct {
	ID         string         `bson:"_id" json:"id"`
	SenderID   string         `bson:"sender_id" json:"sender_id"`
	ReceiverID string         `bson:"receiver_id" json:"receiver_id"`
	Content    string         `bson:"content" json:"content"`
	Type       MessageType    `bson:"message_type" json:"message_type"`
	IsRead     bool           `bson:"is_read" json:"is_read"`
	ReadAt     *time.Time     `bson:"read_at,omitempty" json:"read_at,omitempty"`
	IsDeleted  bool           `bson:"is_deleted" json:"is_deleted"`
	DeletedAt  *time.Time     `bson:"deleted_at,omitempty" json:"deleted_at,omitempty"`
	DeletedBy  string         `bson:"deleted_by,omitempty" json:"deleted_by,omitempty"`
	Metadata   map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt  time.Time      `bson:"created_at" json:"created_at"`
}

// Normalize trims content and defaults the type to text.
func (m *Message) Normalize() {
	m.Content = strings.TrimSpace(m.Content)
	if m.Type == "" {
		m.Type = MessageText
	}
}

func (m *Message) Validate() error {
	if m.SenderID == "" {
		return ErrSenderRequired
	}
	if m.ReceiverID == "" {
		return ErrReceiverRequired
	}
	if m.SenderID == m.ReceiverID {
		return ErrSelfMessage
	}
	return ValidateContent(m.Content, m.Type)
}

func ValidateContent(content string, typ MessageType) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return ErrContentTooLong
	}
	if !typ.Valid() {
		return ErrInvalidMessageType
	}
	return nil
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
