package domain

import (
	"time"
)

const ConversationDirect = "direct"

// Conversation aggregates the messages exchanged by one unordered pair of users.
// At most one active conversation exists per PairKey.
type Conversation struct {
	ID            string         `bson:"_id" json:"id"`
	Participants  []string       `bson:"participants" json:"participants"`
	PairKey       string         `bson:"pair_key" json:"pair_key"`
	Type          string         `bson:"type" json:"type"`
	LastMessageID string         `bson:"last_message_id,omitempty" json:"last_message_id,omitempty"`
	LastMessageAt *time.Time     `bson:"last_message_at,omitempty" json:"last_message_at,omitempty"`
	UnreadCount   map[string]int `bson:"unread_count" json:"unread_count"`
	IsActive      bool           `bson:"is_active" json:"is_active"`
	CreatedAt     time.Time      `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `bson:"updated_at" json:"updated_at"`
}

// PairKey is the order-independent identity of a participant pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// NewConversation returns an active direct conversation with zeroed counters.
func NewConversation(id, a, b string, now time.Time) *Conversation {
	if b < a {
		a, b = b, a
	}
	return &Conversation{
		ID:           id,
		Participants: []string{a, b},
		PairKey:      PairKey(a, b),
		Type:         ConversationDirect,
		UnreadCount:  map[string]int{a: 0, b: 0},
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Counterpart is the participant that is not userID.
func (c *Conversation) Counterpart(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

func (c *Conversation) Unread(userID string) int {
	if c.UnreadCount == nil {
		return 0
	}
	return c.UnreadCount[userID]
}

func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	out.UnreadCount = make(map[string]int, len(c.UnreadCount))
	for k, v := range c.UnreadCount {
		out.UnreadCount[k] = v
	}
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		out.LastMessageAt = &t
	}
	return &out
}
