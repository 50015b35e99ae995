package domain

import "time"

const DefaultMaxRetries = 3

// DraftState is derived from the flags stored on an AutoMessage.
type DraftState string

const (
	StateDrafted DraftState = "drafted"
	StateQueued  DraftState = "queued"
	StateSent    DraftState = "sent"
	StateFailed  DraftState = "failed"
)

// AutoMessage is a message drafted by the planner and delivered later
// through the queue.
//
// Transitions: drafted -> queued on publish, queued -> sent on delivery,
// queued -> drafted (retry_count+1) on a processing failure, and drafted
// with retry_count >= max_retries is failed until the retry sweep resets it.
type AutoMessage struct {
	ID         string         `bson:"_id" json:"id"`
	SenderID   string         `bson:"sender_id" json:"sender_id"`
	ReceiverID string         `bson:"receiver_id" json:"receiver_id"`
	Content    string         `bson:"content" json:"content"`
	SendAt     time.Time      `bson:"send_at" json:"send_at"`
	IsQueued   bool           `bson:"is_queued" json:"is_queued"`
	QueuedAt   *time.Time     `bson:"queued_at,omitempty" json:"queued_at,omitempty"`
	IsSent     bool           `bson:"is_sent" json:"is_sent"`
	SentAt     *time.Time     `bson:"sent_at,omitempty" json:"sent_at,omitempty"`
	MessageID  string         `bson:"message_id,omitempty" json:"message_id,omitempty"`
	RetryCount int            `bson:"retry_count" json:"retry_count"`
	MaxRetries int            `bson:"max_retries" json:"max_retries"`
	LastError  string         `bson:"last_error,omitempty" json:"last_error,omitempty"`
	Metadata   map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt  time.Time      `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time      `bson:"updated_at" json:"updated_at"`
}

func (a *AutoMessage) State() DraftState {
	switch {
	case a.IsSent:
		return StateSent
	case a.IsQueued:
		return StateQueued
	case a.Exhausted():
		return StateFailed
	default:
		return StateDrafted
	}
}

func (a *AutoMessage) Exhausted() bool {
	return a.RetryCount >= a.maxRetries()
}

// Due reports whether admission may publish the draft at now.
func (a *AutoMessage) Due(now time.Time) bool {
	return a.State() == StateDrafted && !a.SendAt.After(now)
}

func (a *AutoMessage) maxRetries() int {
	if a.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return a.MaxRetries
}

func (a *AutoMessage) Clone() *AutoMessage {
	if a == nil {
		return nil
	}
	out := *a
	if a.Metadata != nil {
		out.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// QueueStats counts drafts per state.
type QueueStats struct {
	Pending int64 `json:"pending"`
	Queued  int64 `json:"queued"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Total   int64 `json:"total"`
}
