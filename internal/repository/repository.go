package repository

import (
	"context"
	"time"

	"github.com/fathima-sithara/delivery-service/internal/domain"
)

// Lookups return domain.ErrNotFound when nothing matches.

type UserRepository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	ListActive(ctx context.Context) ([]*domain.User, error)
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
}

type MessageRepository interface {
	// Save inserts m once; saving the same id again leaves the stored copy untouched.
	Save(ctx context.Context, m *domain.Message) error
	GetByID(ctx context.Context, id string) (*domain.Message, error)
	MarkRead(ctx context.Context, id string, at time.Time) error
	SoftDelete(ctx context.Context, id, by string, at time.Time) error
}

type ConversationRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Conversation, error)
	FindActiveByPair(ctx context.Context, a, b string) (*domain.Conversation, error)
	// Create fails with domain.ErrDuplicate when an active conversation for the pair exists.
	Create(ctx context.Context, c *domain.Conversation) error
	// RecordMessage moves the last-message pointer and adds one to the receiver's unread count.
	// Recording the message that is already last is a no-op returning the stored conversation.
	RecordMessage(ctx context.Context, id, messageID, receiverID string, at time.Time) (*domain.Conversation, error)
	ResetUnread(ctx context.Context, id, userID string, at time.Time) (*domain.Conversation, error)
	// ListByParticipant returns userID's active conversations, most recent message first.
	// A limit of zero or less returns them all.
	ListByParticipant(ctx context.Context, userID string, limit int) ([]*domain.Conversation, error)
}

type AutoMessageRepository interface {
	CreateMany(ctx context.Context, drafts []*domain.AutoMessage) error
	Get(ctx context.Context, id string) (*domain.AutoMessage, error)
	// ListDue returns drafted, non-exhausted records whose send time is at or before now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.AutoMessage, error)
	// MarkQueued reports false when the record was sent or its retry count moved since it was read.
	MarkQueued(ctx context.Context, id string, seenRetryCount int, at time.Time) (bool, error)
	// MarkSent reports false when the record was already sent.
	MarkSent(ctx context.Context, id, messageID string, at time.Time) (bool, error)
	// RecordFailure increments the retry count, stores reason and returns an unsent record to drafted.
	RecordFailure(ctx context.Context, id, reason string, at time.Time) (*domain.AutoMessage, error)
	// ReclaimStale returns unsent records queued before queuedBefore to drafted, counting
	// the lost job as a failed attempt.
	ReclaimStale(ctx context.Context, queuedBefore, at time.Time, reason string) (int64, error)
	ListExhausted(ctx context.Context, limit int) ([]*domain.AutoMessage, error)
	ResetRetries(ctx context.Context, id string, at time.Time) (*domain.AutoMessage, error)
	Stats(ctx context.Context) (domain.QueueStats, error)
}
