// Package conversation keeps the per-pair conversation aggregate: the single
// active conversation, its last-message pointer and per-participant unread counts.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fathima-sithara/delivery-service/internal/domain"
	"github.com/fathima-sithara/delivery-service/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Aggregator struct {
	repo  repository.ConversationRepository
	locks *keyedMutex
	now   func() time.Time
	log   *zap.SugaredLogger
}

func NewAggregator(repo repository.ConversationRepository, log *zap.SugaredLogger) *Aggregator {
	return &Aggregator{
		repo:  repo,
		locks: newKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
		log:   log.Named("conversation"),
	}
}

// WithClock replaces the time source.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// FindOrCreate returns the active conversation for the unordered pair (x, y),
// creating it when absent. Concurrent callers for the same pair on any
// instance end up with the same conversation: the store rejects a second
// active conversation and the loser re-reads the winner's.
func (a *Aggregator) FindOrCreate(ctx context.Context, x, y string) (*domain.Conversation, error) {
	if x == "" || y == "" {
		return nil, domain.ErrReceiverRequired
	}
	if x == y {
		return nil, domain.ErrSelfMessage
	}
	key := domain.PairKey(x, y)
	unlock := a.locks.Lock(key)
	defer unlock()

	c, err := a.repo.FindActiveByPair(ctx, x, y)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("find conversation %s: %w", key, err)
	}

	c = domain.NewConversation(uuid.NewString(), x, y, a.now())
	err = a.repo.Create(ctx, c)
	switch {
	case err == nil:
		a.log.Debugw("conversation created", "conversation_id", c.ID, "pair", key)
		return c, nil
	case errors.Is(err, domain.ErrDuplicate):
		c, err = a.repo.FindActiveByPair(ctx, x, y)
		if err != nil {
			return nil, fmt.Errorf("re-read conversation %s: %w", key, err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("create conversation %s: %w", key, err)
	}
}

// Find returns the active conversation for the pair without creating one.
func (a *Aggregator) Find(ctx context.Context, x, y string) (*domain.Conversation, error) {
	return a.repo.FindActiveByPair(ctx, x, y)
}

// RecordDelivery points the conversation at msg and adds exactly one to the
// receiver's unread count. Recording the same message again while it is still
// the last one changes nothing.
func (a *Aggregator) RecordDelivery(ctx context.Context, conv *domain.Conversation, msg *domain.Message) (*domain.Conversation, error) {
	if !conv.HasParticipant(msg.ReceiverID) {
		return nil, fmt.Errorf("receiver %s not in conversation %s: %w", msg.ReceiverID, conv.ID, domain.ErrNotParticipant)
	}
	unlock := a.locks.Lock(conv.PairKey)
	defer unlock()

	at := msg.CreatedAt
	if at.IsZero() {
		at = a.now()
	}
	updated, err := a.repo.RecordMessage(ctx, conv.ID, msg.ID, msg.ReceiverID, at)
	if err != nil {
		return nil, fmt.Errorf("record delivery on %s: %w", conv.ID, err)
	}
	return updated, nil
}

// RecordRead zeroes the reader's unread count. The other participant's count is untouched.
func (a *Aggregator) RecordRead(ctx context.Context, conv *domain.Conversation, readerID string) (*domain.Conversation, error) {
	if !conv.HasParticipant(readerID) {
		return nil, fmt.Errorf("reader %s not in conversation %s: %w", readerID, conv.ID, domain.ErrNotParticipant)
	}
	unlock := a.locks.Lock(conv.PairKey)
	defer unlock()

	updated, err := a.repo.ResetUnread(ctx, conv.ID, readerID, a.now())
	if err != nil {
		return nil, fmt.Errorf("record read on %s: %w", conv.ID, err)
	}
	return updated, nil
}

// Unread is a user's unread total and its split by counterpart.
type Unread struct {
	Total         int            `json:"total_unread"`
	ByCounterpart map[string]int `json:"unread_by_conversation"`
}

// List returns userID's conversations, most recent first.
func (a *Aggregator) List(ctx context.Context, userID string, limit int) ([]*domain.Conversation, error) {
	if userID == "" {
		return nil, domain.ErrSenderRequired
	}
	convs, err := a.repo.ListByParticipant(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations for %s: %w", userID, err)
	}
	return convs, nil
}

// UnreadFor sums userID's unread counters over all of their conversations.
func (a *Aggregator) UnreadFor(ctx context.Context, userID string) (Unread, error) {
	convs, err := a.List(ctx, userID, 0)
	if err != nil {
		return Unread{}, err
	}
	out := Unread{ByCounterpart: make(map[string]int, len(convs))}
	for _, c := range convs {
		n := c.Unread(userID)
		out.Total += n
		out.ByCounterpart[c.Counterpart(userID)] = n
	}
	return out, nil
}
