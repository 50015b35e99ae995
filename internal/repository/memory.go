package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fathima-sithara/delivery-service/internal/domain"
)

// In-memory stores used by tests and the memory store driver. Values are
// cloned on the way in and out so callers never share state with the store.

type MemoryUserRepository struct {
	mu    sync.RWMutex
	users map[string]*domain.User
}

func NewMemoryUserRepository(users ...*domain.User) *MemoryUserRepository {
	r := &MemoryUserRepository{users: make(map[string]*domain.User)}
	for _, u := range users {
		r.Put(u)
	}
	return r
}

func (r *MemoryUserRepository) Put(u *domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *u
	r.users[u.ID] = &cp
}

func (r *MemoryUserRepository) GetByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *MemoryUserRepository) ListActive(_ context.Context) ([]*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.User, 0, len(r.users))
	for _, u := range r.users {
		if u.IsActive {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryUserRepository) TouchLastSeen(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return domain.ErrNotFound
	}
	u.LastSeen = at
	return nil
}

type MemoryMessageRepository struct {
	mu       sync.RWMutex
	messages map[string]*domain.Message
}

func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{messages: make(map[string]*domain.Message)}
}

func (r *MemoryMessageRepository) Save(_ context.Context, m *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.messages[m.ID]; ok {
		return nil
	}
	r.messages[m.ID] = m.Clone()
	return nil
}

func (r *MemoryMessageRepository) GetByID(_ context.Context, id string) (*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return m.Clone(), nil
}

func (r *MemoryMessageRepository) MarkRead(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.IsRead = true
	m.ReadAt = &at
	return nil
}

func (r *MemoryMessageRepository) SoftDelete(_ context.Context, id, by string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.IsDeleted = true
	m.DeletedAt = &at
	m.DeletedBy = by
	return nil
}

// Count returns the number of stored messages.
func (r *MemoryMessageRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}

type MemoryConversationRepository struct {
	mu     sync.Mutex
	byID   map[string]*domain.Conversation
	byPair map[string]string
}

func NewMemoryConversationRepository() *MemoryConversationRepository {
	return &MemoryConversationRepository{
		byID:   make(map[string]*domain.Conversation),
		byPair: make(map[string]string),
	}
}

func (r *MemoryConversationRepository) GetByID(_ context.Context, id string) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c.Clone(), nil
}

func (r *MemoryConversationRepository) FindActiveByPair(_ context.Context, a, b string) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPair[domain.PairKey(a, b)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.byID[id].Clone(), nil
}

func (r *MemoryConversationRepository) Create(_ context.Context, c *domain.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.IsActive {
		if _, ok := r.byPair[c.PairKey]; ok {
			return domain.ErrDuplicate
		}
		r.byPair[c.PairKey] = c.ID
	}
	r.byID[c.ID] = c.Clone()
	return nil
}

func (r *MemoryConversationRepository) RecordMessage(_ context.Context, id, messageID, receiverID string, at time.Time) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if c.LastMessageID == messageID {
		return c.Clone(), nil
	}
	c.LastMessageID = messageID
	c.LastMessageAt = &at
	if c.UnreadCount == nil {
		c.UnreadCount = make(map[string]int)
	}
	c.UnreadCount[receiverID]++
	c.UpdatedAt = at
	return c.Clone(), nil
}

func (r *MemoryConversationRepository) ResetUnread(_ context.Context, id, userID string, at time.Time) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if c.UnreadCount == nil {
		c.UnreadCount = make(map[string]int)
	}
	c.UnreadCount[userID] = 0
	c.UpdatedAt = at
	return c.Clone(), nil
}

func (r *MemoryConversationRepository) ListByParticipant(_ context.Context, userID string, limit int) ([]*domain.Conversation, error) {
	r.mu.Lock()
	out := []*domain.Conversation{}
	for _, c := range r.byID {
		if c.IsActive && c.HasParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil || b == nil:
			return b == nil
		case a.Equal(*b):
			return out[i].ID < out[j].ID
		}
		return a.After(*b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of stored conversations.
func (r *MemoryConversationRepository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

type MemoryAutoMessageRepository struct {
	mu     sync.Mutex
	drafts map[string]*domain.AutoMessage
}

func NewMemoryAutoMessageRepository() *MemoryAutoMessageRepository {
	return &MemoryAutoMessageRepository{drafts: make(map[string]*domain.AutoMessage)}
}

func (r *MemoryAutoMessageRepository) CreateMany(_ context.Context, drafts []*domain.AutoMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range drafts {
		if _, ok := r.drafts[d.ID]; ok {
			return domain.ErrDuplicate
		}
	}
	for _, d := range drafts {
		r.drafts[d.ID] = d.Clone()
	}
	return nil
}

func (r *MemoryAutoMessageRepository) Get(_ context.Context, id string) (*domain.AutoMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drafts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return d.Clone(), nil
}

func (r *MemoryAutoMessageRepository) ListDue(_ context.Context, now time.Time, limit int) ([]*domain.AutoMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.AutoMessage
	for _, d := range r.drafts {
		if d.Due(now) {
			out = append(out, d.Clone())
		}
	}
	sortBySendAt(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryAutoMessageRepository) MarkQueued(_ context.Context, id string, seenRetryCount int, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drafts[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if d.IsSent || d.RetryCount != seenRetryCount {
		return false, nil
	}
	d.IsQueued = true
	d.QueuedAt = &at
	d.UpdatedAt = at
	return true, nil
}

func (r *MemoryAutoMessageRepository) MarkSent(_ context.Context, id, messageID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drafts[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if d.IsSent {
		return false, nil
	}
	d.IsSent = true
	d.IsQueued = false
	d.SentAt = &at
	d.MessageID = messageID
	d.UpdatedAt = at
	return true, nil
}

func (r *MemoryAutoMessageRepository) RecordFailure(_ context.Context, id, reason string, at time.Time) (*domain.AutoMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drafts[id]
	if !ok || d.IsSent {
		return nil, domain.ErrNotFound
	}
	d.RetryCount++
	d.LastError = reason
	d.IsQueued = false
	d.QueuedAt = nil
	d.UpdatedAt = at
	return d.Clone(), nil
}

func (r *MemoryAutoMessageRepository) ReclaimStale(_ context.Context, queuedBefore, at time.Time, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, d := range r.drafts {
		if !d.IsQueued || d.IsSent || d.QueuedAt == nil || !d.QueuedAt.Before(queuedBefore) {
			continue
		}
		d.RetryCount++
		d.LastError = reason
		d.IsQueued = false
		d.QueuedAt = nil
		d.UpdatedAt = at
		n++
	}
	return n, nil
}

func (r *MemoryAutoMessageRepository) ListExhausted(_ context.Context, limit int) ([]*domain.AutoMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.AutoMessage
	for _, d := range r.drafts {
		if d.State() == domain.StateFailed {
			out = append(out, d.Clone())
		}
	}
	sortBySendAt(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryAutoMessageRepository) ResetRetries(_ context.Context, id string, at time.Time) (*domain.AutoMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drafts[id]
	if !ok || d.IsSent {
		return nil, domain.ErrNotFound
	}
	d.RetryCount = 0
	d.LastError = ""
	d.IsQueued = false
	d.UpdatedAt = at
	return d.Clone(), nil
}

func (r *MemoryAutoMessageRepository) Stats(_ context.Context) (domain.QueueStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s domain.QueueStats
	for _, d := range r.drafts {
		s.Total++
		switch d.State() {
		case domain.StateDrafted:
			s.Pending++
		case domain.StateQueued:
			s.Queued++
		case domain.StateSent:
			s.Sent++
		case domain.StateFailed:
			s.Failed++
		}
	}
	return s, nil
}

func sortBySendAt(out []*domain.AutoMessage) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].SendAt.Equal(out[j].SendAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SendAt.Before(out[j].SendAt)
	})
}
