package presence

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RelayMessage carries a push for a user connected to another instance. An
// empty UserID broadcasts to every user held by the receiving instance except
// Except.
type RelayMessage struct {
	Instance string          `json:"instance"`
	UserID   string          `json:"user_id"`
	Except   string          `json:"except,omitempty"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

// Relay fans pushes out to every instance. Subscribe blocks until ctx ends.
type Relay interface {
	Publish(ctx context.Context, msg RelayMessage) error
	Subscribe(ctx context.Context, handle func(RelayMessage)) error
}

type RedisRelay struct {
	client  *redis.Client
	channel string
}

func NewRedisRelay(client *redis.Client, prefix string) *RedisRelay {
	return &RedisRelay{client: client, channel: prefix + ":push"}
}

func (r *RedisRelay) Publish(ctx context.Context, msg RelayMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, b).Err()
}

func (r *RedisRelay) Subscribe(ctx context.Context, handle func(RelayMessage)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg RelayMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				continue
			}
			handle(msg)
		}
	}
}

// MemoryRelay connects registries living in one process.
type MemoryRelay struct {
	mu   sync.RWMutex
	subs map[int]func(RelayMessage)
	next int
}

func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{subs: make(map[int]func(RelayMessage))}
}

func (r *MemoryRelay) Publish(_ context.Context, msg RelayMessage) error {
	r.mu.RLock()
	handlers := make([]func(RelayMessage), 0, len(r.subs))
	for _, h := range r.subs {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (r *MemoryRelay) Subscribe(ctx context.Context, handle func(RelayMessage)) error {
	r.mu.Lock()
	id := r.next
	r.next++
	r.subs[id] = handle
	r.mu.Unlock()

	<-ctx.Done()

	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
	return nil
}

// Subscribers reports how many subscriptions are live.
func (r *MemoryRelay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
