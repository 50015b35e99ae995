package presence

import (
	"context"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Set is the reachability set shared by every gateway instance.
type Set interface {
	Add(ctx context.Context, userID string) error
	Remove(ctx context.Context, userID string) error
	IsMember(ctx context.Context, userID string) (bool, error)
	Card(ctx context.Context) (int64, error)
	Members(ctx context.Context) ([]string, error)
}

type RedisSet struct {
	client *redis.Client
	key    string
}

func NewRedisSet(client *redis.Client, prefix string) *RedisSet {
	return &RedisSet{client: client, key: prefix + ":online_users"}
}

func (s *RedisSet) Add(ctx context.Context, userID string) error {
	return s.client.SAdd(ctx, s.key, userID).Err()
}

func (s *RedisSet) Remove(ctx context.Context, userID string) error {
	return s.client.SRem(ctx, s.key, userID).Err()
}

func (s *RedisSet) IsMember(ctx context.Context, userID string) (bool, error) {
	return s.client.SIsMember(ctx, s.key, userID).Result()
}

func (s *RedisSet) Card(ctx context.Context) (int64, error) {
	return s.client.SCard(ctx, s.key).Result()
}

func (s *RedisSet) Members(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, s.key).Result()
}

type MemorySet struct {
	mu      sync.RWMutex
	members map[string]struct{}
}

func NewMemorySet() *MemorySet {
	return &MemorySet{members: make(map[string]struct{})}
}

func (s *MemorySet) Add(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[userID] = struct{}{}
	return nil
}

func (s *MemorySet) Remove(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, userID)
	return nil
}

func (s *MemorySet) IsMember(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[userID]
	return ok, nil
}

func (s *MemorySet) Card(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.members)), nil
}

func (s *MemorySet) Members(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
