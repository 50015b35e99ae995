// Package presence tracks which users hold a live connection and routes
// pushes to them, locally or through the relay when the connection lives on
// another instance.
package presence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/fathima-sithara/delivery-service/internal/metrics"
	"go.uber.org/zap"
)

// Handle is a live connection able to receive events.
type Handle interface {
	Emit(event string, data any) error
}

// LastSeenStore stamps the user's last-seen time.
type LastSeenStore interface {
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
}

type Registry struct {
	mu       sync.RWMutex
	local    map[string]Handle
	set      Set
	relay    Relay
	users    LastSeenStore
	instance string
	now      func() time.Time
	log      *zap.SugaredLogger
}

func NewRegistry(instance string, set Set, relay Relay, users LastSeenStore, log *zap.SugaredLogger) *Registry {
	return &Registry{
		local:    make(map[string]Handle),
		set:      set,
		relay:    relay,
		users:    users,
		instance: instance,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log.Named("presence"),
	}
}

func (r *Registry) Instance() string { return r.instance }

// Register makes h the current handle for userID. A newer handle replaces an
// older one. Shared-set and last-seen failures are logged, never returned.
func (r *Registry) Register(ctx context.Context, userID string, h Handle) {
	r.mu.Lock()
	_, replaced := r.local[userID]
	r.local[userID] = h
	n := len(r.local)
	r.mu.Unlock()
	metrics.OnlineUsers.Set(float64(n))

	if err := r.set.Add(ctx, userID); err != nil {
		r.log.Warnw("online set add failed", "user_id", userID, "error", err)
	}
	now := r.now()
	r.touch(ctx, userID, now)
	r.log.Infow("user connected", "user_id", userID, "replaced", replaced)

	r.Broadcast(ctx, EventUserOnline, StatusEvent{UserID: userID, At: now}, userID)
}

// Unregister removes userID only while h is still its current handle, so a
// late disconnect of a replaced connection leaves the newer one in place.
func (r *Registry) Unregister(ctx context.Context, userID string, h Handle) bool {
	r.mu.Lock()
	cur, ok := r.local[userID]
	if !ok || cur != h {
		r.mu.Unlock()
		return false
	}
	delete(r.local, userID)
	n := len(r.local)
	r.mu.Unlock()
	metrics.OnlineUsers.Set(float64(n))

	if err := r.set.Remove(ctx, userID); err != nil {
		r.log.Warnw("online set remove failed", "user_id", userID, "error", err)
	}
	now := r.now()
	r.touch(ctx, userID, now)
	r.log.Infow("user disconnected", "user_id", userID)

	r.Broadcast(ctx, EventUserOffline, StatusEvent{UserID: userID, At: now}, userID)
	return true
}

func (r *Registry) touch(ctx context.Context, userID string, at time.Time) {
	if r.users == nil {
		return
	}
	if err := r.users.TouchLastSeen(ctx, userID, at); err != nil {
		r.log.Warnw("last seen update failed", "user_id", userID, "error", err)
	}
}

// IsReachable reports membership in the shared set. When the set cannot be
// read the local map answers instead.
func (r *Registry) IsReachable(ctx context.Context, userID string) bool {
	ok, err := r.set.IsMember(ctx, userID)
	if err != nil {
		r.log.Warnw("online set lookup failed", "user_id", userID, "error", err)
		_, ok = r.RouteLocal(userID)
	}
	return ok
}

// RouteLocal returns the handle held by this instance, if any.
func (r *Registry) RouteLocal(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.local[userID]
	return h, ok
}

// Push delivers event to userID. It reports false when the user is offline
// everywhere or the push could not be handed off; callers treat that as
// non-fatal because the data is already persisted.
func (r *Registry) Push(ctx context.Context, userID, event string, data any) bool {
	if h, ok := r.RouteLocal(userID); ok {
		if err := h.Emit(event, data); err != nil {
			r.log.Debugw("local push failed", "user_id", userID, "event", event, "error", err)
			return false
		}
		return true
	}
	if r.relay == nil || !r.IsReachable(ctx, userID) {
		return false
	}
	b, err := json.Marshal(data)
	if err != nil {
		r.log.Errorw("encode relay payload", "event", event, "error", err)
		return false
	}
	msg := RelayMessage{Instance: r.instance, UserID: userID, Event: event, Data: b}
	if err := r.relay.Publish(ctx, msg); err != nil {
		r.log.Warnw("relay publish failed", "user_id", userID, "event", event, "error", err)
		return false
	}
	metrics.PushRelayed.Inc()
	return true
}

// Broadcast emits to every handle except exceptUserID's, here and on the
// other instances through the relay. Fire and forget.
func (r *Registry) Broadcast(ctx context.Context, event string, data any, exceptUserID string) {
	r.broadcastLocal(event, data, exceptUserID)
	if r.relay == nil {
		return
	}
	b, err := json.Marshal(data)
	if err != nil {
		r.log.Errorw("encode broadcast payload", "event", event, "error", err)
		return
	}
	msg := RelayMessage{Instance: r.instance, Except: exceptUserID, Event: event, Data: b}
	if err := r.relay.Publish(ctx, msg); err != nil {
		r.log.Warnw("relay broadcast failed", "event", event, "error", err)
	}
}

func (r *Registry) broadcastLocal(event string, data any, exceptUserID string) {
	r.mu.RLock()
	targets := make([]Handle, 0, len(r.local))
	for id, h := range r.local {
		if id != exceptUserID {
			targets = append(targets, h)
		}
	}
	r.mu.RUnlock()
	for _, h := range targets {
		_ = h.Emit(event, data)
	}
}

// Run consumes relayed pushes addressed to users held here until ctx ends.
func (r *Registry) Run(ctx context.Context) error {
	if r.relay == nil {
		<-ctx.Done()
		return nil
	}
	return r.relay.Subscribe(ctx, r.deliverRelayed)
}

func (r *Registry) deliverRelayed(msg RelayMessage) {
	if msg.Instance == r.instance {
		return
	}
	if msg.UserID == "" {
		r.broadcastLocal(msg.Event, msg.Data, msg.Except)
		return
	}
	h, ok := r.RouteLocal(msg.UserID)
	if !ok {
		return
	}
	if err := h.Emit(msg.Event, msg.Data); err != nil {
		r.log.Debugw("relayed push failed", "user_id", msg.UserID, "event", msg.Event, "error", err)
	}
}

func (r *Registry) OnlineCount(ctx context.Context) (int64, error) {
	return r.set.Card(ctx)
}

func (r *Registry) OnlineUsers(ctx context.Context) ([]string, error) {
	return r.set.Members(ctx)
}

// LocalUsers lists users connected to this instance.
func (r *Registry) LocalUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.local))
	for id := range r.local {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
