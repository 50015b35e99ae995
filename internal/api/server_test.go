package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fathima-sithara/delivery-service/internal/conversation"
	"github.com/fathima-sithara/delivery-service/internal/delivery"
	"github.com/fathima-sithara/delivery-service/internal/domain"
	"github.com/fathima-sithara/delivery-service/internal/presence"
	"github.com/fathima-sithara/delivery-service/internal/queue"
	"github.com/fathima-sithara/delivery-service/internal/repository"
	"github.com/fathima-sithara/delivery-service/internal/scheduler"
	"github.com/fathima-sithara/delivery-service/internal/service"
	"github.com/fathima-sithara/delivery-service/internal/ws"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var nop = zap.NewNop().Sugar()

type staticTokens map[string]string

func (s staticTokens) Validate(token string) (string, error) {
	if uid, ok := s[token]; ok {
		return uid, nil
	}
	return "", errors.New("bad token")
}

type nopHandle struct{}

func (nopHandle) Emit(string, any) error { return nil }

type recordingHandle struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingHandle) Emit(event string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingHandle) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type env struct {
	app      *fiber.App
	drafts   *repository.MemoryAutoMessageRepository
	messages *repository.MemoryMessageRepository
	svc      *service.MessageService
	q        *queue.MemoryQueue
	registry *presence.Registry
}

func newEnv(t *testing.T, checks ...Check) *env {
	t.Helper()
	return newLimitedEnv(t, nil, checks...)
}

func newLimitedEnv(t *testing.T, triggers *RateLimiter, checks ...Check) *env {
	t.Helper()
	users := repository.NewMemoryUserRepository(
		&domain.User{ID: "u1", Username: "u1", IsActive: true},
		&domain.User{ID: "u2", Username: "u2", IsActive: true},
		&domain.User{ID: "u3", Username: "u3", IsActive: true},
	)
	messages := repository.NewMemoryMessageRepository()
	svc := service.NewMessageService(users, messages, conversation.NewAggregator(repository.NewMemoryConversationRepository(), nop), nop)
	drafts := repository.NewMemoryAutoMessageRepository()
	q := queue.NewMemoryQueue(8)
	t.Cleanup(func() { _ = q.Close() })
	registry := presence.NewRegistry("node-a", presence.NewMemorySet(), nil, users, nop)
	tokens := staticTokens{"ops": "u1", "bob": "u2", "carol": "u3"}

	admission := scheduler.NewAdmission(drafts, q, 100, nop)
	planner := scheduler.NewPlanner(users, drafts, scheduler.PlannerConfig{}, nop)
	sched := scheduler.New(nil, nop)
	require.NoError(t, sched.AddPlanner("0 2 * * *", planner))
	require.NoError(t, sched.AddAdmission("* * * * *", admission))

	consumer := delivery.NewConsumer(q, drafts, svc, registry, admission, delivery.Options{}, nop)
	gw := ws.NewGateway(registry, svc, users, tokens, ws.ClientOptions{}, nop)

	app := NewServer(Deps{
		Scheduler: sched,
		Admission: admission,
		Consumer:  consumer,
		Registry:  registry,
		Messages:  svc,
		Gateway:   gw,
		Validator: tokens,
		Checks:    checks,
		Triggers:  triggers,
	}, nop)
	return &env{app: app, drafts: drafts, messages: messages, svc: svc, q: q, registry: registry}
}

func (e *env) do(t *testing.T, method, target, body string, authed bool) (int, map[string]any) {
	t.Helper()
	token := ""
	if authed {
		token = "ops"
	}
	return e.as(t, token, method, target, body)
}

// as sends the request with token as bearer; an empty token sends none.
func (e *env) as(t *testing.T, token, method, target, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func data(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	d, ok := body["data"].(map[string]any)
	require.True(t, ok, "response has no data object: %v", body)
	return d
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, http.MethodGet, "/v1/health", "", false)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, _ = e.do(t, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, code)
}

func TestReady(t *testing.T) {
	ok := Check{Name: "mongo", Ping: func(context.Context) error { return nil }}
	down := Check{Name: "redis", Ping: func(context.Context) error { return errors.New("connection refused") }}

	code, body := newEnv(t, ok).do(t, http.MethodGet, "/v1/ready", "", false)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, body = newEnv(t, ok, down).do(t, http.MethodGet, "/v1/ready", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["mongo"])
	assert.Equal(t, "connection refused", checks["redis"])
}

func TestProtectedRoutesNeedBearer(t *testing.T) {
	e := newEnv(t)
	for _, target := range []string{"/v1/cron/status", "/v1/cron/queue", "/v1/online/count", "/v1/messages/unread/count", "/v1/messages/conversations"} {
		code, _ := e.do(t, http.MethodGet, target, "", false)
		assert.Equal(t, http.StatusUnauthorized, code, target)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/cron/status", nil)
	req.Header.Set("Authorization", "Bearer forged")
	resp, err := e.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTriggerPlanningAndQueueStatus(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, http.MethodPost, "/v1/cron/trigger/planning", "", true)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "message_planning triggered", body["message"])

	code, body = e.do(t, http.MethodGet, "/v1/cron/queue", "", true)
	require.Equal(t, http.StatusOK, code)
	stats := data(t, body)
	assert.EqualValues(t, 1, stats["pending"])
	assert.EqualValues(t, 1, stats["total"])

	// drafts are scheduled days ahead, so admission has nothing due
	code, _ = e.do(t, http.MethodPost, "/v1/cron/trigger/queue", "", true)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, e.q.Len())

	code, body = e.do(t, http.MethodGet, "/v1/cron/services", "", true)
	require.Equal(t, http.StatusOK, code)
	svcs := data(t, body)["services"].([]any)
	require.Len(t, svcs, 2)
	first := svcs[0].(map[string]any)
	assert.Equal(t, scheduler.TaskPlanning, first["name"])
	assert.EqualValues(t, 1, first["runs"])
}

func TestSystemStatus(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, http.MethodGet, "/v1/cron/status", "", true)
	require.Equal(t, http.StatusOK, code)
	d := data(t, body)
	assert.Equal(t, "node-a", d["instance"])
	assert.Equal(t, false, d["scheduler_running"])
	assert.Contains(t, d, "queue")
}

func TestRetryFailed(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, http.MethodPost, "/v1/cron/retry/failed", "", true)
	require.Equal(t, http.StatusOK, code)
	d := data(t, body)
	assert.EqualValues(t, 0, d["exhausted"])
	assert.EqualValues(t, 0, d["requeued"])
}

func TestTestMessage(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, http.MethodPost, "/v1/cron/test-message", `{"sender_id":"u1"}`, true)
	assert.Equal(t, http.StatusBadRequest, code)
	fields := body["fields"].([]any)
	require.Len(t, fields, 1)
	assert.Equal(t, "ReceiverID", fields[0].(map[string]any)["field"])

	code, _ = e.do(t, http.MethodPost, "/v1/cron/test-message", `{"sender_id":"u1","receiver_id":"u1"}`, true)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = e.do(t, http.MethodPost, "/v1/cron/test-message", `{"sender_id":"u1","receiver_id":"u2"}`, true)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "Test message", data(t, body)["content"])
	assert.Equal(t, 1, e.q.Len())
}

func TestOnlineRoutes(t *testing.T) {
	e := newEnv(t)
	e.registry.Register(context.Background(), "u2", nopHandle{})

	code, body := e.do(t, http.MethodGet, "/v1/online/count", "", true)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, data(t, body)["count"])

	code, body = e.do(t, http.MethodGet, "/v1/online/users", "", true)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"u2"}, data(t, body)["users"])

	code, body = e.do(t, http.MethodGet, "/v1/online/users/u2/status", "", true)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, data(t, body)["online"])
	assert.Equal(t, true, data(t, body)["local"])

	code, body = e.do(t, http.MethodGet, "/v1/online/users/u1/status", "", true)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, data(t, body)["online"])
}

func TestWebsocketRouteRejectsPlainRequests(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do(t, http.MethodGet, "/v1/ws?token=ops", "", false)
	assert.Equal(t, http.StatusUpgradeRequired, code)
}

func TestTriggersAreRateLimitedPerCaller(t *testing.T) {
	e := newLimitedEnv(t, NewRateLimiter(NewMemoryCounter(), 1, time.Minute, nop))

	code, _ := e.do(t, http.MethodPost, "/v1/cron/retry/failed", "", true)
	assert.Equal(t, http.StatusOK, code)

	code, body := e.do(t, http.MethodPost, "/v1/cron/retry/failed", "", true)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate limit exceeded", body["error"])

	// each route has its own window
	code, _ = e.do(t, http.MethodPost, "/v1/cron/trigger/queue", "", true)
	assert.Equal(t, http.StatusOK, code)

	// read-only routes are not limited
	for i := 0; i < 3; i++ {
		code, _ = e.do(t, http.MethodGet, "/v1/cron/queue", "", true)
		assert.Equal(t, http.StatusOK, code)
	}
}

func TestMemoryCounterWindowResets(t *testing.T) {
	m := NewMemoryCounter()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	for want := int64(1); want <= 3; want++ {
		got, err := m.Incr(context.Background(), "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	now = now.Add(time.Minute)
	got, err := m.Incr(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got)
}

func TestMessageInboxRoutes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	e.svc.WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})
	send := func(from, to string) string {
		out, err := e.svc.SendDirect(ctx, from, service.SendRequest{ReceiverID: to, Content: "hi"})
		require.NoError(t, err)
		return out.Message.ID
	}
	first := send("u2", "u1")
	send("u2", "u1")
	send("u3", "u1")
	send("u1", "u3")

	code, body := e.as(t, "ops", http.MethodGet, "/v1/messages/unread/count", "")
	require.Equal(t, http.StatusOK, code)
	d := data(t, body)
	assert.EqualValues(t, 3, d["total_unread"])
	assert.Equal(t, map[string]any{"u2": float64(2), "u3": float64(1)}, d["unread_by_conversation"])

	code, body = e.as(t, "ops", http.MethodGet, "/v1/messages/conversations", "")
	require.Equal(t, http.StatusOK, code)
	convs := data(t, body)["conversations"].([]any)
	require.Len(t, convs, 2)
	latest := convs[0].(map[string]any)
	assert.Equal(t, "u3", latest["other_user_id"])
	assert.EqualValues(t, 1, latest["unread_count"])
	assert.Equal(t, "u2", convs[1].(map[string]any)["other_user_id"])

	code, body = e.as(t, "ops", http.MethodGet, "/v1/messages/conversations?limit=1", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, data(t, body)["count"])

	// the sender hears about the read, and only the receiver may mark it
	bob := &recordingHandle{}
	e.registry.Register(ctx, "u2", bob)
	code, _ = e.as(t, "bob", http.MethodPut, "/v1/messages/"+first+"/read", "")
	assert.Equal(t, http.StatusForbidden, code)

	code, body = e.as(t, "ops", http.MethodPut, "/v1/messages/"+first+"/read", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, first, data(t, body)["message_id"])
	assert.Contains(t, bob.names(), presence.EventMessageRead)

	code, body = e.as(t, "ops", http.MethodGet, "/v1/messages/unread/count", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, data(t, body)["total_unread"])

	code, _ = e.as(t, "ops", http.MethodPut, "/v1/messages/missing/read", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDeleteMessageRoute(t *testing.T) {
	e := newEnv(t)
	out, err := e.svc.SendDirect(context.Background(), "u2", service.SendRequest{ReceiverID: "u1", Content: "oops"})
	require.NoError(t, err)
	id := out.Message.ID

	code, _ := e.as(t, "carol", http.MethodDelete, "/v1/messages/"+id, "")
	assert.Equal(t, http.StatusForbidden, code)

	code, body := e.as(t, "bob", http.MethodDelete, "/v1/messages/"+id, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "message deleted", body["message"])

	m, err := e.messages.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, m.IsDeleted)
	assert.Equal(t, "u2", m.DeletedBy)

	code, _ = e.as(t, "bob", http.MethodDelete, "/v1/messages/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
}
