package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/fathima-sithara/delivery-service/internal/conversation"
	"github.com/fathima-sithara/delivery-service/internal/domain"
	"github.com/fathima-sithara/delivery-service/internal/presence"
	"github.com/fathima-sithara/delivery-service/internal/repository"
	"github.com/fathima-sithara/delivery-service/internal/service"
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

type harness struct {
	gw       *Gateway
	users    *repository.MemoryUserRepository
	messages *repository.MemoryMessageRepository
	convs    *repository.MemoryConversationRepository
	registry *presence.Registry
}

func newHarness() *harness {
	users := repository.NewMemoryUserRepository(
		&domain.User{ID: "alice", Username: "alice", IsActive: true},
		&domain.User{ID: "bob", Username: "bob", IsActive: true},
		&domain.User{ID: "carol", Username: "carol", IsActive: false},
		&domain.User{ID: "dave", Username: "dave", IsActive: true},
	)
	messages := repository.NewMemoryMessageRepository()
	convs := repository.NewMemoryConversationRepository()
	svc := service.NewMessageService(users, messages, conversation.NewAggregator(convs, nop), nop)
	registry := presence.NewRegistry("node-1", presence.NewMemorySet(), nil, users, nop)
	tokens := staticTokens{"t-alice": "alice", "t-carol": "carol", "t-ghost": "ghost"}
	return &harness{
		gw:       NewGateway(registry, svc, users, tokens, ClientOptions{}, nop),
		users:    users,
		messages: messages,
		convs:    convs,
		registry: registry,
	}
}

func (h *harness) connect(t *testing.T, id string) *Client {
	t.Helper()
	u, err := h.users.GetByID(context.Background(), id)
	require.NoError(t, err)
	c := NewClient(nil, u, ClientOptions{})
	h.gw.connect(context.Background(), c)
	return c
}

func (h *harness) send(c *Client, event string, data any) {
	b, _ := json.Marshal(data)
	raw, _ := json.Marshal(Envelope{Event: event, Data: b})
	h.gw.dispatch(context.Background(), c, raw)
}

// drain returns every event queued for c so far.
func drain(t *testing.T, c *Client) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case b := <-c.send:
			var env Envelope
			require.NoError(t, json.Unmarshal(b, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func find(envs []Envelope, event string) (Envelope, bool) {
	for _, e := range envs {
		if e.Event == event {
			return e, true
		}
	}
	return Envelope{}, false
}

func TestConnectAnnouncesPresence(t *testing.T) {
	h := newHarness()
	bob := h.connect(t, "bob")
	drain(t, bob)

	alice := h.connect(t, "alice")
	got, ok := find(drain(t, alice), presence.EventConnectionSuccess)
	require.True(t, ok)
	var ev connectedEvent
	require.NoError(t, json.Unmarshal(got.Data, &ev))
	assert.Equal(t, "alice", ev.User.ID)
	assert.Equal(t, "node-1", ev.Instance)

	online, ok := find(drain(t, bob), presence.EventUserOnline)
	require.True(t, ok)
	var st presence.StatusEvent
	require.NoError(t, json.Unmarshal(online.Data, &st))
	assert.Equal(t, "alice", st.UserID)

	h.gw.disconnect(context.Background(), alice)
	_, ok = find(drain(t, bob), presence.EventUserOffline)
	assert.True(t, ok)
	assert.False(t, h.registry.IsReachable(context.Background(), "alice"))
}

func TestSendMessageReachesReceiver(t *testing.T) {
	h := newHarness()
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	drain(t, alice)
	drain(t, bob)

	h.send(alice, InSendMessage, map[string]any{"receiver_id": "bob", "content": "hi bob"})

	ack, ok := find(drain(t, alice), presence.EventMessageSent)
	require.True(t, ok)
	var sent sentAck
	require.NoError(t, json.Unmarshal(ack.Data, &sent))
	assert.NotEmpty(t, sent.MessageID)

	recv, ok := find(drain(t, bob), presence.EventMessageReceived)
	require.True(t, ok)
	var ev presence.MessageEvent
	require.NoError(t, json.Unmarshal(recv.Data, &ev))
	assert.Equal(t, sent.MessageID, ev.Message.ID)
	assert.Equal(t, "hi bob", ev.Message.Content)
	assert.Equal(t, sent.ConversationID, ev.ConversationID)
	assert.False(t, ev.Auto)

	conv, err := h.convs.GetByID(context.Background(), sent.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.Unread("bob"))
	assert.Equal(t, 0, conv.Unread("alice"))
}

func TestSendMessageOfflineReceiverIsStored(t *testing.T) {
	h := newHarness()
	alice := h.connect(t, "alice")
	drain(t, alice)

	h.send(alice, InSendMessage, map[string]any{"receiver_id": "dave", "content": "later"})
	_, ok := find(drain(t, alice), presence.EventMessageSent)
	assert.True(t, ok)
	assert.Equal(t, 1, h.messages.Count())
}

func TestSendMessageErrors(t *testing.T) {
	cases := []struct {
		name string
		data any
		want string
	}{
		{"self", map[string]any{"receiver_id": "alice", "content": "me"}, "cannot send a message to yourself"},
		{"inactive receiver", map[string]any{"receiver_id": "carol", "content": "hey"}, "receiver not found or inactive"},
		{"unknown receiver", map[string]any{"receiver_id": "nobody", "content": "hey"}, "receiver not found or inactive"},
		{"empty content", map[string]any{"receiver_id": "bob", "content": "   "}, "message content is required"},
		{"bad payload", "not an object", "malformed send_message payload"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			alice := h.connect(t, "alice")
			drain(t, alice)

			h.send(alice, InSendMessage, tc.data)
			got, ok := find(drain(t, alice), presence.EventMessageError)
			require.True(t, ok)
			var ev presence.ErrorEvent
			require.NoError(t, json.Unmarshal(got.Data, &ev))
			assert.Equal(t, tc.want, ev.Error)
			assert.Equal(t, 0, h.messages.Count())
		})
	}
}

func TestTypingIsForwarded(t *testing.T) {
	h := newHarness()
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	drain(t, bob)

	h.send(alice, InTypingStart, typingRequest{ReceiverID: "bob"})
	h.send(alice, InTypingStop, typingRequest{ReceiverID: "bob"})

	envs := drain(t, bob)
	require.Len(t, envs, 2)
	var start, stop presence.TypingEvent
	require.NoError(t, json.Unmarshal(envs[0].Data, &start))
	require.NoError(t, json.Unmarshal(envs[1].Data, &stop))
	assert.Equal(t, presence.EventUserTyping, envs[0].Event)
	assert.True(t, start.IsTyping)
	assert.False(t, stop.IsTyping)
	assert.Equal(t, "alice", start.UserID)
	assert.Equal(t, 0, h.messages.Count())
}

func TestMarkAsReadNotifiesSender(t *testing.T) {
	h := newHarness()
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	h.send(alice, InSendMessage, map[string]any{"receiver_id": "bob", "content": "read me"})
	ack, _ := find(drain(t, alice), presence.EventMessageSent)
	var sent sentAck
	require.NoError(t, json.Unmarshal(ack.Data, &sent))
	drain(t, bob)

	// only the receiver may mark it
	h.send(alice, InMarkAsRead, readRequest{MessageID: sent.MessageID, SenderID: "bob"})
	_, ok := find(drain(t, bob), presence.EventMessageRead)
	assert.False(t, ok)

	h.send(bob, InMarkAsRead, readRequest{MessageID: sent.MessageID, SenderID: "alice"})
	got, ok := find(drain(t, alice), presence.EventMessageRead)
	require.True(t, ok)
	var ev presence.ReadEvent
	require.NoError(t, json.Unmarshal(got.Data, &ev))
	assert.Equal(t, sent.MessageID, ev.MessageID)
	assert.Equal(t, "bob", ev.ReaderID)
	assert.False(t, ev.ReadAt.IsZero())

	conv, err := h.convs.GetByID(context.Background(), sent.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.Unread("bob"))

	msg, err := h.messages.GetByID(context.Background(), sent.MessageID)
	require.NoError(t, err)
	assert.True(t, msg.IsRead)
}

func TestDeleteMessage(t *testing.T) {
	h := newHarness()
	alice := h.connect(t, "alice")
	dave := h.connect(t, "dave")
	h.send(alice, InSendMessage, map[string]any{"receiver_id": "bob", "content": "oops"})
	ack, _ := find(drain(t, alice), presence.EventMessageSent)
	var sent sentAck
	require.NoError(t, json.Unmarshal(ack.Data, &sent))
	drain(t, dave)

	h.send(dave, InDeleteMessage, deleteRequest{MessageID: sent.MessageID})
	_, ok := find(drain(t, dave), presence.EventMessageError)
	assert.True(t, ok)

	h.send(alice, InDeleteMessage, deleteRequest{MessageID: sent.MessageID})
	_, ok = find(drain(t, alice), presence.EventMessageDeleted)
	require.True(t, ok)
	msg, err := h.messages.GetByID(context.Background(), sent.MessageID)
	require.NoError(t, err)
	assert.True(t, msg.IsDeleted)
}

func TestMalformedAndUnknownEvents(t *testing.T) {
	h := newHarness()
	alice := h.connect(t, "alice")
	drain(t, alice)

	h.gw.dispatch(context.Background(), alice, []byte("{nope"))
	h.send(alice, "dance", nil)

	envs := drain(t, alice)
	require.Len(t, envs, 2)
	assert.Equal(t, presence.EventMessageError, envs[0].Event)
	assert.Equal(t, presence.EventMessageError, envs[1].Event)
}

func TestClientEmitAfterClose(t *testing.T) {
	c := NewClient(nil, &domain.User{ID: "u"}, ClientOptions{SendBuffer: 1})
	require.NoError(t, c.Emit("a", nil))
	assert.ErrorIs(t, c.Emit("b", nil), ErrSlowConsumer)
	c.close()
	c.close()
	assert.ErrorIs(t, c.Emit("c", nil), ErrClientClosed)
}

func TestAuthenticate(t *testing.T) {
	h := newHarness()
	app := fiber.New()
	app.Get("/v1/ws", h.gw.Authenticate(), func(c *fiber.Ctx) error {
		u := c.Locals(localsUser).(*domain.User)
		return c.SendString(u.ID)
	})

	upgrade := func(target, bearer string) int {
		req := httptest.NewRequest("GET", target, nil)
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", "websocket")
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusOK, upgrade("/v1/ws?token=t-alice", ""))
	assert.Equal(t, fiber.StatusOK, upgrade("/v1/ws", "t-alice"))
	assert.Equal(t, fiber.StatusUnauthorized, upgrade("/v1/ws", ""))
	assert.Equal(t, fiber.StatusUnauthorized, upgrade("/v1/ws?token=forged", ""))
	assert.Equal(t, fiber.StatusUnauthorized, upgrade("/v1/ws?token=t-carol", ""))
	assert.Equal(t, fiber.StatusUnauthorized, upgrade("/v1/ws?token=t-ghost", ""))

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/ws?token=t-alice", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
