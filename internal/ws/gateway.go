// Package ws is the websocket push gateway: it authenticates connections,
// registers them with presence and serves the inbound events.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fathima-sithara/delivery-service/internal/auth"
	"github.com/fathima-sithara/delivery-service/internal/domain"
	"github.com/fathima-sithara/delivery-service/internal/metrics"
	"github.com/fathima-sithara/delivery-service/internal/presence"
	"github.com/fathima-sithara/delivery-service/internal/repository"
	"github.com/fathima-sithara/delivery-service/internal/service"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

const localsUser = "ws_user"

const genericSendError = "Failed to send message"

type Gateway struct {
	registry  *presence.Registry
	messages  *service.MessageService
	users     repository.UserRepository
	validator auth.TokenValidator
	opts      ClientOptions
	log       *zap.SugaredLogger
}

func NewGateway(registry *presence.Registry, messages *service.MessageService, users repository.UserRepository, validator auth.TokenValidator, opts ClientOptions, log *zap.SugaredLogger) *Gateway {
	return &Gateway{
		registry:  registry,
		messages:  messages,
		users:     users,
		validator: validator,
		opts:      opts,
		log:       log.Named("ws"),
	}
}

// Authenticate runs before the upgrade. The token comes from the "token"
// query parameter or an Authorization bearer header, and must resolve to an
// existing active user.
func (g *Gateway) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		token := c.Query("token")
		if token == "" {
			token = auth.BearerToken(c.Get(fiber.HeaderAuthorization))
		}
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "Authentication token required")
		}
		uid, err := g.validator.Validate(token)
		if err != nil {
			g.log.Debugw("token rejected", "error", err)
			return fiber.NewError(fiber.StatusUnauthorized, "Authentication failed")
		}
		user, err := g.users.GetByID(c.UserContext(), uid)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fiber.NewError(fiber.StatusUnauthorized, "Invalid user")
			}
			g.log.Errorw("load user for connection", "user_id", uid, "error", err)
			return fiber.ErrServiceUnavailable
		}
		if !user.IsActive {
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid user")
		}
		c.Locals(localsUser, user)
		return c.Next()
	}
}

// Handler upgrades the connection. Mount it after Authenticate.
func (g *Gateway) Handler() fiber.Handler {
	return websocket.New(g.serve)
}

func (g *Gateway) serve(conn *websocket.Conn) {
	user, ok := conn.Locals(localsUser).(*domain.User)
	if !ok {
		_ = conn.Close()
		return
	}
	client := NewClient(conn, user, g.opts)
	ctx := context.Background()

	g.connect(ctx, client)
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.writePump()
	}()
	client.readPump(func(raw []byte) { g.dispatch(ctx, client, raw) })
	client.close()
	<-done
	g.disconnect(ctx, client)
}

func (g *Gateway) connect(ctx context.Context, c *Client) {
	metrics.Connections.Inc()
	g.registry.Register(ctx, c.user.ID, c)
	_ = c.Emit(presence.EventConnectionSuccess, connectedEvent{
		Message:  "Connected successfully",
		User:     connectedUser{ID: c.user.ID, Username: c.user.Username, Email: c.user.Email},
		Instance: g.registry.Instance(),
	})
}

func (g *Gateway) disconnect(ctx context.Context, c *Client) {
	metrics.Connections.Dec()
	c.close()
	g.registry.Unregister(ctx, c.user.ID, c)
}

// dispatch handles one inbound frame. Frames from one connection are handled
// in order because the read loop calls it synchronously.
func (g *Gateway) dispatch(ctx context.Context, c *Client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		_ = c.Emit(presence.EventMessageError, presence.ErrorEvent{Error: "malformed event"})
		return
	}

	switch env.Event {
	case InSendMessage:
		g.sendMessage(ctx, c, env.Data)
	case InTypingStart:
		g.typing(ctx, c, env.Data, true)
	case InTypingStop:
		g.typing(ctx, c, env.Data, false)
	case InMarkAsRead:
		g.markRead(ctx, c, env.Data)
	case InDeleteMessage:
		g.deleteMessage(ctx, c, env.Data)
	default:
		_ = c.Emit(presence.EventMessageError, presence.ErrorEvent{Error: "unknown event " + env.Event})
	}
}

func (g *Gateway) sendMessage(ctx context.Context, c *Client, data json.RawMessage) {
	var req service.SendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		_ = c.Emit(presence.EventMessageError, presence.ErrorEvent{Error: "malformed send_message payload"})
		return
	}
	out, err := g.messages.SendDirect(ctx, c.user.ID, req)
	if err != nil {
		_ = c.Emit(presence.EventMessageError, presence.ErrorEvent{Error: userError(err)})
		if !errors.Is(err, domain.ErrValidation) {
			g.log.Errorw("send message failed", "sender_id", c.user.ID, "receiver_id", req.ReceiverID, "error", err)
		}
		return
	}

	g.registry.Push(ctx, out.Message.ReceiverID, presence.EventMessageReceived, presence.MessageEvent{
		Message:        out.Message,
		ConversationID: out.Conversation.ID,
	})
	_ = c.Emit(presence.EventMessageSent, sentAck{
		MessageID:      out.Message.ID,
		ConversationID: out.Conversation.ID,
		Timestamp:      out.Message.CreatedAt.Format(time.RFC3339Nano),
	})
	g.log.Infow("message sent", "message_id", out.Message.ID, "sender_id", c.user.ID, "receiver_id", out.Message.ReceiverID)
}

func (g *Gateway) typing(ctx context.Context, c *Client, data json.RawMessage, on bool) {
	var req typingRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ReceiverID == "" || req.ReceiverID == c.user.ID {
		return
	}
	g.registry.Push(ctx, req.ReceiverID, presence.EventUserTyping, presence.TypingEvent{
		UserID:   c.user.ID,
		Username: c.user.Username,
		IsTyping: on,
	})
}

func (g *Gateway) markRead(ctx context.Context, c *Client, data json.RawMessage) {
	var req readRequest
	if err := json.Unmarshal(data, &req); err != nil {
		_ = c.Emit(presence.EventMessageError, presence.ErrorEvent{Error: "malformed mark_as_read payload"})
		return
	}
	msg, conv, err := g.messages.MarkRead(ctx, c.user.ID, req.MessageID)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound) {
			g.log.Debugw("mark as read rejected", "user_id", c.user.ID, "message_id", req.MessageID, "error", err)
			return
		}
		g.log.Errorw("mark as read failed", "user_id", c.user.ID, "message_id", req.MessageID, "error", err)
		return
	}
	if req.SenderID != "" && req.SenderID != msg.SenderID {
		g.log.Debugw("mark as read counterpart mismatch", "claimed", req.SenderID, "stored", msg.SenderID)
	}

	ev := presence.ReadEvent{MessageID: msg.ID, ReaderID: c.user.ID}
	if msg.ReadAt != nil {
		ev.ReadAt = *msg.ReadAt
	}
	if conv != nil {
		ev.ConversationID = conv.ID
	}
	g.registry.Push(ctx, msg.SenderID, presence.EventMessageRead, ev)
}

func (g *Gateway) deleteMessage(ctx context.Context, c *Client, data json.RawMessage) {
	var req deleteRequest
	if err := json.Unmarshal(data, &req); err != nil {
		_ = c.Emit(presence.EventMessageError, presence.ErrorEvent{Error: "malformed delete_message payload"})
		return
	}
	if err := g.messages.SoftDelete(ctx, c.user.ID, req.MessageID); err != nil {
		_ = c.Emit(presence.EventMessageError, presence.ErrorEvent{Error: userError(err)})
		return
	}
	_ = c.Emit(presence.EventMessageDeleted, presence.DeletedEvent{
		MessageID: req.MessageID,
		DeletedBy: c.user.ID,
		At:        time.Now().UTC(),
	})
}

// userError is the text a client sees: the validation reason, or a fixed
// message for anything else.
func userError(err error) string {
	if errors.Is(err, domain.ErrValidation) {
		return domain.Reason(err)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return "message not found"
	}
	return genericSendError
}
