package api

import (
	"errors"
	"time"

	"github.com/fathima-sithara/delivery-service/internal/domain"
	"github.com/fathima-sithara/delivery-service/internal/presence"
	"github.com/gofiber/fiber/v2"
)

const (
	defaultConversationPage = 20
	maxConversationPage     = 100
)

type conversationView struct {
	ID            string     `json:"id"`
	OtherUserID   string     `json:"other_user_id"`
	LastMessageID string     `json:"last_message_id,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	UnreadCount   int        `json:"unread_count"`
	CreatedAt     time.Time  `json:"created_at"`
}

func caller(c *fiber.Ctx) string {
	uid, _ := c.Locals("user_id").(string)
	return uid
}

func (h *Handlers) unreadCount(c *fiber.Ctx) error {
	out, err := h.deps.Messages.UnreadCount(c.UserContext(), caller(c))
	if err != nil {
		return h.messageError(c, "unread count", err)
	}
	return c.JSON(fiber.Map{"status": "ok", "data": out})
}

func (h *Handlers) conversations(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultConversationPage)
	if limit <= 0 || limit > maxConversationPage {
		limit = maxConversationPage
	}
	uid := caller(c)
	convs, err := h.deps.Messages.Conversations(c.UserContext(), uid, limit)
	if err != nil {
		return h.messageError(c, "list conversations", err)
	}
	views := make([]conversationView, 0, len(convs))
	for _, conv := range convs {
		views = append(views, conversationView{
			ID:            conv.ID,
			OtherUserID:   conv.Counterpart(uid),
			LastMessageID: conv.LastMessageID,
			LastMessageAt: conv.LastMessageAt,
			UnreadCount:   conv.Unread(uid),
			CreatedAt:     conv.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{"status": "ok", "data": fiber.Map{"conversations": views, "count": len(views)}})
}

func (h *Handlers) markRead(c *fiber.Ctx) error {
	ctx := c.UserContext()
	uid := caller(c)
	msg, conv, err := h.deps.Messages.MarkRead(ctx, uid, c.Params("id"))
	if err != nil {
		return h.messageError(c, "mark read", err)
	}
	ev := presence.ReadEvent{MessageID: msg.ID, ReaderID: uid}
	if msg.ReadAt != nil {
		ev.ReadAt = *msg.ReadAt
	}
	if conv != nil {
		ev.ConversationID = conv.ID
	}
	h.deps.Registry.Push(ctx, msg.SenderID, presence.EventMessageRead, ev)
	return c.JSON(fiber.Map{"status": "ok", "data": ev})
}

func (h *Handlers) deleteMessage(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.deps.Messages.SoftDelete(c.UserContext(), caller(c), id); err != nil {
		return h.messageError(c, "delete message", err)
	}
	return c.JSON(fiber.Map{"status": "ok", "message": "message deleted", "data": fiber.Map{"message_id": id}})
}

func (h *Handlers) messageError(c *fiber.Ctx, op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "message not found"})
	case errors.Is(err, domain.ErrNotReceiver), errors.Is(err, domain.ErrNotParticipant):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": domain.Reason(err)})
	case errors.Is(err, domain.ErrValidation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": domain.Reason(err)})
	}
	h.log.Errorw(op, "user_id", caller(c), "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to " + op})
}
