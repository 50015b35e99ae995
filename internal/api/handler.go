package api

import (
	"context"
	"errors"
	"time"

	"github.com/fathima-sithara/delivery-service/internal/scheduler"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type Handlers struct {
	deps Deps
	log  *zap.SugaredLogger
}

func (h *Handlers) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *Handlers) ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
	defer cancel()

	status := fiber.StatusOK
	checks := fiber.Map{}
	for _, chk := range h.deps.Checks {
		if err := chk.Ping(ctx); err != nil {
			h.log.Warnw("readiness check failed", "check", chk.Name, "error", err)
			checks[chk.Name] = err.Error()
			status = fiber.StatusServiceUnavailable
			continue
		}
		checks[chk.Name] = "ok"
	}
	state := "ok"
	if status != fiber.StatusOK {
		state = "degraded"
	}
	return c.Status(status).JSON(fiber.Map{"status": state, "checks": checks})
}

func (h *Handlers) systemStatus(c *fiber.Ctx) error {
	ctx := c.UserContext()
	stats, err := h.deps.Admission.Status(ctx)
	if err != nil {
		h.log.Errorw("queue status", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to get system status"})
	}
	online, err := h.deps.Registry.OnlineCount(ctx)
	if err != nil {
		h.log.Warnw("online count", "error", err)
	}
	return c.JSON(fiber.Map{"status": "ok", "data": fiber.Map{
		"instance":          h.deps.Registry.Instance(),
		"scheduler_running": h.deps.Scheduler.Started(),
		"services":          h.deps.Scheduler.Services(),
		"queue":             stats,
		"online_users":      online,
		"local_users":       len(h.deps.Registry.LocalUsers()),
		"timestamp":         time.Now().UTC(),
	}})
}

func (h *Handlers) services(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "data": fiber.Map{
		"scheduler_running": h.deps.Scheduler.Started(),
		"services":          h.deps.Scheduler.Services(),
	}})
}

func (h *Handlers) queueStatus(c *fiber.Ctx) error {
	stats, err := h.deps.Admission.Status(c.UserContext())
	if err != nil {
		h.log.Errorw("queue status", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to get queue status"})
	}
	return c.JSON(fiber.Map{"status": "ok", "data": stats})
}

func (h *Handlers) trigger(task string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := h.deps.Scheduler.Trigger(c.UserContext(), task)
		switch {
		case errors.Is(err, scheduler.ErrAlreadyRunning):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": task + " is already running"})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "ok", "message": task + " triggered"})
	}
}

func (h *Handlers) retryFailed(c *fiber.Ctx) error {
	res, err := h.deps.Admission.RetryFailed(c.UserContext())
	switch {
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "retry sweep already running"})
	case err != nil:
		h.log.Errorw("retry failed drafts", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to retry messages"})
	}
	return c.JSON(fiber.Map{"status": "ok", "data": res})
}

func (h *Handlers) testMessage(c *fiber.Ctx) error {
	var body struct {
		SenderID   string `json:"sender_id" validate:"required"`
		ReceiverID string `json:"receiver_id" validate:"required,nefield=SenderID"`
		Content    string `json:"content" validate:"max=1000"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	if err := validate.Struct(body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation failed", "fields": fieldErrors(err)})
	}
	if body.Content == "" {
		body.Content = "Test message"
	}
	job, err := h.deps.Consumer.SendTest(c.UserContext(), body.SenderID, body.ReceiverID, body.Content)
	if err != nil {
		h.log.Errorw("publish test message", "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "failed to publish test message"})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "ok", "data": job})
}

func (h *Handlers) onlineCount(c *fiber.Ctx) error {
	n, err := h.deps.Registry.OnlineCount(c.UserContext())
	if err != nil {
		h.log.Errorw("online count", "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "presence store unavailable"})
	}
	return c.JSON(fiber.Map{"status": "ok", "data": fiber.Map{"count": n}})
}

func (h *Handlers) onlineUsers(c *fiber.Ctx) error {
	users, err := h.deps.Registry.OnlineUsers(c.UserContext())
	if err != nil {
		h.log.Errorw("online users", "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "presence store unavailable"})
	}
	return c.JSON(fiber.Map{"status": "ok", "data": fiber.Map{"users": users, "count": len(users)}})
}

func (h *Handlers) userStatus(c *fiber.Ctx) error {
	uid := c.Params("user_id")
	if uid == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "user_id required"})
	}
	_, local := h.deps.Registry.RouteLocal(uid)
	return c.JSON(fiber.Map{"status": "ok", "data": fiber.Map{
		"user_id": uid,
		"online":  h.deps.Registry.IsReachable(c.UserContext(), uid),
		"local":   local,
	}})
}
