// Package api exposes the HTTP surface: health, metrics, scheduler control,
// presence queries, the caller's message inbox and the websocket endpoint.
package api

import (
	"context"

	"github.com/fathima-sithara/delivery-service/internal/auth"
	"github.com/fathima-sithara/delivery-service/internal/delivery"
	"github.com/fathima-sithara/delivery-service/internal/metrics"
	"github.com/fathima-sithara/delivery-service/internal/presence"
	"github.com/fathima-sithara/delivery-service/internal/scheduler"
	"github.com/fathima-sithara/delivery-service/internal/service"
	"github.com/fathima-sithara/delivery-service/internal/ws"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
)

// Check is one dependency pinged by /v1/ready.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Deps struct {
	Scheduler *scheduler.Scheduler
	Admission *scheduler.Admission
	Consumer  *delivery.Consumer
	Registry  *presence.Registry
	Messages  *service.MessageService
	Gateway   *ws.Gateway
	Validator auth.TokenValidator
	Checks    []Check
	// Triggers limits the manual cron endpoints per caller; nil disables it.
	Triggers *RateLimiter
	// AccessLog enables the fiber request logger.
	AccessLog bool
}

func NewServer(d Deps, log *zap.SugaredLogger) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	app.Use(recover.New())
	app.Use(cors.New())
	if d.AccessLog {
		app.Use(logger.New())
	}
	h := &Handlers{deps: d, log: log.Named("api")}

	app.Get("/metrics", metrics.Handler())

	v1 := app.Group("/v1")
	v1.Get("/health", h.health)
	v1.Get("/ready", h.ready)
	v1.Get("/ws", d.Gateway.Authenticate(), d.Gateway.Handler())

	cron := v1.Group("/cron", bearer(d.Validator))
	cron.Get("/status", h.systemStatus)
	cron.Get("/services", h.services)
	cron.Get("/queue", h.queueStatus)
	limit := d.Triggers.MiddlewareByKey(byUser)
	cron.Post("/trigger/planning", limit, h.trigger(scheduler.TaskPlanning))
	cron.Post("/trigger/queue", limit, h.trigger(scheduler.TaskAdmission))
	cron.Post("/retry/failed", limit, h.retryFailed)
	cron.Post("/test-message", limit, h.testMessage)

	online := v1.Group("/online", bearer(d.Validator))
	online.Get("/count", h.onlineCount)
	online.Get("/users", h.onlineUsers)
	online.Get("/users/:user_id/status", h.userStatus)

	msgs := v1.Group("/messages", bearer(d.Validator))
	msgs.Get("/unread/count", h.unreadCount)
	msgs.Get("/conversations", h.conversations)
	msgs.Put("/:id/read", h.markRead)
	msgs.Delete("/:id", h.deleteMessage)

	return app
}

func bearer(jv auth.TokenValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		hdr := c.Get(fiber.HeaderAuthorization)
		if hdr == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing auth"})
		}
		token := auth.BearerToken(hdr)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid auth"})
		}
		sub, err := jv.Validate(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
		}
		c.Locals("user_id", sub)
		return c.Next()
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if fe, ok := err.(*fiber.Error); ok {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
