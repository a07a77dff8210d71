package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/ephemeral"
	"github.com/fathima-sithara/realtime-service/internal/metrics"
	"github.com/fathima-sithara/realtime-service/internal/middleware"
	"github.com/fathima-sithara/realtime-service/internal/service"
	"github.com/fathima-sithara/realtime-service/internal/ws"
)

type Deps struct {
	Services  *service.Services
	Gateway   *ws.Gateway
	Relay     *ephemeral.Relay
	Validator middleware.TokenValidator
	Limiter   *middleware.RateLimiter
	Log       *zap.SugaredLogger
	// AccessLog enables the fiber request logger.
	AccessLog bool
}

func NewServer(d Deps) *fiber.App {
	log := d.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	app := fiber.New(fiber.Config{
		AppName:               "realtime-service",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(log),
	})
	app.Use(recover.New())
	app.Use(cors.New())
	if d.AccessLog {
		app.Use(logger.New())
	}

	h := &Handlers{svc: d.Services, relay: d.Relay, log: log}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	if d.Gateway != nil {
		app.Get("/ws", d.Gateway.Upgrade(), d.Gateway.Handler())
	}

	v1 := app.Group("/v1", middleware.JWTAuth(d.Validator))
	if d.Limiter != nil {
		v1.Use(d.Limiter.MiddlewareByKey(middleware.UserOrIP))
	}

	v1.Get("/conversations", h.listConversations)
	v1.Post("/conversations", h.createConversation)
	v1.Get("/conversations/:id", h.getConversation)
	v1.Patch("/conversations/:id", h.updateConversation)
	v1.Delete("/conversations/:id", h.deleteConversation)
	v1.Post("/conversations/:id/participants", h.addParticipant)
	v1.Delete("/conversations/:id/participants/:userId", h.removeParticipant)
	v1.Post("/conversations/:id/leave", h.leaveConversation)
	v1.Post("/conversations/:id/read", h.markConversationRead)
	v1.Get("/conversations/:id/messages", h.listMessages)
	v1.Post("/conversations/:id/messages", h.sendMessage)

	v1.Get("/messages/:id", h.getMessage)
	v1.Delete("/messages/:id", h.deleteMessage)
	v1.Post("/messages/:id/status", h.updateMessageStatus)
	v1.Post("/messages/:id/reactions", h.react)

	v1.Get("/presence/:userId", h.getPresence)

	return app
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindAuth:
		return fiber.StatusUnauthorized
	case apperr.KindValidation:
		return fiber.StatusBadRequest
	case apperr.KindForbidden:
		return fiber.StatusForbidden
	case apperr.KindNotFound:
		return fiber.StatusNotFound
	}
	return fiber.StatusInternalServerError
}

func errorHandler(log *zap.SugaredLogger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
		}
		code := statusFor(err)
		if code == fiber.StatusInternalServerError {
			log.Errorw("request failed", "method", c.Method(), "path", c.Path(), "err", err)
		}
		return c.Status(code).JSON(fiber.Map{"error": apperr.PublicMessage(err)})
	}
}
