package api

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
	"github.com/fathima-sithara/realtime-service/internal/ephemeral"
	"github.com/fathima-sithara/realtime-service/internal/middleware"
	"github.com/fathima-sithara/realtime-service/internal/protocol"
	"github.com/fathima-sithara/realtime-service/internal/service"
)

// Handlers is the request-response surface. Every write goes through the same
// services as the websocket path, so fan-out is identical.
type Handlers struct {
	svc      *service.Services
	relay *ephemeral.Relay
	log   *zap.SugaredLogger
}

type createConversationReq struct {
	Participants []string                `json:"participants" validate:"required,min=1,dive,required"`
	Type         domain.ConversationType `json:"type" validate:"omitempty,oneof=private group"`
	Name         string                  `json:"name" validate:"max=100"`
	Avatar       string                  `json:"avatar" validate:"omitempty,url"`
}

type updateConversationReq struct {
	Name   *string `json:"name" validate:"omitempty,max=100"`
	Avatar *string `json:"avatar"`
}

type participantReq struct {
	UserID string `json:"userId" validate:"required"`
}

type statusReq struct {
	Status string `json:"status" validate:"required"`
}

type reactReq struct {
	Emoji string `json:"emoji" validate:"required,max=64"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json field names, not Go ones
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func bind(c *fiber.Ctx, v any) error {
	if err := c.BodyParser(v); err != nil {
		return apperr.Validation("invalid request body")
	}
	if err := validate.Struct(v); err != nil {
		var fes validator.ValidationErrors
		if errors.As(err, &fes) && len(fes) > 0 {
			return apperr.Validationf("%s failed %s", fes[0].Field(), fes[0].Tag())
		}
		return apperr.Validation("invalid request body")
	}
	return nil
}

func (h *Handlers) listConversations(c *fiber.Ctx) error {
	list, err := h.svc.Conversations.List(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"conversations": list})
}

func (h *Handlers) createConversation(c *fiber.Ctx) error {
	var req createConversationReq
	if err := bind(c, &req); err != nil {
		return err
	}
	conv, created, err := h.svc.Conversations.Create(c.UserContext(), middleware.UserID(c), service.CreateConversationInput{
		Participants: req.Participants,
		Type:         req.Type,
		Name:         req.Name,
		Avatar:       req.Avatar,
	})
	if err != nil {
		return err
	}
	code := fiber.StatusOK
	if created {
		code = fiber.StatusCreated
	}
	return c.Status(code).JSON(fiber.Map{"conversation": conv, "created": created})
}

func (h *Handlers) getConversation(c *fiber.Ctx) error {
	conv, err := h.svc.Conversations.Get(c.UserContext(), middleware.UserID(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"conversation": conv})
}

func (h *Handlers) updateConversation(c *fiber.Ctx) error {
	var req updateConversationReq
	if err := bind(c, &req); err != nil {
		return err
	}
	conv, err := h.svc.Conversations.Update(c.UserContext(), middleware.UserID(c), c.Params("id"), req.Name, req.Avatar)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"conversation": conv})
}

func (h *Handlers) deleteConversation(c *fiber.Ctx) error {
	if err := h.svc.Conversations.Delete(c.UserContext(), middleware.UserID(c), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handlers) addParticipant(c *fiber.Ctx) error {
	var req participantReq
	if err := bind(c, &req); err != nil {
		return err
	}
	conv, err := h.svc.Conversations.AddParticipant(c.UserContext(), middleware.UserID(c), c.Params("id"), req.UserID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"conversation": conv})
}

func (h *Handlers) removeParticipant(c *fiber.Ctx) error {
	conv, err := h.svc.Conversations.RemoveParticipant(c.UserContext(), middleware.UserID(c), c.Params("id"), c.Params("userId"))
	if err != nil {
		return err
	}
	if conv == nil {
		// the conversation did not survive the removal
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.JSON(fiber.Map{"conversation": conv})
}

func (h *Handlers) leaveConversation(c *fiber.Ctx) error {
	if err := h.svc.Conversations.Leave(c.UserContext(), middleware.UserID(c), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handlers) markConversationRead(c *fiber.Ctx) error {
	conv, err := h.svc.Status.MarkConversationRead(c.UserContext(), middleware.UserID(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"conversation": conv})
}

func (h *Handlers) listMessages(c *fiber.Ctx) error {
	var before time.Time
	if raw := strings.TrimSpace(c.Query("before")); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return apperr.Validation("before must be an RFC3339 timestamp")
		}
		before = t
	}
	msgs, err := h.svc.Messages.ListMessages(c.UserContext(), middleware.UserID(c), c.Params("id"), c.QueryInt("limit", 0), before)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

func (h *Handlers) sendMessage(c *fiber.Ctx) error {
	var req protocol.SendMessageRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	req.ConversationID = c.Params("id")
	m, err := h.svc.Messages.SendMessage(c.UserContext(), req.Draft(middleware.UserID(c)))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": m})
}

func (h *Handlers) getMessage(c *fiber.Ctx) error {
	m, err := h.svc.Messages.GetMessage(c.UserContext(), middleware.UserID(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"message": m})
}

func (h *Handlers) deleteMessage(c *fiber.Ctx) error {
	if err := h.svc.Messages.DeleteMessage(c.UserContext(), middleware.UserID(c), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handlers) updateMessageStatus(c *fiber.Ctx) error {
	var req statusReq
	if err := bind(c, &req); err != nil {
		return err
	}
	st, err := domain.ParseDeliveryStatus(req.Status)
	if err != nil {
		return err
	}
	m, err := h.svc.Status.UpdateStatus(c.UserContext(), middleware.UserID(c), c.Params("id"), st)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"message": m})
}

func (h *Handlers) react(c *fiber.Ctx) error {
	var req reactReq
	if err := bind(c, &req); err != nil {
		return err
	}
	r, err := h.svc.Status.React(c.UserContext(), middleware.UserID(c), c.Params("id"), req.Emoji)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"reaction": r})
}

// getPresence answers from this instance, falling back to the shared mirror for
// users whose connections live elsewhere.
func (h *Handlers) getPresence(c *fiber.Ctx) error {
	uid := c.Params("userId")
	entry := protocol.PresenceEntry{Status: domain.PresenceOffline}
	if h.relay != nil {
		if e, ok := h.relay.Snapshot(c.UserContext(), []string{uid})[uid]; ok {
			entry = e
		}
	}
	return c.JSON(fiber.Map{"userId": uid, "status": entry.Status, "lastSeen": entry.LastSeen})
}
