package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
	"github.com/fathima-sithara/realtime-service/internal/keylock"
	"github.com/fathima-sithara/realtime-service/internal/repository"
	"github.com/fathima-sithara/realtime-service/internal/router"
)

// EventSink receives domain events for downstream consumers. Emit must not block.
type EventSink interface {
	Emit(ctx context.Context, key, kind string, payload any)
}

// LifecycleNotifier announces conversation lifecycle changes to other services.
type LifecycleNotifier interface {
	ConversationEvent(kind string, c *domain.Conversation) error
}

const (
	EventMessageCreated  = "message.created"
	EventMessageDeleted  = "message.deleted"
	EventMessageStatus   = "message.status"
	EventMessageReaction = "message.reaction"

	LifecycleCreated = "created"
	LifecycleUpdated = "updated"
	LifecycleDeleted = "deleted"
)

type nopSink struct{}

func (nopSink) Emit(context.Context, string, string, any) {}

type nopLifecycle struct{}

func (nopLifecycle) ConversationEvent(string, *domain.Conversation) error { return nil }

type Options struct {
	Store     repository.Store
	Router    *router.Router
	Events    EventSink
	Lifecycle LifecycleNotifier
	NewID     func() string
	Now       func() time.Time
	Log       *zap.SugaredLogger
}

// deps is shared by every service so they serialize on the same conversation locks.
type deps struct {
	store     repository.Store
	router    *router.Router
	locks     *keylock.Locker
	events    EventSink
	lifecycle LifecycleNotifier
	newID     func() string
	now       func() time.Time
	log       *zap.SugaredLogger
}

func newUUID() string {
	// v7 keeps ids roughly time ordered, which makes them a usable tie breaker
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Services bundles the message pipeline, the status tracker and conversation management.
type Services struct {
	Messages      *MessageService
	Status        *StatusService
	Conversations *ConversationService
}

func New(o Options) *Services {
	d := &deps{
		store:     o.Store,
		router:    o.Router,
		locks:     keylock.New(),
		events:    o.Events,
		lifecycle: o.Lifecycle,
		newID:     o.NewID,
		now:       o.Now,
		log:       o.Log,
	}
	if d.events == nil {
		d.events = nopSink{}
	}
	if d.lifecycle == nil {
		d.lifecycle = nopLifecycle{}
	}
	if d.newID == nil {
		d.newID = newUUID
	}
	if d.now == nil {
		d.now = func() time.Time { return time.Now().UTC() }
	}
	if d.log == nil {
		d.log = zap.NewNop().Sugar()
	}
	return &Services{
		Messages:      &MessageService{d},
		Status:        &StatusService{d},
		Conversations: &ConversationService{d},
	}
}

func conversationKey(id string) string { return "conv:" + id }

// participantConversation loads a conversation and checks that userID belongs to it.
func (d *deps) participantConversation(ctx context.Context, conversationID, userID string) (*domain.Conversation, error) {
	if conversationID == "" {
		return nil, apperr.Validation("conversationId is required")
	}
	c, err := d.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, apperr.Forbidden("you are not a participant of this conversation")
	}
	return c, nil
}

// withLastMessage resolves the lastMessage projection. Lookup failures leave it empty.
func (d *deps) withLastMessage(ctx context.Context, c *domain.Conversation) *domain.Conversation {
	if c.LastMessageID == "" {
		return c
	}
	m, err := d.store.GetMessage(ctx, c.LastMessageID)
	if err != nil {
		d.log.Debugw("resolve last message", "conversation", c.ID, "err", err)
		return c
	}
	c.LastMessage = m
	return c
}

func (d *deps) lifecycleEvent(kind string, c *domain.Conversation) {
	if err := d.lifecycle.ConversationEvent(kind, c); err != nil {
		d.log.Warnw("lifecycle publish failed", "kind", kind, "conversation", c.ID, "err", err)
	}
}
