package router

import (
	"context"

	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/domain"
	"github.com/fathima-sithara/realtime-service/internal/hub"
	"github.com/fathima-sithara/realtime-service/internal/protocol"
)

type ConversationReader interface {
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
}

// Router owns conversation subscriptions and resolves who an event is for.
// Join and Leave do no participant check; writes are authorized by the services.
type Router struct {
	hub   *hub.Hub
	convs ConversationReader
	log   *zap.SugaredLogger
}

func New(h *hub.Hub, convs ConversationReader, log *zap.SugaredLogger) *Router {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Router{hub: h, convs: convs, log: log}
}

func (r *Router) Join(connID, conversationID string) bool {
	return r.hub.Join(connID, hub.ConversationGroup(conversationID))
}

func (r *Router) Leave(connID, conversationID string) bool {
	return r.hub.Leave(connID, hub.ConversationGroup(conversationID))
}

// ResolveAudience returns the persisted participant set of a conversation.
func (r *Router) ResolveAudience(ctx context.Context, conversationID string) ([]string, error) {
	c, err := r.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), c.Participants...), nil
}

// Groups is the fan-out target for a conversation: its group plus every participant's personal group.
func Groups(c *domain.Conversation) []string {
	out := make([]string, 0, len(c.Participants)+1)
	out = append(out, hub.ConversationGroup(c.ID))
	for _, p := range c.Participants {
		out = append(out, hub.PersonalGroup(p))
	}
	return out
}

func PersonalGroups(userIDs []string) []string {
	out := make([]string, 0, len(userIDs))
	for _, u := range userIDs {
		out = append(out, hub.PersonalGroup(u))
	}
	return out
}

// PublishToConversation sends event to every live connection of every participant,
// plus any connection subscribed to the conversation group. Each connection gets it once.
func (r *Router) PublishToConversation(ctx context.Context, c *domain.Conversation, event string, data any, excludeConn string) int {
	return r.publish(ctx, Groups(c), event, data, excludeConn)
}

// PublishToUsers targets personal groups only.
func (r *Router) PublishToUsers(ctx context.Context, userIDs []string, event string, data any, excludeConn string) int {
	return r.publish(ctx, PersonalGroups(userIDs), event, data, excludeConn)
}

// PublishToConn sends event to a single connection.
func (r *Router) PublishToConn(ctx context.Context, connID, event string, data any) int {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		r.log.Errorw("encode event", "event", event, "err", err)
		return 0
	}
	return r.hub.SendTo(connID, frame)
}

func (r *Router) publish(ctx context.Context, groups []string, event string, data any, excludeConn string) int {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		r.log.Errorw("encode event", "event", event, "err", err)
		return 0
	}
	return r.hub.Publish(ctx, groups, excludeConn, frame)
}
