package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
	"github.com/fathima-sithara/realtime-service/internal/hub"
	"github.com/fathima-sithara/realtime-service/internal/protocol"
)

const handlerTimeout = 15 * time.Second

// Dispatch handles one inbound frame. Failures go back to this connection only as
// an error event; nothing is fanned out for them.
func (g *Gateway) Dispatch(ctx context.Context, client *hub.Client, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil || env.Event == "" {
		g.replyError(ctx, client, "", "malformed frame")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	if err := g.handle(ctx, client, env); err != nil {
		if k := apperr.KindOf(err); k == apperr.KindStorage || k == apperr.KindInternal {
			g.log.Errorw("ws handler failed", "event", env.Event, "user", client.UserID, "err", err)
		}
		g.replyError(ctx, client, env.Event, apperr.PublicMessage(err))
	}
}

func (g *Gateway) handle(ctx context.Context, client *hub.Client, env protocol.Envelope) error {
	switch env.Event {
	case protocol.EventJoin, protocol.EventLeave:
		var req protocol.ConversationRef
		if err := decode(env, &req); err != nil {
			return err
		}
		if req.ConversationID == "" {
			return apperr.Validation("conversationId is required")
		}
		if env.Event == protocol.EventJoin {
			g.router.Join(client.ID, req.ConversationID)
		} else {
			g.router.Leave(client.ID, req.ConversationID)
		}
		return nil

	case protocol.EventMessage:
		var req protocol.SendMessageRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		_, err := g.svc.Messages.SendMessage(ctx, req.Draft(client.UserID))
		return err

	case protocol.EventTyping:
		var req protocol.TypingRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		return g.relay.Typing(ctx, client.UserID, client.ID, req)

	case protocol.EventUpdateMessageStatus:
		var req protocol.UpdateMessageStatusRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		st, err := domain.ParseDeliveryStatus(req.Status)
		if err != nil {
			return err
		}
		_, err = g.svc.Status.UpdateStatus(ctx, client.UserID, req.MessageID, st)
		return err

	case protocol.EventUpdateUserStatus:
		var req protocol.UpdateUserStatusRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		st, err := domain.ParsePresenceStatus(req.Status)
		if err != nil {
			return err
		}
		return g.relay.SetManualStatus(ctx, client.UserID, st)

	case protocol.EventMarkConversationRead:
		var req protocol.ConversationRef
		if err := decode(env, &req); err != nil {
			return err
		}
		_, err := g.svc.Status.MarkConversationRead(ctx, client.UserID, req.ConversationID)
		return err

	case protocol.EventReact:
		var req protocol.ReactRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		_, err := g.svc.Status.React(ctx, client.UserID, req.MessageID, req.Emoji)
		return err

	case protocol.EventPresence:
		var req protocol.PresenceRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		g.router.PublishToConn(ctx, client.ID, protocol.EventPresenceSnapshot,
			protocol.PresenceSnapshot{Users: g.relay.Snapshot(ctx, req.UserIDs)})
		return nil
	}
	return apperr.Validationf("unknown event %q", env.Event)
}

func decode(env protocol.Envelope, v any) error {
	if len(env.Data) == 0 {
		return apperr.Validation("missing data")
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return apperr.Validationf("invalid %s payload", env.Event)
	}
	return nil
}

func (g *Gateway) replyError(ctx context.Context, client *hub.Client, event, msg string) {
	g.router.PublishToConn(ctx, client.ID, protocol.EventError, protocol.ErrorPayload{Message: msg, Event: event})
}
