package service

import (
	"context"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
	"github.com/fathima-sithara/realtime-service/internal/metrics"
	"github.com/fathima-sithara/realtime-service/internal/protocol"
)

const (
	DefaultMessagePage = 50
	MaxMessagePage     = 200
)

type MessageService struct {
	*deps
}

// SendMessage validates, persists and fans out a message from a client.
func (s *MessageService) SendMessage(ctx context.Context, d domain.Draft) (*domain.Message, error) {
	if d.Type == domain.MessageSystem {
		return nil, apperr.Validation("system messages cannot be sent by clients")
	}
	return s.send(ctx, d, false)
}

// IngestSystemMessage runs a message from a trusted internal source through the same pipeline.
// The sender does not have to be a participant.
func (s *MessageService) IngestSystemMessage(ctx context.Context, d domain.Draft) (*domain.Message, error) {
	if d.SenderID == "" {
		d.SenderID = "system"
	}
	return s.send(ctx, d, true)
}

func (s *MessageService) send(ctx context.Context, d domain.Draft, trusted bool) (*domain.Message, error) {
	msg, err := domain.NewMessage(s.newID(), d, s.now())
	if err != nil {
		return nil, err
	}

	// persist, update and enqueue under one lock so every connection sees this
	// conversation's events in persistence order
	unlock := s.locks.Lock(conversationKey(msg.ConversationID))
	defer unlock()

	conv, err := s.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if !trusted && !conv.HasParticipant(msg.SenderID) {
		return nil, apperr.Forbidden("you are not a participant of this conversation")
	}
	if last := s.latestCreatedAt(ctx, conv); !msg.CreatedAt.After(last) {
		msg.CreatedAt = last.Add(time.Millisecond)
		msg.UpdatedAt = msg.CreatedAt
	}

	if err := s.store.InsertMessage(ctx, msg); err != nil {
		s.log.Errorw("persist message", "conversation", msg.ConversationID, "err", err)
		return nil, err
	}
	updated, err := s.store.ApplyNewMessage(ctx, conv.ID, msg.ID, conv.Others(msg.SenderID), msg.CreatedAt)
	if err != nil {
		s.log.Errorw("update conversation after message", "conversation", conv.ID, "message", msg.ID, "err", err)
		if derr := s.store.DeleteMessage(context.WithoutCancel(ctx), msg.ID); derr != nil {
			s.log.Errorw("roll back message", "message", msg.ID, "err", derr)
		}
		return nil, err
	}
	updated.LastMessage = msg

	s.router.PublishToConversation(ctx, updated, protocol.EventReceiveMessage,
		protocol.ReceiveMessage{Message: msg, Conversation: updated}, "")
	s.router.PublishToUsers(ctx, updated.Participants, protocol.EventConversationUpdated,
		protocol.ConversationUpdated{Conversation: updated}, "")

	metrics.MessagesSent.WithLabelValues(string(msg.Type)).Inc()
	s.events.Emit(ctx, msg.ConversationID, EventMessageCreated, msg)
	return msg, nil
}

// latestCreatedAt returns the creation time of the conversation's current last message.
func (s *MessageService) latestCreatedAt(ctx context.Context, c *domain.Conversation) time.Time {
	if c.LastMessageID == "" {
		return time.Time{}
	}
	m, err := s.store.GetMessage(ctx, c.LastMessageID)
	if err != nil {
		return time.Time{}
	}
	return m.CreatedAt
}

// ListMessages returns a page of the conversation, oldest first. before is an exclusive cursor.
func (s *MessageService) ListMessages(ctx context.Context, userID, conversationID string, limit int, before time.Time) ([]*domain.Message, error) {
	if _, err := s.participantConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultMessagePage
	case limit > MaxMessagePage:
		limit = MaxMessagePage
	}
	return s.store.ListMessages(ctx, conversationID, before, limit)
}

func (s *MessageService) GetMessage(ctx context.Context, userID, messageID string) (*domain.Message, error) {
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.participantConversation(ctx, m.ConversationID, userID); err != nil {
		return nil, err
	}
	return m, nil
}

// DeleteMessage lets the sender remove a message. The conversation's lastMessage
// falls back to the newest remaining one.
func (s *MessageService) DeleteMessage(ctx context.Context, userID, messageID string) error {
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID != userID {
		return apperr.Forbidden("not authorized to delete this message")
	}

	unlock := s.locks.Lock(conversationKey(m.ConversationID))
	defer unlock()

	conv, err := s.store.GetConversation(ctx, m.ConversationID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMessage(ctx, messageID); err != nil {
		return err
	}

	if conv.LastMessageID == messageID {
		next, nextAt := "", time.Time{}
		latest, err := s.store.LatestMessage(ctx, conv.ID)
		switch {
		case err == nil:
			next, nextAt = latest.ID, latest.CreatedAt
		case apperr.KindOf(err) != apperr.KindNotFound:
			return err
		}
		if conv, err = s.store.SetLastMessage(ctx, conv.ID, next, nextAt); err != nil {
			return err
		}
	}

	s.router.PublishToConversation(ctx, conv, protocol.EventMessageDeleted,
		protocol.MessageDeleted{MessageID: messageID, ConversationID: conv.ID}, "")
	s.router.PublishToUsers(ctx, conv.Participants, protocol.EventConversationUpdated,
		protocol.ConversationUpdated{Conversation: s.withLastMessage(ctx, conv)}, "")
	s.events.Emit(ctx, conv.ID, EventMessageDeleted, protocol.MessageDeleted{MessageID: messageID, ConversationID: conv.ID})
	return nil
}
