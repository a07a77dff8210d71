package service

import (
	"context"
	"strings"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
	"github.com/fathima-sithara/realtime-service/internal/protocol"
)

type StatusService struct {
	*deps
}

// messageInConversation loads a message and checks userID participates in its conversation.
func (s *StatusService) messageInConversation(ctx context.Context, messageID, userID string) (*domain.Message, *domain.Conversation, error) {
	if messageID == "" {
		return nil, nil, apperr.Validation("messageId is required")
	}
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	c, err := s.participantConversation(ctx, m.ConversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	return m, c, nil
}

// UpdateStatus records userID's delivery status on a message and broadcasts the
// effective status. A status never moves backwards, so a late "delivered" after
// "read" is reported as "read".
func (s *StatusService) UpdateStatus(ctx context.Context, userID, messageID string, status domain.DeliveryStatus) (*domain.Message, error) {
	if status != domain.StatusDelivered && status != domain.StatusRead {
		return nil, apperr.Validationf("invalid status %q (use delivered or read)", status)
	}
	m, _, err := s.messageInConversation(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if m.SenderID == userID {
		return nil, apperr.Validation("cannot update status of your own message")
	}

	unlock := s.locks.Lock(conversationKey(m.ConversationID))
	defer unlock()

	// re-read under the lock; membership may have changed
	conv, err := s.participantConversation(ctx, m.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.SetMessageStatus(ctx, messageID, userID, status)
	if err != nil {
		return nil, err
	}

	ev := protocol.MessageStatusUpdated{
		MessageID:      updated.ID,
		ConversationID: updated.ConversationID,
		UserID:         userID,
		Status:         updated.Status[userID],
	}
	s.router.PublishToConversation(ctx, conv, protocol.EventMessageStatusUpdated, ev, "")
	s.events.Emit(ctx, conv.ID, EventMessageStatus, ev)
	return updated, nil
}

func (s *StatusService) MarkDelivered(ctx context.Context, userID, messageID string) (*domain.Message, error) {
	return s.UpdateStatus(ctx, userID, messageID, domain.StatusDelivered)
}

func (s *StatusService) MarkRead(ctx context.Context, userID, messageID string) (*domain.Message, error) {
	return s.UpdateStatus(ctx, userID, messageID, domain.StatusRead)
}

// MarkConversationRead resets userID's unread counter. Per-message statuses are left as they are.
// Only the caller's own devices are told, since the counter is private to them.
func (s *StatusService) MarkConversationRead(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	if conversationID == "" {
		return nil, apperr.Validation("conversationId is required")
	}
	unlock := s.locks.Lock(conversationKey(conversationID))
	defer unlock()

	if _, err := s.participantConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	updated, err := s.store.ResetUnread(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	updated = s.withLastMessage(ctx, updated)
	s.router.PublishToUsers(ctx, []string{userID}, protocol.EventConversationUpdated,
		protocol.ConversationUpdated{Conversation: updated}, "")
	return updated, nil
}

// React sets userID's single reaction on a message, replacing any earlier one.
// Recipients get only the changed reaction and merge it by user.
func (s *StatusService) React(ctx context.Context, userID, messageID, emoji string) (*domain.Reaction, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, apperr.Validation("emoji is required")
	}
	m, _, err := s.messageInConversation(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(conversationKey(m.ConversationID))
	defer unlock()

	conv, err := s.participantConversation(ctx, m.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.UpsertReaction(ctx, messageID, domain.Reaction{UserID: userID, Emoji: emoji, CreatedAt: s.now()})
	if err != nil {
		return nil, err
	}
	r, ok := updated.ReactionOf(userID)
	if !ok {
		return nil, apperr.Storage("react", apperr.NotFound("reaction"))
	}

	ev := protocol.MessageReaction{MessageID: messageID, ConversationID: conv.ID, Reaction: r}
	s.router.PublishToConversation(ctx, conv, protocol.EventMessageReaction, ev, "")
	s.events.Emit(ctx, conv.ID, EventMessageReaction, ev)
	return &r, nil
}
