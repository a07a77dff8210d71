package service

import (
	"context"
	"sort"
	"strings"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
	"github.com/fathima-sithara/realtime-service/internal/protocol"
)

type ConversationService struct {
	*deps
}

type CreateConversationInput struct {
	Participants []string
	Type         domain.ConversationType
	Name         string
	Avatar       string
}

// Create starts a conversation. The creator is always a participant. A private
// conversation holds exactly two users and is reused if the pair already has one;
// created reports whether a new record was written.
func (s *ConversationService) Create(ctx context.Context, creator string, in CreateConversationInput) (conv *domain.Conversation, created bool, err error) {
	if len(in.Participants) == 0 {
		return nil, false, apperr.Validation("participants are required")
	}
	typ := in.Type
	if typ == "" {
		typ = domain.ConversationGroup
	}
	if !typ.Valid() {
		return nil, false, apperr.Validationf("invalid conversation type %q", in.Type)
	}
	participants := domain.UniqueParticipants(append(append([]string{}, in.Participants...), creator))

	if typ == domain.ConversationPrivate {
		if len(participants) != 2 {
			return nil, false, apperr.Validation("a private conversation needs exactly two participants")
		}
		pair := append([]string(nil), participants...)
		sort.Strings(pair)
		unlock := s.locks.Lock("private:" + strings.Join(pair, ":"))
		defer unlock()

		existing, err := s.store.FindPrivateConversation(ctx, pair[0], pair[1])
		if err == nil {
			return s.withLastMessage(ctx, existing), false, nil
		}
		if apperr.KindOf(err) != apperr.KindNotFound {
			return nil, false, err
		}
	}

	now := s.now()
	unread := make(map[string]int, len(participants))
	for _, p := range participants {
		unread[p] = 0
	}
	conv = &domain.Conversation{
		ID:           s.newID(),
		Participants: participants,
		Type:         typ,
		Name:         strings.TrimSpace(in.Name),
		Avatar:       strings.TrimSpace(in.Avatar),
		CreatedBy:    creator,
		UnreadCount:  unread,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, false, err
	}

	s.router.PublishToUsers(ctx, conv.Participants, protocol.EventConversationUpdated,
		protocol.ConversationUpdated{Conversation: conv}, "")
	s.lifecycleEvent(LifecycleCreated, conv)
	return conv, true, nil
}

// List returns userID's conversations, most recently active first, with last messages resolved.
func (s *ConversationService) List(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		if c.LastMessageID != "" {
			ids = append(ids, c.LastMessageID)
		}
	}
	msgs, err := s.store.GetMessagesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range convs {
		c.LastMessage = msgs[c.LastMessageID]
	}
	return convs, nil
}

func (s *ConversationService) Get(ctx context.Context, userID, id string) (*domain.Conversation, error) {
	c, err := s.participantConversation(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	return s.withLastMessage(ctx, c), nil
}

// Update changes the display name and/or avatar. Nil fields are left alone.
func (s *ConversationService) Update(ctx context.Context, userID, id string, name, avatar *string) (*domain.Conversation, error) {
	if name == nil && avatar == nil {
		return nil, apperr.Validation("nothing to update")
	}
	unlock := s.locks.Lock(conversationKey(id))
	defer unlock()

	if _, err := s.participantConversation(ctx, id, userID); err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateConversationProfile(ctx, id, trimmed(name), trimmed(avatar), s.now())
	if err != nil {
		return nil, err
	}
	updated = s.withLastMessage(ctx, updated)
	s.router.PublishToUsers(ctx, updated.Participants, protocol.EventConversationUpdated,
		protocol.ConversationUpdated{Conversation: updated}, "")
	s.lifecycleEvent(LifecycleUpdated, updated)
	return updated, nil
}

func trimmed(p *string) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	return &v
}

// AddParticipant adds newUser to a group conversation. Adding an existing member is a no-op.
func (s *ConversationService) AddParticipant(ctx context.Context, userID, id, newUser string) (*domain.Conversation, error) {
	if strings.TrimSpace(newUser) == "" {
		return nil, apperr.Validation("userId is required")
	}
	unlock := s.locks.Lock(conversationKey(id))
	defer unlock()

	c, err := s.participantConversation(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if c.Type != domain.ConversationGroup {
		return nil, apperr.Validation("participants can only be added to group conversations")
	}
	if c.HasParticipant(newUser) {
		return s.withLastMessage(ctx, c), nil
	}
	updated, err := s.store.AddParticipant(ctx, id, newUser, s.now())
	if err != nil {
		return nil, err
	}
	updated = s.withLastMessage(ctx, updated)
	s.router.PublishToUsers(ctx, updated.Participants, protocol.EventConversationUpdated,
		protocol.ConversationUpdated{Conversation: updated}, "")
	s.lifecycleEvent(LifecycleUpdated, updated)
	return updated, nil
}

// RemoveParticipant takes target out of the conversation. Members may remove
// themselves; only the creator may remove someone else. A private conversation
// is deleted as soon as either side leaves, a group once it is empty.
// The returned conversation is nil when the conversation was deleted.
func (s *ConversationService) RemoveParticipant(ctx context.Context, userID, id, target string) (*domain.Conversation, error) {
	unlock := s.locks.Lock(conversationKey(id))
	defer unlock()

	c, err := s.participantConversation(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(target) {
		return nil, apperr.NotFound("participant")
	}
	if target != userID && c.CreatedBy != userID {
		return nil, apperr.Forbidden("only the creator can remove other participants")
	}

	if c.Type == domain.ConversationPrivate || len(c.Participants) <= 1 {
		return nil, s.deleteLocked(ctx, c)
	}

	updated, err := s.store.RemoveParticipant(ctx, id, target, s.now())
	if err != nil {
		return nil, err
	}
	if len(updated.Participants) == 0 {
		return nil, s.deleteLocked(ctx, updated)
	}
	updated = s.withLastMessage(ctx, updated)
	s.router.PublishToUsers(ctx, updated.Participants, protocol.EventConversationUpdated,
		protocol.ConversationUpdated{Conversation: updated}, "")
	// the removed user's devices drop the conversation from their list
	s.router.PublishToUsers(ctx, []string{target}, protocol.EventConversationDeleted,
		protocol.ConversationDeleted{ConversationID: id}, "")
	s.lifecycleEvent(LifecycleUpdated, updated)
	return updated, nil
}

func (s *ConversationService) Leave(ctx context.Context, userID, id string) error {
	_, err := s.RemoveParticipant(ctx, userID, id, userID)
	return err
}

// Delete hard-deletes a conversation and its messages. Any participant may do this.
func (s *ConversationService) Delete(ctx context.Context, userID, id string) error {
	unlock := s.locks.Lock(conversationKey(id))
	defer unlock()

	c, err := s.participantConversation(ctx, id, userID)
	if err != nil {
		return err
	}
	return s.deleteLocked(ctx, c)
}

func (s *ConversationService) deleteLocked(ctx context.Context, c *domain.Conversation) error {
	if err := s.store.DeleteConversation(ctx, c.ID); err != nil {
		return err
	}
	s.router.PublishToConversation(ctx, c, protocol.EventConversationDeleted,
		protocol.ConversationDeleted{ConversationID: c.ID}, "")
	s.lifecycleEvent(LifecycleDeleted, c)
	return nil
}
