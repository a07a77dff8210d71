package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// MemoryStore is a process-local Store. Every read and write goes through deep copies.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*domain.Conversation
	messages      map[string]*domain.Message
	lastSeen      map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*domain.Conversation),
		messages:      make(map[string]*domain.Message),
		lastSeen:      make(map[string]time.Time),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateConversation(_ context.Context, c *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[c.ID]; exists {
		return apperr.Validationf("conversation %s already exists", c.ID)
	}
	cp := c.Clone()
	cp.LastMessage = nil
	cp.Normalize()
	s.conversations[c.ID] = cp
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, apperr.NotFound("conversation")
	}
	return c.Clone(), nil
}

func (s *MemoryStore) FindPrivateConversation(_ context.Context, a, b string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if c.Type == domain.ConversationPrivate && c.HasParticipant(a) && c.HasParticipant(b) {
			return c.Clone(), nil
		}
	}
	return nil, apperr.NotFound("conversation")
}

func (s *MemoryStore) ListConversations(_ context.Context, userID string) ([]*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*domain.Conversation{}
	for _, c := range s.conversations {
		if c.HasParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// mutate applies fn to the stored conversation under the write lock and returns a copy.
func (s *MemoryStore) mutate(id string, fn func(c *domain.Conversation)) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, apperr.NotFound("conversation")
	}
	fn(c)
	return c.Clone(), nil
}

func (s *MemoryStore) UpdateConversationProfile(_ context.Context, id string, name, avatar *string, at time.Time) (*domain.Conversation, error) {
	return s.mutate(id, func(c *domain.Conversation) {
		if name != nil {
			c.Name = *name
		}
		if avatar != nil {
			c.Avatar = *avatar
		}
		c.UpdatedAt = at
	})
}

func (s *MemoryStore) AddParticipant(_ context.Context, id, userID string, at time.Time) (*domain.Conversation, error) {
	return s.mutate(id, func(c *domain.Conversation) {
		if !c.HasParticipant(userID) {
			c.Participants = append(c.Participants, userID)
		}
		if _, ok := c.UnreadCount[userID]; !ok {
			c.UnreadCount[userID] = 0
		}
		c.UpdatedAt = at
	})
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, id, userID string, at time.Time) (*domain.Conversation, error) {
	return s.mutate(id, func(c *domain.Conversation) {
		c.Participants = c.Others(userID)
		delete(c.UnreadCount, userID)
		c.UpdatedAt = at
	})
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return apperr.NotFound("conversation")
	}
	delete(s.conversations, id)
	for mid, m := range s.messages {
		if m.ConversationID == id {
			delete(s.messages, mid)
		}
	}
	return nil
}

func (s *MemoryStore) ApplyNewMessage(_ context.Context, id, messageID string, recipients []string, at time.Time) (*domain.Conversation, error) {
	return s.mutate(id, func(c *domain.Conversation) {
		if c.Supersedes(messageID, at) {
			c.LastMessageID = messageID
			c.LastMessageAt = at
		}
		if at.After(c.UpdatedAt) {
			c.UpdatedAt = at
		}
		for _, r := range recipients {
			c.UnreadCount[r]++
		}
	})
}

func (s *MemoryStore) ResetUnread(_ context.Context, id, userID string) (*domain.Conversation, error) {
	return s.mutate(id, func(c *domain.Conversation) {
		c.UnreadCount[userID] = 0
	})
}

func (s *MemoryStore) SetLastMessage(_ context.Context, id, messageID string, at time.Time) (*domain.Conversation, error) {
	return s.mutate(id, func(c *domain.Conversation) {
		c.LastMessageID = messageID
		c.LastMessageAt = at
		if messageID == "" {
			c.LastMessageAt = time.Time{}
		}
	})
}

func (s *MemoryStore) ContactsOf(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]struct{}{}
	out := []string{}
	for _, c := range s.conversations {
		if !c.HasParticipant(userID) {
			continue
		}
		for _, p := range c.Others(userID) {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[m.ID]; exists {
		return apperr.Validationf("message %s already exists", m.ID)
	}
	cp := m.Clone()
	cp.Normalize()
	s.messages[m.ID] = cp
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, apperr.NotFound("message")
	}
	return m.Clone(), nil
}

func (s *MemoryStore) GetMessagesByIDs(_ context.Context, ids []string) (map[string]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*domain.Message, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out[id] = m.Clone()
		}
	}
	return out, nil
}

// messageLess orders by creation time, then id.
func messageLess(a, b *domain.Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string, before time.Time, limit int) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := []*domain.Message{}
	for _, m := range s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool { return messageLess(all[i], all[j]) })
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]*domain.Message, len(all))
	for i, m := range all {
		out[i] = m.Clone()
	}
	return out, nil
}

func (s *MemoryStore) LatestMessage(_ context.Context, conversationID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *domain.Message
	for _, m := range s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if latest == nil || messageLess(latest, m) {
			latest = m
		}
	}
	if latest == nil {
		return nil, apperr.NotFound("message")
	}
	return latest.Clone(), nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return apperr.NotFound("message")
	}
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) SetMessageStatus(_ context.Context, id, userID string, status domain.DeliveryStatus) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, apperr.NotFound("message")
	}
	m.ApplyStatus(userID, status)
	return m.Clone(), nil
}

func (s *MemoryStore) UpsertReaction(_ context.Context, id string, r domain.Reaction) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, apperr.NotFound("message")
	}
	m.UpsertReaction(r)
	m.UpdatedAt = r.CreatedAt
	return m.Clone(), nil
}

func (s *MemoryStore) TouchLastSeen(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen[userID] = at
	return nil
}

// LastSeen returns the durable last seen value recorded for userID.
func (s *MemoryStore) LastSeen(userID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.lastSeen[userID]
	return t, ok
}
