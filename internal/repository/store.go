package repository

import (
	"context"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// ConversationStore persists conversations. Missing records return apperr NotFound;
// backend failures return apperr Storage.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c *domain.Conversation) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	// FindPrivateConversation returns the private conversation between a and b.
	FindPrivateConversation(ctx context.Context, a, b string) (*domain.Conversation, error)
	// ListConversations returns userID's conversations, most recently updated first.
	ListConversations(ctx context.Context, userID string) ([]*domain.Conversation, error)
	UpdateConversationProfile(ctx context.Context, id string, name, avatar *string, at time.Time) (*domain.Conversation, error)
	AddParticipant(ctx context.Context, id, userID string, at time.Time) (*domain.Conversation, error)
	RemoveParticipant(ctx context.Context, id, userID string, at time.Time) (*domain.Conversation, error)
	// DeleteConversation removes the conversation and all of its messages.
	DeleteConversation(ctx context.Context, id string) error

	// ApplyNewMessage increments the unread counter of every recipient by one and
	// points lastMessage at messageID unless a message sorting later is already there.
	// updatedAt only moves forward. Concurrent calls from several instances converge
	// on the newest message whatever order they land in.
	ApplyNewMessage(ctx context.Context, id, messageID string, recipients []string, at time.Time) (*domain.Conversation, error)
	ResetUnread(ctx context.Context, id, userID string) (*domain.Conversation, error)
	// SetLastMessage repoints lastMessage at a message created at `at`; an empty
	// messageID clears it.
	SetLastMessage(ctx context.Context, id, messageID string, at time.Time) (*domain.Conversation, error)

	// ContactsOf returns every user sharing at least one conversation with userID.
	ContactsOf(ctx context.Context, userID string) ([]string, error)
}

type MessageStore interface {
	InsertMessage(ctx context.Context, m *domain.Message) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	GetMessagesByIDs(ctx context.Context, ids []string) (map[string]*domain.Message, error)
	// ListMessages returns up to limit messages created before the cursor (zero means now),
	// oldest first.
	ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*domain.Message, error)
	// LatestMessage returns NotFound when the conversation has no messages.
	LatestMessage(ctx context.Context, conversationID string) (*domain.Message, error)
	DeleteMessage(ctx context.Context, id string) error

	// SetMessageStatus moves userID's status forward; it never downgrades.
	SetMessageStatus(ctx context.Context, id, userID string, status domain.DeliveryStatus) (*domain.Message, error)
	// UpsertReaction replaces userID's reaction or appends a new one.
	UpsertReaction(ctx context.Context, id string, r domain.Reaction) (*domain.Message, error)
}

type UserStore interface {
	// TouchLastSeen updates the durable last seen field on the user record.
	TouchLastSeen(ctx context.Context, userID string, at time.Time) error
}

type Store interface {
	ConversationStore
	MessageStore
	UserStore
}
