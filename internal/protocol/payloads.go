package protocol

import (
	"time"

	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// inbound

type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

type SendMessageRequest struct {
	ConversationID string              `json:"conversationId"`
	Text           string              `json:"text"`
	MessageType    domain.MessageType  `json:"messageType"`
	Attachments    []domain.Attachment `json:"attachments"`
	EmojiData      *domain.EmojiData   `json:"emojiData"`
}

func (r SendMessageRequest) Draft(senderID string) domain.Draft {
	return domain.Draft{
		ConversationID: r.ConversationID,
		SenderID:       senderID,
		Text:           r.Text,
		Type:           r.MessageType,
		Attachments:    r.Attachments,
		EmojiData:      r.EmojiData,
	}
}

type TypingRequest struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type UpdateMessageStatusRequest struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

type UpdateUserStatusRequest struct {
	Status string `json:"status"`
}

type ReactRequest struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type PresenceRequest struct {
	UserIDs []string `json:"userIds"`
}

// outbound

type ReceiveMessage struct {
	Message      *domain.Message      `json:"message"`
	Conversation *domain.Conversation `json:"conversation"`
}

type ConversationUpdated struct {
	Conversation *domain.Conversation `json:"conversation"`
}

type ConversationDeleted struct {
	ConversationID string `json:"conversationId"`
}

type MessageStatusUpdated struct {
	MessageID      string                `json:"messageId"`
	ConversationID string                `json:"conversationId"`
	UserID         string                `json:"userId"`
	Status         domain.DeliveryStatus `json:"status"`
}

type MessageReaction struct {
	MessageID      string          `json:"messageId"`
	ConversationID string          `json:"conversationId"`
	Reaction       domain.Reaction `json:"reaction"`
}

type MessageDeleted struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type UserStatusChanged struct {
	UserID   string                `json:"userId"`
	Status   domain.PresenceStatus `json:"status"`
	LastSeen time.Time             `json:"lastSeen"`
}

type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type PresenceEntry struct {
	Status   domain.PresenceStatus `json:"status"`
	LastSeen time.Time             `json:"lastSeen"`
}

type PresenceSnapshot struct {
	Users map[string]PresenceEntry `json:"users"`
}
