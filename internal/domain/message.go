package domain

import (
	"strings"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
)

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageVideo  MessageType = "video"
	MessageAudio  MessageType = "audio"
	MessageFile   MessageType = "file"
	MessageEmoji  MessageType = "emoji"
	MessageSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageAudio, MessageFile, MessageEmoji, MessageSystem:
		return true
	}
	return false
}

type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentFile  AttachmentKind = "file"
)

func (k AttachmentKind) Valid() bool {
	switch k {
	case AttachmentImage, AttachmentVideo, AttachmentAudio, AttachmentFile:
		return true
	}
	return false
}

type Attachment struct {
	URL          string         `bson:"url" json:"url"`
	Kind         AttachmentKind `bson:"type" json:"type"`
	ThumbnailURL string         `bson:"thumbnail_url,omitempty" json:"thumbnailUrl,omitempty"`
	Name         string         `bson:"name,omitempty" json:"name,omitempty"`
	Size         int64          `bson:"size,omitempty" json:"size,omitempty"`
}

type EmojiData struct {
	Emoji         string `bson:"emoji" json:"emoji"`
	SkinTone      string `bson:"skin_tone,omitempty" json:"skinTone,omitempty"`
	IsCustomEmoji bool   `bson:"is_custom_emoji" json:"isCustomEmoji"`
}

// DeliveryStatus is a recipient's view of a message. Statuses only move forward.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
	switch st := DeliveryStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusDelivered, StatusRead:
		return st, nil
	}
	return "", apperr.Validationf("invalid status %q (use delivered or read)", s)
}

type Reaction struct {
	UserID    string    `bson:"user_id" json:"userId"`
	Emoji     string    `bson:"emoji" json:"emoji"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}

type Message struct {
	ID             string                    `bson:"_id" json:"id"`
	ConversationID string                    `bson:"conversation_id" json:"conversationId"`
	SenderID       string                    `bson:"sender_id" json:"senderId"`
	Text           string                    `bson:"text" json:"text"`
	Type           MessageType               `bson:"message_type" json:"messageType"`
	Attachments    []Attachment              `bson:"attachments" json:"attachments"`
	EmojiData      *EmojiData                `bson:"emoji_data,omitempty" json:"emojiData,omitempty"`
	Status         map[string]DeliveryStatus `bson:"status" json:"status"`
	Reactions      []Reaction                `bson:"reactions" json:"reactions"`
	CreatedAt      time.Time                 `bson:"created_at" json:"createdAt"`
	UpdatedAt      time.Time                 `bson:"updated_at" json:"updatedAt"`
}

// Draft is an unvalidated message as submitted by a sender.
type Draft struct {
	ConversationID string
	SenderID       string
	Text           string
	Type           MessageType
	Attachments    []Attachment
	EmojiData      *EmojiData
}

// NewMessage validates a draft against its message type and builds the record to persist.
// Status and reactions start empty.
func NewMessage(id string, d Draft, now time.Time) (*Message, error) {
	if strings.TrimSpace(d.ConversationID) == "" {
		return nil, apperr.Validation("conversationId is required")
	}
	if d.SenderID == "" {
		return nil, apperr.Validation("sender is required")
	}
	typ := d.Type
	if typ == "" {
		typ = MessageText
	}
	if !typ.Valid() {
		return nil, apperr.Validationf("unknown messageType %q", d.Type)
	}
	text := strings.TrimSpace(d.Text)

	for i, a := range d.Attachments {
		if strings.TrimSpace(a.URL) == "" {
			return nil, apperr.Validationf("attachments[%d].url is required", i)
		}
		if !a.Kind.Valid() {
			return nil, apperr.Validationf("attachments[%d].type %q is invalid", i, a.Kind)
		}
		if a.Size < 0 {
			return nil, apperr.Validationf("attachments[%d].size must not be negative", i)
		}
	}

	var emoji *EmojiData
	if typ == MessageEmoji {
		if d.EmojiData == nil || strings.TrimSpace(d.EmojiData.Emoji) == "" {
			return nil, apperr.Validation("emoji message requires emojiData.emoji")
		}
		e := *d.EmojiData
		e.Emoji = strings.TrimSpace(e.Emoji)
		emoji = &e
	} else if text == "" && len(d.Attachments) == 0 {
		return nil, apperr.Validation("message must contain text or attachments")
	}

	attachments := make([]Attachment, len(d.Attachments))
	copy(attachments, d.Attachments)

	return &Message{
		ID:             id,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Text:           text,
		Type:           typ,
		Attachments:    attachments,
		EmojiData:      emoji,
		Status:         map[string]DeliveryStatus{},
		Reactions:      []Reaction{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Clone returns a deep copy safe to hand to another goroutine.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Attachments = append([]Attachment(nil), m.Attachments...)
	if out.Attachments == nil {
		out.Attachments = []Attachment{}
	}
	out.Reactions = append([]Reaction(nil), m.Reactions...)
	if out.Reactions == nil {
		out.Reactions = []Reaction{}
	}
	out.Status = make(map[string]DeliveryStatus, len(m.Status))
	for k, v := range m.Status {
		out.Status[k] = v
	}
	if m.EmojiData != nil {
		e := *m.EmojiData
		out.EmojiData = &e
	}
	return &out
}

// Normalize fills nil collections left by decoders.
func (m *Message) Normalize() {
	if m.Status == nil {
		m.Status = map[string]DeliveryStatus{}
	}
	if m.Reactions == nil {
		m.Reactions = []Reaction{}
	}
	if m.Attachments == nil {
		m.Attachments = []Attachment{}
	}
}

// ApplyStatus moves userID's status forward and reports whether it changed.
func (m *Message) ApplyStatus(userID string, st DeliveryStatus) bool {
	if m.Status == nil {
		m.Status = map[string]DeliveryStatus{}
	}
	if m.Status[userID].Rank() >= st.Rank() {
		return false
	}
	m.Status[userID] = st
	return true
}

// UpsertReaction replaces userID's reaction if present, otherwise appends one.
func (m *Message) UpsertReaction(r Reaction) {
	for i := range m.Reactions {
		if m.Reactions[i].UserID == r.UserID {
			m.Reactions[i].Emoji = r.Emoji
			m.Reactions[i].CreatedAt = r.CreatedAt
			return
		}
	}
	m.Reactions = append(m.Reactions, r)
}

// ReactionOf returns userID's live reaction.
func (m *Message) ReactionOf(userID string) (Reaction, bool) {
	for _, r := range m.Reactions {
		if r.UserID == userID {
			return r, true
		}
	}
	return Reaction{}, false
}
