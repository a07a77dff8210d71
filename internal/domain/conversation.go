package domain

import (
	"time"
)

type ConversationType string

const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
)

func (t ConversationType) Valid() bool {
	return t == ConversationPrivate || t == ConversationGroup
}

type Conversation struct {
	ID            string           `bson:"_id" json:"id"`
	Participants  []string         `bson:"participants" json:"participants"`
	Type          ConversationType `bson:"type" json:"type"`
	Name          string           `bson:"name,omitempty" json:"name,omitempty"`
	Avatar        string           `bson:"avatar,omitempty" json:"avatar,omitempty"`
	CreatedBy     string           `bson:"created_by" json:"createdBy"`
	LastMessageID string           `bson:"last_message_id,omitempty" json:"lastMessageId,omitempty"`
	LastMessageAt time.Time        `bson:"last_message_at,omitempty" json:"-"`
	UnreadCount   map[string]int   `bson:"unread_count" json:"unreadCount"`
	CreatedAt     time.Time        `bson:"created_at" json:"createdAt"`
	UpdatedAt     time.Time        `bson:"updated_at" json:"updatedAt"`

	// LastMessage is resolved for projections and never stored.
	LastMessage *Message `bson:"-" json:"lastMessage,omitempty"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Others returns every participant except userID.
func (c *Conversation) Others(userID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}

// Supersedes reports whether a message created at `at` with id messageID sorts after
// the conversation's current last message, using the same order as message history.
func (c *Conversation) Supersedes(messageID string, at time.Time) bool {
	if c.LastMessageID == "" || at.After(c.LastMessageAt) {
		return true
	}
	return at.Equal(c.LastMessageAt) && messageID > c.LastMessageID
}

func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	out.UnreadCount = make(map[string]int, len(c.UnreadCount))
	for k, v := range c.UnreadCount {
		out.UnreadCount[k] = v
	}
	out.LastMessage = c.LastMessage.Clone()
	return &out
}

func (c *Conversation) Normalize() {
	if c.UnreadCount == nil {
		c.UnreadCount = map[string]int{}
	}
	if c.Participants == nil {
		c.Participants = []string{}
	}
}

// UniqueParticipants drops empty and duplicate ids, keeping first-seen order.
func UniqueParticipants(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
