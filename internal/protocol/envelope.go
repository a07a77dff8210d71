package protocol

import (
	"encoding/json"
)

// Client to server events.
const (
	EventJoin                 = "join"
	EventLeave                = "leave"
	EventMessage              = "message"
	EventTyping               = "typing"
	EventUpdateMessageStatus  = "updateMessageStatus"
	EventUpdateUserStatus     = "updateUserStatus"
	EventMarkConversationRead = "markConversationRead"
	EventReact                = "react"
	EventPresence             = "presence"
)

// Server to client events.
const (
	EventReceiveMessage       = "receiveMessage"
	EventConversationUpdated  = "conversationUpdated"
	EventConversationDeleted  = "conversationDeleted"
	EventMessageStatusUpdated = "messageStatusUpdated"
	EventMessageReaction      = "messageReaction"
	EventMessageDeleted       = "messageDeleted"
	EventUserStatusChanged    = "userStatusChanged"
	EventPresenceSnapshot     = "presenceSnapshot"
	EventError                = "error"
)

// Envelope is the frame shape in both directions: {"event": "...", "data": {...}}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals data under the given event name.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(frame, &env)
	return env, err
}

type ErrorPayload struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}
