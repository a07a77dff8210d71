package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/auth"
	"github.com/fathima-sithara/realtime-service/internal/domain"
	"github.com/fathima-sithara/realtime-service/internal/ephemeral"
	"github.com/fathima-sithara/realtime-service/internal/hub"
	"github.com/fathima-sithara/realtime-service/internal/presence"
	"github.com/fathima-sithara/realtime-service/internal/protocol"
	"github.com/fathima-sithara/realtime-service/internal/repository"
	"github.com/fathima-sithara/realtime-service/internal/router"
	"github.com/fathima-sithara/realtime-service/internal/service"
)

const testSecret = "gateway-secret"

type fixture struct {
	gw       *Gateway
	hub      *hub.Hub
	relay    *ephemeral.Relay
	store    *repository.MemoryStore
	registry *presence.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	now := time.Now().UTC()
	require.NoError(t, store.CreateConversation(context.Background(), &domain.Conversation{
		ID: "X", Participants: []string{"A", "B"}, Type: domain.ConversationPrivate,
		UnreadCount: map[string]int{"A": 0, "B": 0}, CreatedAt: now, UpdatedAt: now,
	}))

	h := hub.NewHub(64, nil)
	rt := router.New(h, store, nil)
	relay := ephemeral.New(rt, store, nil, nil)
	reg := presence.NewRegistry(relay.PresenceChanged)
	relay.AttachRegistry(reg)
	v, err := auth.NewJWTValidatorHS256(testSecret)
	require.NoError(t, err)

	gw := NewGateway(Deps{
		Hub:       h,
		Router:    rt,
		Registry:  reg,
		Relay:     relay,
		Services:  service.New(service.Options{Store: store, Router: rt}),
		Validator: v,
	}, Options{})
	return &fixture{gw: gw, hub: h, relay: relay, store: store, registry: reg}
}

func token(t *testing.T, sub string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub, "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	b, err := protocol.Encode(event, data)
	require.NoError(t, err)
	return b
}

func drain(c *hub.Client) []protocol.Envelope {
	var out []protocol.Envelope
	for {
		select {
		case b, ok := <-c.Send():
			if !ok {
				return out
			}
			env, err := protocol.Decode(b)
			if err == nil {
				out = append(out, env)
			}
		default:
			return out
		}
	}
}

func find(envs []protocol.Envelope, event string) (protocol.Envelope, bool) {
	for _, e := range envs {
		if e.Event == event {
			return e, true
		}
	}
	return protocol.Envelope{}, false
}

func errorOf(t *testing.T, envs []protocol.Envelope) protocol.ErrorPayload {
	t.Helper()
	env, ok := find(envs, protocol.EventError)
	require.True(t, ok, "expected an error event")
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	return p
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)

	uid, err := f.gw.Authenticate(token(t, "A"))
	require.NoError(t, err)
	assert.Equal(t, "A", uid)

	_, err = f.gw.Authenticate("")
	assert.ErrorIs(t, err, apperr.ErrAuth)

	_, err = f.gw.Authenticate("not.a.jwt")
	assert.ErrorIs(t, err, apperr.ErrAuth)
}

func TestUpgradeRejectsBeforeSwitch(t *testing.T) {
	f := newFixture(t)
	app := fiber.New()
	app.Get("/ws", f.gw.Upgrade(), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals(localUserID).(string))
	})

	plain := httptest.NewRequest("GET", "/ws", nil)
	resp, err := app.Test(plain)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req = httptest.NewRequest("GET", "/ws?token="+token(t, "B"), nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	req = httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Authorization", "Bearer "+token(t, "A"))
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestOpenAndCloseTrackPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c1 := f.gw.Open(ctx, "A")
	c2 := f.gw.Open(ctx, "A")
	assert.True(t, f.registry.IsOnline("A"))

	f.gw.Close(ctx, c1)
	assert.True(t, f.registry.IsOnline("A"))

	f.gw.Close(ctx, c2)
	f.gw.Close(ctx, c2)
	assert.False(t, f.registry.IsOnline("A"))
	assert.Equal(t, domain.PresenceOffline, f.registry.Get("A").Status)
}

func TestCloseAfterHubShutdownReleasesPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c1 := f.gw.Open(ctx, "A")
	c2 := f.gw.Open(ctx, "A")
	f.relay.Flush(ctx)

	f.hub.Close()
	f.gw.Close(ctx, c1)
	f.gw.Close(ctx, c2)
	f.gw.Close(ctx, c2)
	f.relay.Flush(ctx)

	assert.False(t, f.registry.IsOnline("A"))
	assert.Equal(t, domain.PresenceOffline, f.relay.Snapshot(ctx, []string{"A"})["A"].Status)
	require.NoError(t, f.gw.Wait(ctx))
}

func TestDispatchMessageReachesParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.gw.Open(ctx, "A")
	b := f.gw.Open(ctx, "B")
	drain(a)
	drain(b)

	f.gw.Dispatch(ctx, a, frame(t, protocol.EventMessage, protocol.SendMessageRequest{
		ConversationID: "X", Text: "hello", MessageType: domain.MessageText,
	}))

	env, ok := find(drain(b), protocol.EventReceiveMessage)
	require.True(t, ok)
	var got protocol.ReceiveMessage
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "hello", got.Message.Text)
	assert.Equal(t, "A", got.Message.SenderID)
	assert.Equal(t, 1, got.Conversation.UnreadCount["B"])
}

func TestDispatchErrorsGoToCallerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	outsider := f.gw.Open(ctx, "C")
	b := f.gw.Open(ctx, "B")
	drain(outsider)
	drain(b)

	f.gw.Dispatch(ctx, outsider, frame(t, protocol.EventMessage, protocol.SendMessageRequest{
		ConversationID: "X", Text: "sneaky", MessageType: domain.MessageText,
	}))
	p := errorOf(t, drain(outsider))
	assert.Equal(t, protocol.EventMessage, p.Event)
	assert.Empty(t, drain(b))

	f.gw.Dispatch(ctx, outsider, frame(t, "teleport", map[string]string{}))
	assert.Contains(t, errorOf(t, drain(outsider)).Message, "unknown event")

	f.gw.Dispatch(ctx, outsider, []byte("{nope"))
	assert.Equal(t, "malformed frame", errorOf(t, drain(outsider)).Message)

	f.gw.Dispatch(ctx, outsider, frame(t, protocol.EventUpdateMessageStatus, protocol.UpdateMessageStatusRequest{
		MessageID: "m1", Status: "sent",
	}))
	assert.Contains(t, errorOf(t, drain(outsider)).Message, "invalid status")
}

func TestDispatchJoinThenTyping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a1 := f.gw.Open(ctx, "A")
	a2 := f.gw.Open(ctx, "A")
	b := f.gw.Open(ctx, "B")
	drain(a1)
	drain(a2)
	drain(b)

	f.gw.Dispatch(ctx, b, frame(t, protocol.EventJoin, protocol.ConversationRef{ConversationID: "X"}))
	assert.Empty(t, drain(b))

	f.gw.Dispatch(ctx, a1, frame(t, protocol.EventTyping, protocol.TypingRequest{ConversationID: "X", IsTyping: true}))

	_, ok := find(drain(b), protocol.EventTyping)
	assert.True(t, ok)
	_, ok = find(drain(a2), protocol.EventTyping)
	assert.True(t, ok, "other devices of the typist are told")
	assert.Empty(t, drain(a1))

	f.gw.Dispatch(ctx, b, frame(t, protocol.EventJoin, map[string]string{}))
	assert.Equal(t, "conversationId is required", errorOf(t, drain(b)).Message)
}

func TestDispatchPresenceSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.gw.Open(ctx, "A")
	b := f.gw.Open(ctx, "B")
	drain(a)
	drain(b)

	f.gw.Dispatch(ctx, a, frame(t, protocol.EventUpdateUserStatus, protocol.UpdateUserStatusRequest{Status: "busy"}))
	f.gw.Dispatch(ctx, b, frame(t, protocol.EventPresence, protocol.PresenceRequest{UserIDs: []string{"A", "Z"}}))

	env, ok := find(drain(b), protocol.EventPresenceSnapshot)
	require.True(t, ok)
	var snap protocol.PresenceSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, domain.PresenceBusy, snap.Users["A"].Status)
	assert.Equal(t, domain.PresenceOffline, snap.Users["Z"].Status)
}

func TestDispatchStatusReactAndRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.gw.Open(ctx, "A")
	b := f.gw.Open(ctx, "B")

	f.gw.Dispatch(ctx, a, frame(t, protocol.EventMessage, protocol.SendMessageRequest{
		ConversationID: "X", Text: "ping", MessageType: domain.MessageText,
	}))
	env, ok := find(drain(b), protocol.EventReceiveMessage)
	require.True(t, ok)
	var rm protocol.ReceiveMessage
	require.NoError(t, json.Unmarshal(env.Data, &rm))
	drain(a)

	f.gw.Dispatch(ctx, b, frame(t, protocol.EventUpdateMessageStatus, protocol.UpdateMessageStatusRequest{
		MessageID: rm.Message.ID, Status: "read",
	}))
	env, ok = find(drain(a), protocol.EventMessageStatusUpdated)
	require.True(t, ok)
	var st protocol.MessageStatusUpdated
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, domain.StatusRead, st.Status)

	f.gw.Dispatch(ctx, b, frame(t, protocol.EventReact, protocol.ReactRequest{MessageID: rm.Message.ID, Emoji: "👍"}))
	_, ok = find(drain(a), protocol.EventMessageReaction)
	assert.True(t, ok)

	f.gw.Dispatch(ctx, b, frame(t, protocol.EventMarkConversationRead, protocol.ConversationRef{ConversationID: "X"}))
	conv, err := f.store.GetConversation(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCount["B"])
}
