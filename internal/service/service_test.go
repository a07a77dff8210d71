package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
	"github.com/fathima-sithara/realtime-service/internal/hub"
	"github.com/fathima-sithara/realtime-service/internal/protocol"
	"github.com/fathima-sithara/realtime-service/internal/repository"
	"github.com/fathima-sithara/realtime-service/internal/router"
)

type recordingSink struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recordingSink) Emit(_ context.Context, _ string, kind string, _ any) {
	r.mu.Lock()
	r.kinds = append(r.kinds, kind)
	r.mu.Unlock()
}

func (r *recordingSink) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.kinds...)
}

type recordingLifecycle struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recordingLifecycle) ConversationEvent(kind string, _ *domain.Conversation) error {
	r.mu.Lock()
	r.kinds = append(r.kinds, kind)
	r.mu.Unlock()
	return nil
}

func (r *recordingLifecycle) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.kinds...)
}

// faultyStore fails selected writes.
type faultyStore struct {
	*repository.MemoryStore
	failInsert bool
	failApply  bool
}

func (f *faultyStore) InsertMessage(ctx context.Context, m *domain.Message) error {
	if f.failInsert {
		return apperr.Storage("insert message", fmt.Errorf("connection reset"))
	}
	return f.MemoryStore.InsertMessage(ctx, m)
}

func (f *faultyStore) ApplyNewMessage(ctx context.Context, id, messageID string, recipients []string, at time.Time) (*domain.Conversation, error) {
	if f.failApply {
		return nil, apperr.Storage("apply new message", fmt.Errorf("write conflict"))
	}
	return f.MemoryStore.ApplyNewMessage(ctx, id, messageID, recipients, at)
}

type harness struct {
	t     *testing.T
	store *faultyStore
	hub   *hub.Hub
	svc   *Services
	sink  *recordingSink
	life  *recordingLifecycle
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := repository.NewMemoryStore()
	store := &faultyStore{MemoryStore: mem}
	h := hub.NewHub(512, nil)

	var mu sync.Mutex
	seq := 0
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	sink := &recordingSink{}
	life := &recordingLifecycle{}
	svc := New(Options{
		Store:     store,
		Router:    router.New(h, store, nil),
		Events:    sink,
		Lifecycle: life,
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("id-%03d", seq)
		},
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		},
	})
	return &harness{t: t, store: store, hub: h, svc: svc, sink: sink, life: life}
}

func (h *harness) connect(userID, connID string) *hub.Client {
	c := h.hub.NewClient(connID, userID)
	h.hub.Register(c)
	return c
}

func (h *harness) conversation(id string, typ domain.ConversationType, participants ...string) {
	h.t.Helper()
	unread := map[string]int{}
	for _, p := range participants {
		unread[p] = 0
	}
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(h.t, h.store.CreateConversation(context.Background(), &domain.Conversation{
		ID: id, Participants: participants, Type: typ, CreatedBy: participants[0],
		UnreadCount: unread, CreatedAt: now, UpdatedAt: now,
	}))
}

func frames(c *hub.Client) []protocol.Envelope {
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

func only(envs []protocol.Envelope, event string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, e := range envs {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func decode[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}
