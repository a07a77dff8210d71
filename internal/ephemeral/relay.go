package ephemeral

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
	"github.com/fathima-sithara/realtime-service/internal/presence"
	"github.com/fathima-sithara/realtime-service/internal/protocol"
	"github.com/fathima-sithara/realtime-service/internal/router"
)

type Directory interface {
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	ContactsOf(ctx context.Context, userID string) ([]string, error)
	TouchLastSeen(ctx context.Context, userID string, at time.Time) error
}

// Mirror shares presence with the other instances of a deployment. AddConnection and
// RemoveConnection return the size of the user's deployment-wide connection set after
// the change, which is what decides an online or offline transition.
type Mirror interface {
	AddConnection(ctx context.Context, userID, connID string) (int64, error)
	RemoveConnection(ctx context.Context, userID, connID string) (int64, error)
	SetPresence(ctx context.Context, userID string, status domain.PresenceStatus, lastSeen time.Time) error
	GetPresence(ctx context.Context, userID string) (domain.UserPresence, error)
}

// Relay carries typing indicators and presence changes. Nothing here is persisted
// except the durable last seen stamp; every send is best effort.
type Relay struct {
	router   *router.Router
	dir      Directory
	registry *presence.Registry
	mirror   Mirror
	log      *zap.SugaredLogger
	now      func() time.Time

	mu        sync.Mutex
	queue     []presence.Change
	wake      chan struct{}
	overrides map[string]domain.PresenceStatus
}

func New(r *router.Router, dir Directory, mirror Mirror, log *zap.SugaredLogger) *Relay {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Relay{
		router:    r,
		dir:       dir,
		mirror:    mirror,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		wake:      make(chan struct{}, 1),
		overrides: make(map[string]domain.PresenceStatus),
	}
}

// AttachRegistry links the registry used for snapshots. The registry is built with
// PresenceChanged as its callback, so the two are wired in two steps.
func (r *Relay) AttachRegistry(reg *presence.Registry) { r.registry = reg }

// PresenceChanged queues a connection event for the worker. It never blocks, so it is
// safe to call from inside the registry lock, and queue order matches registry order.
func (r *Relay) PresenceChanged(c presence.Change) {
	r.mu.Lock()
	r.queue = append(r.queue, c)
	if c.Flipped && c.Status == domain.PresenceOffline {
		delete(r.overrides, c.UserID)
	}
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run drains queued connection events until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}
		for {
			r.mu.Lock()
			if len(r.queue) == 0 {
				r.mu.Unlock()
				break
			}
			batch := r.queue
			r.queue = nil
			r.mu.Unlock()
			for _, c := range batch {
				r.handleChange(ctx, c)
			}
		}
	}
}

// Flush handles whatever is queued on the caller's goroutine.
func (r *Relay) Flush(ctx context.Context) {
	r.mu.Lock()
	batch := r.queue
	r.queue = nil
	r.mu.Unlock()
	for _, c := range batch {
		r.handleChange(ctx, c)
	}
}

func (r *Relay) handleChange(ctx context.Context, c presence.Change) {
	status, ok := r.transition(ctx, c)
	if !ok {
		return
	}
	lastSeen := c.LastSeen
	if lastSeen.IsZero() {
		lastSeen = r.now()
	}
	if r.mirror != nil {
		if err := r.mirror.SetPresence(ctx, c.UserID, status, lastSeen); err != nil {
			r.log.Warnw("presence mirror", "user", c.UserID, "err", err)
		}
	}
	if err := r.dir.TouchLastSeen(ctx, c.UserID, lastSeen); err != nil {
		r.log.Warnw("touch last seen", "user", c.UserID, "err", err)
	}
	r.broadcastStatus(ctx, c.UserID, status, lastSeen)
}

// transition reports whether c moved the user across the 0/1 connection boundary. With a
// mirror the deployment-wide set decides; without one, or when the mirror fails, the
// local registry's view is used.
func (r *Relay) transition(ctx context.Context, c presence.Change) (domain.PresenceStatus, bool) {
	if r.mirror == nil {
		return c.Status, c.Flipped
	}
	var n int64
	var err error
	if c.Opened {
		n, err = r.mirror.AddConnection(ctx, c.UserID, c.ConnID)
	} else {
		n, err = r.mirror.RemoveConnection(ctx, c.UserID, c.ConnID)
	}
	if err != nil {
		r.log.Warnw("shared connection set", "user", c.UserID, "conn", c.ConnID, "err", err)
		return c.Status, c.Flipped
	}
	switch {
	case c.Opened && n == 1:
		return domain.PresenceOnline, true
	case !c.Opened && n == 0:
		return domain.PresenceOffline, true
	}
	return "", false
}

// broadcastStatus tells the user's own devices and everyone sharing a conversation with them.
func (r *Relay) broadcastStatus(ctx context.Context, userID string, status domain.PresenceStatus, lastSeen time.Time) {
	audience := []string{userID}
	contacts, err := r.dir.ContactsOf(ctx, userID)
	if err != nil {
		r.log.Warnw("resolve contacts for presence", "user", userID, "err", err)
	} else {
		audience = append(audience, contacts...)
	}
	r.router.PublishToUsers(ctx, audience, protocol.EventUserStatusChanged,
		protocol.UserStatusChanged{UserID: userID, Status: status, LastSeen: lastSeen}, "")
}

// Typing relays a typing indicator to the conversation, skipping the sending connection.
func (r *Relay) Typing(ctx context.Context, userID, connID string, req protocol.TypingRequest) error {
	if req.ConversationID == "" {
		return apperr.Validation("conversationId is required")
	}
	c, err := r.dir.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return err
	}
	if !c.HasParticipant(userID) {
		return apperr.Forbidden("you are not a participant of this conversation")
	}
	r.router.PublishToConversation(ctx, c, protocol.EventTyping,
		protocol.Typing{ConversationID: c.ID, UserID: userID, IsTyping: req.IsTyping}, connID)
	return nil
}

// SetManualStatus broadcasts a user-chosen status. The registry's live set is not touched,
// so the user stays reachable; the override is dropped when they go offline.
func (r *Relay) SetManualStatus(ctx context.Context, userID string, status domain.PresenceStatus) error {
	now := r.now()
	r.mu.Lock()
	if status == domain.PresenceOnline {
		delete(r.overrides, userID)
	} else {
		r.overrides[userID] = status
	}
	r.mu.Unlock()

	if r.mirror != nil {
		if err := r.mirror.SetPresence(ctx, userID, status, now); err != nil {
			r.log.Warnw("presence mirror", "user", userID, "err", err)
		}
	}
	r.broadcastStatus(ctx, userID, status, now)
	return nil
}

// Snapshot reports presence as others should see it: connection-derived status,
// replaced by the manual override while the user is online. Users with no local
// connection are looked up in the mirror, since they may be connected elsewhere.
func (r *Relay) Snapshot(ctx context.Context, userIDs []string) map[string]protocol.PresenceEntry {
	out := make(map[string]protocol.PresenceEntry, len(userIDs))
	var live map[string]domain.UserPresence
	if r.registry != nil {
		live = r.registry.Snapshot(userIDs)
	}
	r.mu.Lock()
	for _, id := range userIDs {
		p, ok := live[id]
		if !ok {
			p = domain.UserPresence{UserID: id, Status: domain.PresenceOffline}
		}
		st := p.Status
		if o, ok := r.overrides[id]; ok && st == domain.PresenceOnline {
			st = o
		}
		out[id] = protocol.PresenceEntry{Status: st, LastSeen: p.LastSeen}
	}
	r.mu.Unlock()

	if r.mirror == nil {
		return out
	}
	for id, e := range out {
		if e.Status != domain.PresenceOffline {
			continue
		}
		p, err := r.mirror.GetPresence(ctx, id)
		if err != nil {
			r.log.Warnw("presence mirror lookup", "user", id, "err", err)
			continue
		}
		switch {
		case p.Status != domain.PresenceOffline && p.Connections > 0:
			out[id] = protocol.PresenceEntry{Status: p.Status, LastSeen: p.LastSeen}
		case p.Status == domain.PresenceOffline && p.LastSeen.After(e.LastSeen):
			e.LastSeen = p.LastSeen
			out[id] = e
		}
	}
	return out
}
