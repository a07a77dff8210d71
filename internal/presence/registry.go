package presence

import (
	"sync"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// Change is emitted for every connection added to or removed from the registry.
// Flipped marks the events that took the user's local set from 0 to 1 or 1 to 0;
// when several instances share a user, the deployment-wide decision is made from
// the shared connection set instead.
type Change struct {
	UserID   string
	ConnID   string
	Opened   bool
	Flipped  bool
	Status   domain.PresenceStatus
	LastSeen time.Time
}

type entry struct {
	conns    map[string]struct{}
	lastSeen time.Time
}

// Registry tracks the live connections of each user on this instance.
// A user is online iff their connection set is non-empty.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	onChange func(Change)
	now      func() time.Time
}

// NewRegistry takes the callback fired on every connection change. The callback runs
// while the registry lock is held so changes reach it in order; it must not block or
// call back into the registry.
func NewRegistry(onChange func(Change)) *Registry {
	if onChange == nil {
		onChange = func(Change) {}
	}
	return &Registry{
		entries:  make(map[string]*entry),
		onChange: onChange,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register adds connID to userID's live set and reports whether the user just came online.
func (r *Registry) Register(userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok {
		e = &entry{conns: make(map[string]struct{})}
		r.entries[userID] = e
	}
	if _, dup := e.conns[connID]; dup {
		return false
	}
	e.conns[connID] = struct{}{}
	flipped := len(e.conns) == 1
	if flipped {
		e.lastSeen = r.now()
	}
	r.onChange(Change{UserID: userID, ConnID: connID, Opened: true, Flipped: flipped,
		Status: domain.PresenceOnline, LastSeen: e.lastSeen})
	return flipped
}

// Deregister removes connID and reports whether the user just went offline.
// Removing an unknown connection is a no-op.
func (r *Registry) Deregister(userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok {
		return false
	}
	if _, live := e.conns[connID]; !live {
		return false
	}
	delete(e.conns, connID)
	flipped := len(e.conns) == 0
	status := domain.PresenceOnline
	if flipped {
		e.lastSeen = r.now()
		status = domain.PresenceOffline
	}
	r.onChange(Change{UserID: userID, ConnID: connID, Flipped: flipped, Status: status, LastSeen: e.lastSeen})
	return flipped
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	return ok && len(e.conns) > 0
}

func (r *Registry) Get(userID string) domain.UserPresence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked(userID)
}

// Snapshot returns the presence of each requested user. Unknown users are offline
// with a zero LastSeen.
func (r *Registry) Snapshot(userIDs []string) map[string]domain.UserPresence {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]domain.UserPresence, len(userIDs))
	for _, id := range userIDs {
		out[id] = r.viewLocked(id)
	}
	return out
}

func (r *Registry) viewLocked(userID string) domain.UserPresence {
	p := domain.UserPresence{UserID: userID, Status: domain.PresenceOffline}
	if e, ok := r.entries[userID]; ok {
		p.LastSeen = e.lastSeen
		p.Connections = len(e.conns)
		if len(e.conns) > 0 {
			p.Status = domain.PresenceOnline
		}
	}
	return p
}
