package hub

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/metrics"
)

// PersonalGroup is the per-user channel every connection of that user joins on open.
func PersonalGroup(userID string) string { return "user:" + userID }

func ConversationGroup(conversationID string) string { return "conv:" + conversationID }

// Relay forwards a publish to other instances. Implementations must not call back into Publish.
type Relay interface {
	Relay(ctx context.Context, groups []string, exclude string, payload []byte) error
}

type Client struct {
	ID        string
	UserID    string
	Connected time.Time

	send   chan []byte
	groups map[string]struct{}
	closed bool
}

// Send is the outbound queue drained by the connection's write pump. It is closed on Unregister.
func (c *Client) Send() <-chan []byte { return c.send }

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	// group -> connID -> client
	groups map[string]map[string]*Client

	buffer int
	relay  Relay
	log    *zap.SugaredLogger
}

func NewHub(buffer int, log *zap.SugaredLogger) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		clients: make(map[string]*Client),
		groups:  make(map[string]map[string]*Client),
		buffer:  buffer,
		log:     log,
	}
}

// SetRelay enables cross-instance publishing. Call before serving traffic.
func (h *Hub) SetRelay(r Relay) { h.relay = r }

func (h *Hub) NewClient(id, userID string) *Client {
	return &Client{
		ID:        id,
		UserID:    userID,
		Connected: time.Now().UTC(),
		send:      make(chan []byte, h.buffer),
		groups:    make(map[string]struct{}),
	}
}

// Register adds the client and subscribes it to its personal group.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
	h.joinLocked(c, PersonalGroup(c.UserID))
}

// Unregister removes the client from every group and closes its send queue.
// It returns false if the client was already gone.
func (h *Hub) Unregister(connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	h.dropLocked(c)
	return true
}

func (h *Hub) dropLocked(c *Client) {
	for g := range c.groups {
		if set, ok := h.groups[g]; ok {
			delete(set, c.ID)
			if len(set) == 0 {
				delete(h.groups, g)
			}
		}
	}
	c.groups = map[string]struct{}{}
	delete(h.clients, c.ID)
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Join is idempotent. It returns false when connID is not registered.
func (h *Hub) Join(connID, group string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	h.joinLocked(c, group)
	return true
}

func (h *Hub) joinLocked(c *Client, group string) {
	set, ok := h.groups[group]
	if !ok {
		set = make(map[string]*Client)
		h.groups[group] = set
	}
	set[c.ID] = c
	c.groups[group] = struct{}{}
}

func (h *Hub) Leave(connID, group string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	if set, ok := h.groups[group]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.groups, group)
		}
	}
	delete(c.groups, group)
	return true
}

// Publish delivers payload once to every local connection in the union of groups,
// skipping exclude, then hands it to the relay. It never blocks on a slow consumer:
// a full send queue drops the frame. Returns the number of local deliveries.
func (h *Hub) Publish(ctx context.Context, groups []string, exclude string, payload []byte) int {
	n := h.DeliverLocal(groups, exclude, payload)
	if h.relay != nil {
		if err := h.relay.Relay(ctx, groups, exclude, payload); err != nil {
			h.log.Warnw("relay publish failed", "groups", len(groups), "err", err)
		}
	}
	return n
}

// DeliverLocal is Publish without the relay hop; used for frames arriving from other instances.
func (h *Hub) DeliverLocal(groups []string, exclude string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	delivered := 0
	for _, g := range groups {
		for id, c := range h.groups[g] {
			if id == exclude {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			select {
			case c.send <- payload:
				delivered++
			default:
				metrics.FanoutDropped.Inc()
				h.log.Debugw("send queue full, frame dropped", "conn", id, "user", c.UserID)
			}
		}
	}
	return delivered
}

// SendTo queues payload for a single local connection.
func (h *Hub) SendTo(connID string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	if !ok {
		return 0
	}
	select {
	case c.send <- payload:
		return 1
	default:
		metrics.FanoutDropped.Inc()
		return 0
	}
}

// Groups returns the groups connID is subscribed to.
func (h *Hub) Groups(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.groups))
	for g := range c.groups {
		out = append(out, g)
	}
	return out
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close drops every client; their write pumps see the closed queue and hang up.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		h.dropLocked(c)
	}
}
