package ws

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/auth"
	"github.com/fathima-sithara/realtime-service/internal/ephemeral"
	"github.com/fathima-sithara/realtime-service/internal/hub"
	"github.com/fathima-sithara/realtime-service/internal/metrics"
	"github.com/fathima-sithara/realtime-service/internal/presence"
	"github.com/fathima-sithara/realtime-service/internal/router"
	"github.com/fathima-sithara/realtime-service/internal/service"
)

const localUserID = "user_id"

type TokenValidator interface {
	Validate(token string) (string, error)
}

// ConnTracker keeps a user's shared connection state alive while they stay
// connected. Optional.
type ConnTracker interface {
	Refresh(ctx context.Context, userID string) error
}

type Options struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteDeadline  time.Duration
	MaxMessageSize int64
	RatePerSec     float64
	Burst          int
}

func (o *Options) withDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = o.PingInterval * 2
	}
	if o.WriteDeadline <= 0 {
		o.WriteDeadline = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.RatePerSec <= 0 {
		o.RatePerSec = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
}

// Gateway authenticates persistent connections, binds them to a user and
// dispatches their inbound events.
type Gateway struct {
	hub       *hub.Hub
	router    *router.Router
	registry  *presence.Registry
	relay     *ephemeral.Relay
	svc       *service.Services
	validator TokenValidator
	tracker   ConnTracker
	opts      Options
	log       *zap.SugaredLogger

	// live holds connections opened and not yet closed; Close claims them exactly once.
	live  sync.Map
	conns sync.WaitGroup
}

type Deps struct {
	Hub       *hub.Hub
	Router    *router.Router
	Registry  *presence.Registry
	Relay     *ephemeral.Relay
	Services  *service.Services
	Validator TokenValidator
	Tracker   ConnTracker
	Log       *zap.SugaredLogger
}

func NewGateway(d Deps, opts Options) *Gateway {
	opts.withDefaults()
	log := d.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Gateway{
		hub:       d.Hub,
		router:    d.Router,
		registry:  d.Registry,
		relay:     d.Relay,
		svc:       d.Services,
		validator: d.Validator,
		tracker:   d.Tracker,
		opts:      opts,
		log:       log,
	}
}

// Authenticate verifies a bearer credential and returns the user it names.
func (g *Gateway) Authenticate(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperr.Auth("missing token", nil)
	}
	return g.validator.Validate(token)
}

// tokenFrom prefers the Authorization header and falls back to ?token=.
func tokenFrom(c *fiber.Ctx) string {
	if h := c.Get(fiber.HeaderAuthorization); h != "" {
		if t, err := auth.ParseBearerToken(h); err == nil {
			return t
		}
	}
	return c.Query("token")
}

// Upgrade rejects unauthenticated handshakes before the protocol switch, so no
// application event is ever read from them.
func (g *Gateway) Upgrade() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		uid, err := g.Authenticate(tokenFrom(c))
		if err != nil {
			metrics.AuthFailures.WithLabelValues("ws").Inc()
			g.log.Infow("ws auth rejected", "ip", c.IP(), "err", err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": apperr.PublicMessage(err)})
		}
		c.Locals(localUserID, uid)
		return c.Next()
	}
}

// Handler serves upgraded connections. It must be mounted behind Upgrade.
func (g *Gateway) Handler() fiber.Handler {
	return websocket.New(g.serve, websocket.Config{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	})
}

// Open binds a new connection to userID: hub registration (which joins the
// personal group) and presence registration.
func (g *Gateway) Open(ctx context.Context, userID string) *hub.Client {
	c := g.hub.NewClient(uuid.NewString(), userID)
	g.hub.Register(c)
	g.live.Store(c.ID, c)
	flipped := g.registry.Register(userID, c.ID)
	metrics.ActiveConnections.Inc()
	g.log.Infow("connection opened", "user", userID, "conn", c.ID, "online_flip", flipped)
	return c
}

// Close tears a connection down. Safe to call more than once, and still releases
// presence when the hub has already dropped the client during shutdown.
func (g *Gateway) Close(ctx context.Context, c *hub.Client) {
	if _, ok := g.live.LoadAndDelete(c.ID); !ok {
		return
	}
	g.hub.Unregister(c.ID)
	flipped := g.registry.Deregister(c.UserID, c.ID)
	metrics.ActiveConnections.Dec()
	g.log.Infow("connection closed", "user", c.UserID, "conn", c.ID, "offline_flip", flipped,
		"duration", time.Since(c.Connected).Round(time.Second))
}

// Wait blocks until every served connection has finished its teardown or ctx is done.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
