package ws

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"golang.org/x/time/rate"

	"github.com/fathima-sithara/realtime-service/internal/hub"
)

func (g *Gateway) serve(conn *websocket.Conn) {
	uid, _ := conn.Locals(localUserID).(string)
	if uid == "" {
		_ = conn.Close()
		return
	}
	g.conns.Add(1)
	defer g.conns.Done()
	ctx, cancel := context.WithCancel(context.Background())
	client := g.Open(ctx, uid)

	done := make(chan struct{})
	go func() {
		defer close(done)
		g.writePump(ctx, conn, client)
	}()

	g.readPump(ctx, conn, client)

	// teardown runs on every exit path: client close, read error, deadline
	cancel()
	g.Close(context.Background(), client)
	<-done
}

func (g *Gateway) readPump(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	conn.SetReadLimit(g.opts.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	})
	limiter := rate.NewLimiter(rate.Limit(g.opts.RatePerSec), g.opts.Burst)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Debugw("ws read", "conn", client.ID, "err", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if !limiter.Allow() {
			g.replyError(ctx, client, "", "rate limit exceeded")
			continue
		}
		g.Dispatch(ctx, client, data)
	}
}

func (g *Gateway) writePump(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(g.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case frame, ok := <-client.Send():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(g.opts.WriteDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(g.opts.WriteDeadline)); err != nil {
				return
			}
			if g.tracker != nil {
				rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				_ = g.tracker.Refresh(rctx, client.UserID)
				cancel()
			}
		case <-ctx.Done():
			return
		}
	}
}
