package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jkaninda/mcpforge/internal/session"
)

const (
	eventsSubprotocol  = "mcpforge-events-v1"
	eventsBuffer       = 64
	eventWriteTimeout  = 10 * time.Second
	eventsPingInterval = 30 * time.Second
)

// handleEvents upgrades to a websocket and streams registry lifecycle
// events as JSON text messages. An optional ?server=<id> query parameter
// restricts the stream to events about that server.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{eventsSubprotocol},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	filter := r.URL.Query().Get("server")
	events, unsubscribe := g.sessions.Subscribe(eventsBuffer)
	defer unsubscribe()

	// Clients never send; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	g.logger.Debug("event stream opened",
		slog.String("remote", r.RemoteAddr),
		slog.String("filter", filter),
	)
	if err := g.streamEvents(ctx, conn, events, filter); err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
			g.logger.Debug("event stream closed", slog.String("remote", r.RemoteAddr))
			return
		}
		g.logger.Warn("event stream error",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
	}
}

func (g *Gateway) streamEvents(ctx context.Context, conn *websocket.Conn, events <-chan session.Event, filter string) error {
	ticker := time.NewTicker(eventsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if filter != "" && ev.ServerID != filter && ev.NewServerID != filter {
				continue
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				return err
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev session.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
