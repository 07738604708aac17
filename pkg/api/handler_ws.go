package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/hydraorch/hydra/pkg/models"
)

// wireEvent is the exact `{type, data, timestamp, id}` shape required on
// the wire.
type wireEvent struct {
	Type      models.EventKind `json:"type"`
	Data      any              `json:"data"`
	Timestamp string           `json:"timestamp"`
	ID        uint64           `json:"id"`
}

// originAllowed reports whether origin may open a WebSocket: an empty
// allowlist means same-origin only, never allow-all.
func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	return slices.Contains(allowed, origin)
}

// wsHandler upgrades GET /ws and streams replay-then-live events: it
// accepts the connection, then blocks on a connection-scoped pump reading
// directly off an eventbus.Subscription, since the bus already does
// replay-then-live and gap detection internally.
func (s *Server) wsHandler(c *echo.Context) error {
	origin := c.Request().Header.Get("Origin")
	if !originAllowed(s.cfg.AllowedWSOrigins, origin) {
		return echo.NewHTTPError(403, "origin not allowed")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedWSOrigins,
	})
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	var sinceID uint64
	if raw := c.QueryParam("since"); raw != "" {
		if parsed, err := strconv.ParseUint(raw, 10, 64); err == nil {
			sinceID = parsed
		}
	}

	sub := s.bus.Subscribe(sinceID)
	defer sub.Unsubscribe()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				return nil
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev models.Event) error {
	payload, err := json.Marshal(wireEvent{Type: ev.Type, Data: ev.Data, Timestamp: ev.Timestamp.Format(time.RFC3339Nano), ID: ev.ID})
	if err != nil {
		slog.Error("ws: failed to marshal event", "error", err)
		return nil
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}
