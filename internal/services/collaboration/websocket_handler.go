package collaboration

import (
	"log/slog"
	"net/http"
	"time"

	"pitch-relay/internal/middleware"
	"pitch-relay/internal/models"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: CONNECTION LISTENER

Per connection:
  Connecting → Upgrading → Subscribed → {InboundActive, OutboundActive} → Terminated

The handler goroutine that net/http runs for the request stays parked on
Completed, so each peer costs three goroutines and the accept loop is never
blocked by peer I/O.
*/

// WebSocketHandler upgrades sync requests and hands them to the broadcast group
type WebSocketHandler struct {
	group    *BroadcastGroup
	upgrader websocket.Upgrader
	wsOpts   WSOptions
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(group *BroadcastGroup, wsOpts WSOptions) *WebSocketHandler {
	if wsOpts.PongWait == 0 && group.opts.PingInterval > 0 {
		wsOpts.PongWait = group.opts.PingInterval * 10 / 9
	}

	return &WebSocketHandler{
		group: group,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// peers are not authenticated; any origin may join
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		wsOpts: wsOpts,
	}
}

// HandleSync serves one peer until it disconnects
func (h *WebSocketHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	info := models.NewPeerInfo(r.RemoteAddr, r.Header.Get("User-Agent"))

	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("peer.id", info.ID),
		attribute.String("peer.remote_addr", info.RemoteAddr),
	)
	defer span.End()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		slog.Warn("failed to upgrade websocket", "remote", info.RemoteAddr, "err", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	sub := h.group.Subscribe(ctx, NewWebSocketConn(conn, h.wsOpts), info)
	started := time.Now()

	if err := sub.Completed(); err != nil {
		middleware.AddSpanError(ctx, err)
		slog.Warn("broadcasting for peer finished abruptly",
			"peer", info.ID,
			"duration", time.Since(started),
			"err", err,
		)
		return
	}
	slog.Info("broadcasting for peer finished successfully", "peer", info.ID, "duration", time.Since(started))
}
