package websocket

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// maxFrameSize is the largest client-to-server message the handler accepts.
// Consumers only send control frames, so anything larger drops the
// connection.
const maxFrameSize = 64 * 1024

// pongWait is how long the handler waits for a pong before treating the peer
// as gone. Pings are sent at 9/10 of that interval.
const pongWait = 60 * time.Second

// Handler is an http.Handler that upgrades HTTP connections to WebSocket and
// drives the per-client read/write loops.
//
// Each connection is registered with the Broadcaster. Client-to-server frames
// are read and discarded; snapshot frames from Client.Send() are written as
// text messages.
type Handler struct {
	bc       *Broadcaster
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// writeTimeout is how long the handler waits for a write to complete
	// before closing the connection.
	writeTimeout time.Duration
	pingPeriod   time.Duration
}

// NewHandler creates a Handler backed by bc.
//
// writeTimeout ≤ 0 defaults to 10 seconds. Cross-origin upgrades are refused
// unless the Origin header matches the request host.
func NewHandler(bc *Broadcaster, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{
		bc:     bc,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
		},
		writeTimeout: writeTimeout,
		pingPeriod:   pongWait * 9 / 10,
	}
}

// ServeHTTP handles the HTTP → WebSocket upgrade and drives the connection
// lifecycle.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	// Upgrade writes its own error response on failure.
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket: upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	client := h.bc.Register(clientID)
	defer h.bc.Unregister(clientID)

	h.logger.Info("websocket: client connected",
		slog.String("client_id", clientID),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.readLoop(conn, clientID)
	}()

	ping := time.NewTicker(h.pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			h.logger.Info("websocket: client disconnected", slog.String("client_id", clientID))
			return

		case msg, ok := <-client.Send():
			deadline := time.Now().Add(h.writeTimeout)
			if !ok {
				// Broadcaster closed the channel; the server is shutting down.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
				return
			}
			_ = conn.SetWriteDeadline(deadline)
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Warn("websocket: write failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				h.logger.Debug("websocket: ping failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				return
			}
		}
	}
}

// readLoop reads and discards incoming messages until the peer closes the
// connection, stops answering pings or sends an oversized frame.
func (h *Handler) readLoop(conn *websocket.Conn, clientID string) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket: read ended", slog.String("client_id", clientID), slog.Any("error", err))
			}
			return
		}
	}
}
