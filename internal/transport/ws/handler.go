// Package ws exposes the consultation websocket endpoint: it upgrades HTTP
// requests, tracks live connections in a hub and pumps decoded commands into
// per-connection sessions.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ruchi-nb/full-matata-sub000/internal/config"
	"github.com/ruchi-nb/full-matata-sub000/internal/platform/logging"
	"github.com/ruchi-nb/full-matata-sub000/internal/protocol"
	"github.com/ruchi-nb/full-matata-sub000/internal/session"
)

// Handler upgrades consultation websocket requests and runs their read loop.
type Handler struct {
	hub      *Hub
	deps     session.Deps
	pipeline config.PipelineConfig
	logger   *logging.Logger
	upgrader *websocket.Upgrader
}

// HandlerOptions configures the upgrade behaviour.
type HandlerOptions struct {
	HandshakeTimeout time.Duration
	CheckOrigin      func(r *http.Request) bool
}

func NewHandler(hub *Hub, deps session.Deps, pipeline config.PipelineConfig, logger *logging.Logger, opts HandlerOptions) *Handler {
	upgrader := &websocket.Upgrader{
		HandshakeTimeout: opts.HandshakeTimeout,
		CheckOrigin:      opts.CheckOrigin,
	}
	if upgrader.HandshakeTimeout <= 0 {
		upgrader.HandshakeTimeout = 10 * time.Second
	}
	if upgrader.CheckOrigin == nil {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return &Handler{
		hub:      hub,
		deps:     deps,
		pipeline: pipeline,
		logger:   logger,
		upgrader: upgrader,
	}
}

// Handle upgrades the request and serves the connection until the client
// disconnects or the server shuts the session down.
func (h *Handler) Handle(w http.ResponseWriter, req *http.Request) {
	socket, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.ErrorTag("WebSocket", "upgrade failed: %v", err)
		return
	}

	id := resolveSessionID(req)
	conn := NewConnection(id, socket)
	// The session outlives this handler invocation, so it cannot hang off the
	// request context.
	sess := session.New(context.Background(), id, h.deps, h.pipeline, conn, h.logger)

	c := &client{conn: conn, sess: sess}
	h.hub.register(id, c)
	h.logger.InfoTag("WebSocket", "connection %s established from %s", id, req.RemoteAddr)

	_ = conn.Send(protocol.ConnectionEstablished(id))

	go func() {
		defer func() {
			h.hub.unregister(id)
			c.close()
			h.logger.InfoTag("WebSocket", "connection %s closed", id)
		}()
		h.readLoop(conn, sess)
	}()
}

// readLoop decodes inbound frames and dispatches them. A malformed frame
// produces an error event and the loop keeps going; only a transport failure
// ends the connection.
func (h *Handler) readLoop(conn *Connection, sess *session.Session) {
	ctx := context.Background()
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.WarnTag("WebSocket", "connection %s read failed: %v", conn.ID(), err)
			}
			return
		}
		if messageType == websocket.BinaryMessage {
			// Raw binary frames carry audio for the bound provider.
			sess.HandleCommand(ctx, protocol.AudioChunk{Audio: payload})
			continue
		}
		if messageType != websocket.TextMessage {
			continue
		}

		cmd, err := protocol.Decode(payload)
		if err != nil {
			h.logger.DebugTag("WebSocket", "connection %s bad frame: %v", conn.ID(), err)
			_ = conn.Send(protocol.ErrorEvent("malformed command"))
			continue
		}
		sess.HandleCommand(ctx, cmd)
	}
}

func resolveSessionID(req *http.Request) string {
	if id := req.URL.Query().Get("session_id"); id != "" {
		return id
	}
	return uuid.NewString()
}
