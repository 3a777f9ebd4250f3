package hub

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/bountyhook/pkg/logger"
	"github.com/codeGROOVE-dev/bountyhook/pkg/security"
)

const (
	pingInterval        = 54 * time.Second
	readDeadline        = 90 * time.Second
	writeTimeout        = 10 * time.Second
	subscriptionTimeout = 5 * time.Second
)

// WebSocketHandler accepts feed subscribers.
type WebSocketHandler struct {
	hub          *Hub
	connLimiter  *security.ConnectionLimiter
	pingInterval time.Duration
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(h *Hub, connLimiter *security.ConnectionLimiter) *WebSocketHandler {
	return &WebSocketHandler{
		hub:          h,
		connLimiter:  connLimiter,
		pingInterval: pingInterval,
	}
}

// Handler returns the handler as an http.Handler.
func (h *WebSocketHandler) Handler() websocket.Handler {
	return websocket.Handler(h.Handle)
}

// Handle serves one WebSocket connection. The first message must be a
// Subscription; afterwards the client receives matching changes until it
// disconnects. Clients may send {"type":"ping"} and get a pong back.
func (h *WebSocketHandler) Handle(ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(ws.Request().Context())
	defer cancel()

	defer func() {
		if err := ws.Close(); err != nil {
			logger.Debug(ctx, "failed to close websocket", logger.Fields{"error": err.Error()})
		}
	}()

	ip := security.ClientIP(ws.Request())

	if !h.connLimiter.Add(ip) {
		logger.Warn(ctx, "connection limit exceeded", logger.Fields{"ip": ip})
		return
	}
	defer h.connLimiter.Remove(ip)

	if err := ws.SetDeadline(time.Now().Add(subscriptionTimeout)); err != nil {
		logger.Warn(ctx, "failed to set subscription deadline", logger.Fields{"ip": ip, "error": err.Error()})
		return
	}

	var sub Subscription
	if err := websocket.JSON.Receive(ws, &sub); err != nil {
		logger.Warn(ctx, "failed to receive subscription", logger.Fields{"ip": ip, "error": err.Error()})
		return
	}
	if err := sub.Validate(); err != nil {
		logger.Warn(ctx, "invalid subscription", logger.Fields{"ip": ip, "error": err.Error()})
		if sendErr := websocket.JSON.Send(ws, map[string]any{"type": "error", "error": err.Error()}); sendErr != nil {
			logger.Debug(ctx, "failed to send subscription error", logger.Fields{"ip": ip, "error": sendErr.Error()})
		}
		return
	}

	if err := ws.SetDeadline(time.Time{}); err != nil {
		logger.Warn(ctx, "failed to reset deadline", logger.Fields{"ip": ip, "error": err.Error()})
		return
	}

	client := NewClient(uuid.NewString(), sub, ws)
	if !h.hub.Register(client) {
		return
	}
	defer func() {
		h.hub.Unregister(client.ID)
		logger.Info(ctx, "websocket disconnected", logger.Fields{"ip": ip, "client_id": client.ID})
	}()

	logger.Info(ctx, "websocket subscribed", logger.Fields{
		"ip":         ip,
		"client_id":  client.ID,
		"repo_ids":   sub.RepoIDs,
		"claimed_by": sub.ClaimedBy,
	})

	client.Control(map[string]any{"type": "subscription_confirmed", "client_id": client.ID})
	go client.Run(ctx, h.pingInterval, writeTimeout)

	for {
		if err := ws.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return
		}
		var msg map[string]any
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			return
		}
		if msg["type"] == "ping" {
			client.Control(map[string]any{"type": "pong", "seq": msg["seq"]})
		}
		select {
		case <-client.Done():
			return
		default:
		}
	}
}
