// Package hub fans out bounty issue changes to WebSocket subscribers.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/bountyhook/pkg/bounty"
	"github.com/codeGROOVE-dev/bountyhook/pkg/logger"
)

const (
	registerBufferSize   = 100
	unregisterBufferSize = 100
	broadcastBufferSize  = 1000

	shutdownGrace = 200 * time.Millisecond
)

// Hub manages WebSocket clients and change broadcasting.
// A single goroutine (Run) owns registration and delivery.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan string
	broadcast  chan bounty.Change
	stop       chan struct{}
	stopped    chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a new client hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, registerBufferSize),
		unregister: make(chan string, unregisterBufferSize),
		broadcast:  make(chan bounty.Change, broadcastBufferSize),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop and blocks until ctx is done or Stop is called.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	defer h.cleanup(ctx)

	logger.Info(ctx, "hub started", nil)

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "hub shutting down", nil)
			return
		case <-h.stop:
			logger.Info(ctx, "hub stop requested", nil)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			total := len(h.clients)
			h.mu.Unlock()
			logger.Info(ctx, "client registered", logger.Fields{
				"client_id":     client.ID,
				"repo_ids":      client.subscription.RepoIDs,
				"claimed_by":    client.subscription.ClaimedBy,
				"total_clients": total,
			})

		case clientID := <-h.unregister:
			h.mu.Lock()
			client, ok := h.clients[clientID]
			if ok {
				delete(h.clients, clientID)
			}
			total := len(h.clients)
			h.mu.Unlock()
			if !ok {
				logger.Warn(ctx, "attempted to unregister unknown client", logger.Fields{"client_id": clientID})
				continue
			}
			client.Close()
			logger.Info(ctx, "client unregistered", logger.Fields{
				"client_id":     clientID,
				"total_clients": total,
			})

		case change := <-h.broadcast:
			h.deliver(ctx, change)
		}
	}
}

func (h *Hub) deliver(ctx context.Context, change bounty.Change) {
	h.mu.RLock()
	snapshot := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		snapshot = append(snapshot, client)
	}
	h.mu.RUnlock()

	matched, dropped := 0, 0
	for _, client := range snapshot {
		if !client.subscription.matches(change) {
			continue
		}
		select {
		case client.send <- change:
			matched++
		default:
			dropped++
			logger.Warn(ctx, "dropped change for client: buffer full", logger.Fields{"client_id": client.ID})
		}
	}

	logger.Debug(ctx, "broadcast change", logger.Fields{
		"type":          change.Type,
		"issue_id":      change.IssueID,
		"repo_id":       change.RepoID,
		"delivery_id":   change.DeliveryID,
		"matched":       matched,
		"dropped":       dropped,
		"total_clients": len(snapshot),
	})
}

// Publish queues a change for delivery. It never blocks; when the hub is at
// capacity the change is dropped.
func (h *Hub) Publish(change bounty.Change) {
	select {
	case h.broadcast <- change:
	default:
		logger.Warn(context.Background(), "dropping change: hub at capacity", logger.Fields{
			"type":     change.Type,
			"issue_id": change.IssueID,
		})
	}
}

// Stop signals the hub to stop. It is safe to call more than once.
func (h *Hub) Stop() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
}

// Wait blocks until the hub has stopped.
func (h *Hub) Wait() {
	<-h.stopped
}

// Register adds a client. It reports false when the hub has already stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case <-h.stopped:
		return false
	default:
	}
	select {
	case h.register <- client:
		return true
	case <-h.stopped:
		return false
	}
}

// Unregister removes a client by ID.
func (h *Hub) Unregister(clientID string) {
	select {
	case h.unregister <- clientID:
	case <-h.stopped:
	}
}

// ClientCount returns the current number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// cleanup notifies and closes all clients during shutdown.
func (h *Hub) cleanup(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, client := range h.clients {
		select {
		case client.control <- map[string]any{"type": "shutdown"}:
		default:
			logger.Warn(ctx, "could not send shutdown notice: channel full", logger.Fields{"client_id": id})
		}
	}
	if len(h.clients) > 0 {
		time.Sleep(shutdownGrace)
	}
	for _, client := range h.clients {
		client.Close()
	}
	h.clients = map[string]*Client{}
	logger.Info(ctx, "hub cleanup complete", nil)
}
