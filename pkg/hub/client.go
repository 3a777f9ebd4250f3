package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/bountyhook/pkg/bounty"
	"github.com/codeGROOVE-dev/bountyhook/pkg/logger"
)

const (
	sendBufferSize    = 100
	controlBufferSize = 5
)

// Client is a connected WebSocket subscriber.
// Run is the only goroutine that writes to the connection; the hub and the
// read loop hand it messages through channels. The channels are never closed,
// so late sends from the hub cannot panic; done signals termination instead.
type Client struct {
	conn         *websocket.Conn
	send         chan bounty.Change
	control      chan map[string]any
	done         chan struct{}
	ID           string
	subscription Subscription
	closeOnce    sync.Once
}

// NewClient creates a new client.
func NewClient(id string, sub Subscription, conn *websocket.Conn) *Client {
	return &Client{
		ID:           id,
		subscription: sub,
		conn:         conn,
		send:         make(chan bounty.Change, sendBufferSize),
		control:      make(chan map[string]any, controlBufferSize),
		done:         make(chan struct{}),
	}
}

// Run writes changes, control messages and periodic pings to the client
// until ctx is cancelled, the client is closed, or a write fails.
func (c *Client) Run(ctx context.Context, pingInterval, writeTimeout time.Duration) {
	defer c.Close()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var pingSeq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return

		case <-pingTicker.C:
			pingSeq++
			if err := c.write(map[string]any{"type": "ping", "seq": pingSeq}, writeTimeout); err != nil {
				logger.Warn(ctx, "client ping failed", logger.Fields{"client_id": c.ID, "error": err.Error()})
				return
			}

		case ctrl := <-c.control:
			if err := c.write(ctrl, writeTimeout); err != nil {
				logger.Warn(ctx, "client control message failed", logger.Fields{"client_id": c.ID, "error": err.Error()})
				return
			}

		case change := <-c.send:
			if err := c.write(change, writeTimeout); err != nil {
				logger.Warn(ctx, "client change send failed", logger.Fields{
					"client_id": c.ID,
					"type":      change.Type,
					"error":     err.Error(),
				})
				return
			}
		}
	}
}

func (c *Client) write(msg any, timeout time.Duration) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := websocket.JSON.Send(c.conn, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Control queues a control message without blocking.
func (c *Client) Control(msg map[string]any) bool {
	select {
	case c.control <- msg:
		return true
	default:
		return false
	}
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close stops the client. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
