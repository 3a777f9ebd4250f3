package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/bountyhook/pkg/bounty"
)

const (
	msgTypeField = "type"

	// Server pings every 54s; reads time out well after that.
	readTimeout         = 90 * time.Second
	confirmTimeout      = 5 * time.Second
	pongWriteTimeout    = 5 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultMaxBackoff   = 30 * time.Second
)

// RejectedError reports a subscription the server refused. It is not retried.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "subscription rejected: " + e.Reason
}

// Config holds the configuration for the client.
type Config struct {
	Logger       *slog.Logger
	OnChange     func(bounty.Change)
	OnConnect    func()
	OnDisconnect func(error)
	ServerURL    string
	ClaimedBy    string
	RepoIDs      []int64
	MaxBackoff   time.Duration
	PingInterval time.Duration
	MaxRetries   int
	NoReconnect  bool
}

// Client is a feed subscriber with automatic reconnection.
type Client struct {
	logger   *slog.Logger
	ws       *websocket.Conn
	stopCh   chan struct{}
	config   Config
	stopOnce sync.Once
	mu       sync.Mutex
	changes  int
	retries  uint
}

// New validates config and creates a client.
func New(config Config) (*Client, error) {
	if config.ServerURL == "" {
		return nil, errors.New("serverURL is required")
	}
	if !strings.HasPrefix(config.ServerURL, "ws://") && !strings.HasPrefix(config.ServerURL, "wss://") {
		return nil, fmt.Errorf("serverURL must use ws:// or wss://, got %q", config.ServerURL)
	}
	if config.PingInterval == 0 {
		config.PingInterval = defaultPingInterval
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = defaultMaxBackoff
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	return &Client{
		config: config,
		stopCh: make(chan struct{}),
		logger: logger,
	}, nil
}

// Start connects and blocks, reconnecting after failures, until ctx is
// cancelled, Stop is called, the retry budget is spent, or the server
// rejects the subscription.
func (c *Client) Start(ctx context.Context) error {
	opts := []retry.Option{
		retry.Context(ctx),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.MaxDelay(c.config.MaxBackoff),
		retry.OnRetry(func(n uint, err error) {
			c.mu.Lock()
			c.retries = n + 1
			received := c.changes
			c.mu.Unlock()

			c.logger.Warn("feed connection lost", "error", err, "changes_received", received, "attempt", n+1)
			if c.config.OnDisconnect != nil {
				c.config.OnDisconnect(err)
			}
		}),
		retry.RetryIf(func(err error) bool {
			var rejected *RejectedError
			if errors.As(err, &rejected) {
				c.logger.Error("subscription rejected by server", "reason", rejected.Reason)
				return false
			}
			if c.config.NoReconnect {
				return false
			}
			select {
			case <-c.stopCh:
				return false
			default:
				return true
			}
		}),
	}
	if c.config.MaxRetries > 0 {
		opts = append(opts, retry.Attempts(uint(c.config.MaxRetries))) //nolint:gosec // user-configured, small
	} else {
		opts = append(opts, retry.UntilSucceeded())
	}

	return retry.Do(func() error {
		select {
		case <-ctx.Done():
			return retry.Unrecoverable(ctx.Err())
		case <-c.stopCh:
			return retry.Unrecoverable(errors.New("stop requested"))
		default:
		}

		c.mu.Lock()
		n := c.retries
		c.mu.Unlock()
		if n == 0 {
			c.logger.Info("connecting to feed", "url", c.config.ServerURL)
		} else {
			c.logger.Info("reconnecting to feed", "url", c.config.ServerURL, "attempt", n)
		}
		return c.connect(ctx)
	}, opts...)
}

// Stop closes the connection and ends Start. It is safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		if err := c.ws.Close(); err != nil {
			c.logger.Debug("error closing websocket on stop", "error", err)
		}
	}
}

// Received returns the number of changes delivered to OnChange.
func (c *Client) Received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changes
}

func (c *Client) connect(ctx context.Context) error {
	origin := "http://localhost/"
	if strings.HasPrefix(c.config.ServerURL, "wss://") {
		origin = "https://localhost/"
	}
	ws, err := websocket.Dial(c.config.ServerURL, "", origin)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	select {
	case <-c.stopCh:
		c.mu.Unlock()
		_ = ws.Close()
		return retry.Unrecoverable(errors.New("stop requested"))
	default:
	}
	c.ws = ws
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		if err := ws.Close(); err != nil {
			c.logger.Debug("failed to close websocket cleanly", "error", err)
		}
	}()

	sub := map[string]any{}
	if len(c.config.RepoIDs) > 0 {
		sub["repo_ids"] = c.config.RepoIDs
	}
	if c.config.ClaimedBy != "" {
		sub["claimed_by"] = c.config.ClaimedBy
	}
	if err := websocket.JSON.Send(ws, sub); err != nil {
		return fmt.Errorf("write subscription: %w", err)
	}

	if err := ws.SetReadDeadline(time.Now().Add(confirmTimeout)); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	var first map[string]any
	if err := websocket.JSON.Receive(ws, &first); err != nil {
		return fmt.Errorf("read subscription response: %w", err)
	}
	if first[msgTypeField] == "error" {
		reason, _ := first["error"].(string) //nolint:errcheck // type assertion
		return &RejectedError{Reason: reason}
	}
	c.logger.Info("subscribed to feed", "client_id", first["client_id"], "repo_ids", c.config.RepoIDs, "claimed_by", c.config.ClaimedBy)

	if c.config.OnConnect != nil {
		c.config.OnConnect()
	}
	c.mu.Lock()
	c.retries = 0
	c.mu.Unlock()

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.sendPings(pingCtx, ws)

	return c.readChanges(ctx, ws)
}

func (c *Client) sendPings(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			if err := websocket.JSON.Send(ws, map[string]any{msgTypeField: "ping", "seq": seq}); err != nil {
				c.logger.Warn("failed to send keep-alive ping", "error", err)
				return
			}
		}
	}
}

func (c *Client) readChanges(ctx context.Context, ws *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return retry.Unrecoverable(ctx.Err())
		default:
		}

		if err := ws.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		var raw json.RawMessage
		if err := websocket.JSON.Receive(ws, &raw); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && ctx.Err() == nil {
				return fmt.Errorf("no traffic for %s: %w", readTimeout, err)
			}
			if ctx.Err() != nil {
				return retry.Unrecoverable(ctx.Err())
			}
			return fmt.Errorf("read: %w", err)
		}

		var msg struct {
			Seq  any    `json:"seq"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("ignoring malformed message", "error", err)
			continue
		}

		switch msg.Type {
		case "ping":
			if err := ws.SetWriteDeadline(time.Now().Add(pongWriteTimeout)); err != nil {
				return fmt.Errorf("set write deadline: %w", err)
			}
			if err := websocket.JSON.Send(ws, map[string]any{msgTypeField: "pong", "seq": msg.Seq}); err != nil {
				return fmt.Errorf("send pong: %w", err)
			}
			continue
		case "pong":
			continue
		case "shutdown":
			c.logger.Info("server shutting down")
			return errors.New("server shutdown")
		}

		var change bounty.Change
		if err := json.Unmarshal(raw, &change); err != nil {
			c.logger.Warn("ignoring malformed change", "error", err)
			continue
		}
		c.mu.Lock()
		c.changes++
		c.mu.Unlock()

		c.logger.Debug("change received", "type", change.Type, "issue_id", change.IssueID, "repo_id", change.RepoID)
		if c.config.OnChange != nil {
			c.config.OnChange(change)
		}
	}
}
