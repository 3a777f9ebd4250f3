package hub

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/bountyhook/pkg/bounty"
	"github.com/codeGROOVE-dev/bountyhook/pkg/security"
)

func dialFeed(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, err := websocket.Dial(url, "", srv.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	if err := ws.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	return ws
}

func TestWebSocketFeed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHub()
	go h.Run(ctx)
	cl := security.NewConnectionLimiter(5, 10)
	defer cl.Stop()

	srv := httptest.NewServer(NewWebSocketHandler(h, cl).Handler())
	defer srv.Close()

	ws := dialFeed(t, srv)
	if err := websocket.JSON.Send(ws, Subscription{RepoIDs: []int64{7}}); err != nil {
		t.Fatalf("send subscription: %v", err)
	}

	var confirm map[string]any
	if err := websocket.JSON.Receive(ws, &confirm); err != nil {
		t.Fatalf("receive confirmation: %v", err)
	}
	if confirm["type"] != "subscription_confirmed" {
		t.Fatalf("first message = %v", confirm)
	}
	waitFor(t, func() bool { return h.ClientCount() == 1 })

	h.Publish(bounty.Change{Type: bounty.ChangeTracked, RepoID: 8, IssueID: 1})
	h.Publish(bounty.Change{Type: bounty.ChangeTracked, RepoID: 7, IssueID: 42, Open: true})

	var change bounty.Change
	if err := websocket.JSON.Receive(ws, &change); err != nil {
		t.Fatalf("receive change: %v", err)
	}
	if change.IssueID != 42 || change.Type != bounty.ChangeTracked || !change.Open {
		t.Errorf("change = %+v", change)
	}

	if err := websocket.JSON.Send(ws, map[string]any{"type": "ping", "seq": 3}); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	var pong map[string]any
	if err := websocket.JSON.Receive(ws, &pong); err != nil {
		t.Fatalf("receive pong: %v", err)
	}
	if pong["type"] != "pong" {
		t.Errorf("pong = %v", pong)
	}

	_ = ws.Close()
	waitFor(t, func() bool { return h.ClientCount() == 0 && cl.Total() == 0 })
}

func TestWebSocketRejectsInvalidSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHub()
	go h.Run(ctx)
	cl := security.NewConnectionLimiter(5, 10)
	defer cl.Stop()

	srv := httptest.NewServer(NewWebSocketHandler(h, cl).Handler())
	defer srv.Close()

	ws := dialFeed(t, srv)
	if err := websocket.JSON.Send(ws, Subscription{RepoIDs: []int64{-1}}); err != nil {
		t.Fatalf("send subscription: %v", err)
	}
	var msg map[string]any
	if err := websocket.JSON.Receive(ws, &msg); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg["type"] != "error" {
		t.Errorf("message = %v, want error", msg)
	}
	if h.ClientCount() != 0 {
		t.Error("invalid subscriber was registered")
	}
}

func TestWebSocketConnectionLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHub()
	go h.Run(ctx)
	cl := security.NewConnectionLimiter(1, 10)
	defer cl.Stop()

	srv := httptest.NewServer(NewWebSocketHandler(h, cl).Handler())
	defer srv.Close()

	first := dialFeed(t, srv)
	if err := websocket.JSON.Send(first, Subscription{}); err != nil {
		t.Fatalf("send subscription: %v", err)
	}
	waitFor(t, func() bool { return h.ClientCount() == 1 })

	second := dialFeed(t, srv)
	var msg map[string]any
	if err := websocket.JSON.Receive(second, &msg); err == nil {
		t.Errorf("second connection from same IP should be closed, got %v", msg)
	}
}
