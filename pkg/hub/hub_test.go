package hub

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/bountyhook/pkg/bounty"
	"github.com/codeGROOVE-dev/bountyhook/pkg/store"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive(t *testing.T, c *Client) bounty.Change {
	t.Helper()
	select {
	case change := <-c.send:
		return change
	case <-time.After(time.Second):
		t.Fatalf("client %s received nothing", c.ID)
		return bounty.Change{}
	}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case change := <-c.send:
		t.Errorf("client %s unexpectedly received %+v", c.ID, change)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	all := NewClient("all", Subscription{}, nil)
	repo7 := NewClient("repo7", Subscription{RepoIDs: []int64{7}}, nil)
	alice := NewClient("alice", Subscription{ClaimedBy: "alice"}, nil)

	for _, c := range []*Client{all, repo7, alice} {
		if !hub.Register(c) {
			t.Fatalf("Register(%s) failed", c.ID)
		}
	}
	waitFor(t, func() bool { return hub.ClientCount() == 3 })

	hub.Publish(bounty.Change{Type: bounty.ChangeClaimed, RepoID: 7, IssueID: 42, ClaimedBy: "alice"})
	for _, c := range []*Client{all, repo7, alice} {
		if got := receive(t, c); got.IssueID != 42 {
			t.Errorf("client %s got %+v", c.ID, got)
		}
	}

	hub.Publish(bounty.Change{Type: bounty.ChangeTracked, RepoID: 8, IssueID: 43})
	if got := receive(t, all); got.IssueID != 43 {
		t.Errorf("all got %+v", got)
	}
	expectNothing(t, repo7)
	expectNothing(t, alice)

	hub.Unregister("repo7")
	waitFor(t, func() bool { return hub.ClientCount() == 2 })
	select {
	case <-repo7.Done():
	case <-time.After(time.Second):
		t.Error("unregistered client was not closed")
	}
}

func TestHubUnclaimReachesPreviousClaimant(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	alice := NewClient("alice", Subscription{ClaimedBy: "alice"}, nil)
	hub.Register(alice)
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.Publish(bounty.Change{Type: bounty.ChangeUnclaimed, RepoID: 7, IssueID: 42, PreviousClaimedBy: "alice"})
	if got := receive(t, alice); got.Type != bounty.ChangeUnclaimed {
		t.Errorf("got %+v", got)
	}
}

func TestHubUntrackReachesClaimant(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := store.Open(ctx, store.Config{
		DSN:             fmt.Sprintf("file:hub-untrack-%d?mode=memory&cache=shared", time.Now().UnixNano()),
		ConnectAttempts: 1,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.CreateSchema(ctx); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	hub := NewHub()
	go hub.Run(ctx)

	alice := NewClient("alice", Subscription{ClaimedBy: "alice"}, nil)
	bob := NewClient("bob", Subscription{ClaimedBy: "bob"}, nil)
	hub.Register(alice)
	hub.Register(bob)
	waitFor(t, func() bool { return hub.ClientCount() == 2 })

	p := bounty.New(s, bounty.WithPublisher(hub))
	event := func(action string, mutate func(*bounty.Payload)) {
		t.Helper()
		env := &bounty.Envelope{
			Event: bounty.EventIssues,
			Payload: bounty.Payload{
				Action:     action,
				Repository: &bounty.Repository{ID: 7},
				Issue:      &bounty.Issue{ID: 42, URL: "https://x/42"},
			},
		}
		if mutate != nil {
			mutate(&env.Payload)
		}
		if _, err := p.Process(ctx, env); err != nil {
			t.Fatalf("Process(%s): %v", action, err)
		}
	}
	bountyLabel := func(pl *bounty.Payload) { pl.Label = &bounty.Label{Name: bounty.DefaultLabel} }

	event(bounty.ActionLabeled, bountyLabel)
	event(bounty.ActionAssigned, func(pl *bounty.Payload) { pl.Assignee = &bounty.User{Login: "alice"} })
	event(bounty.ActionUnlabeled, bountyLabel)

	if got := receive(t, alice); got.Type != bounty.ChangeClaimed {
		t.Fatalf("first change = %+v, want claimed", got)
	}
	got := receive(t, alice)
	if got.Type != bounty.ChangeUntracked || got.PreviousClaimedBy != "alice" || !got.Open {
		t.Errorf("second change = %+v, want open untracked previously claimed by alice", got)
	}
	expectNothing(t, bob)
}

func TestHubDropsWhenClientBufferFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	slow := NewClient("slow", Subscription{}, nil)
	hub.Register(slow)
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	for i := range sendBufferSize + 10 {
		hub.Publish(bounty.Change{Type: bounty.ChangeClosed, IssueID: int64(i + 1)})
	}
	waitFor(t, func() bool { return len(slow.send) == sendBufferSize })

	// The hub keeps serving after dropping.
	hub.Unregister("slow")
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestHubStop(t *testing.T) {
	hub := NewHub()
	go hub.Run(context.Background())

	c := NewClient("c1", Subscription{}, nil)
	hub.Register(c)
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.Stop()
	hub.Stop()

	done := make(chan struct{})
	go func() {
		hub.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	select {
	case msg := <-c.control:
		if msg["type"] != "shutdown" {
			t.Errorf("control message = %v, want shutdown", msg)
		}
	default:
		t.Error("client did not receive shutdown notice")
	}
	select {
	case <-c.Done():
	default:
		t.Error("client not closed on stop")
	}

	if hub.Register(NewClient("late", Subscription{}, nil)) {
		t.Error("Register after stop should fail")
	}
	hub.Unregister("c1")
	// Publish after stop must not block.
	hub.Publish(bounty.Change{Type: bounty.ChangeClosed})
}

func TestClientControlIsNonBlocking(t *testing.T) {
	c := NewClient("c1", Subscription{}, nil)
	for range controlBufferSize {
		if !c.Control(map[string]any{"type": "pong"}) {
			t.Fatal("control should accept while buffer has room")
		}
	}
	if c.Control(map[string]any{"type": "pong"}) {
		t.Error("control should refuse when full")
	}
	c.Close()
	c.Close()
}
