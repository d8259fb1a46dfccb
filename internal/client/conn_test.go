package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/lumina-crm/pulse/internal/events"
	"github.com/lumina-crm/pulse/internal/hub"
	"github.com/lumina-crm/pulse/internal/ws"
)

func startBackend(t *testing.T) (*hub.Hub, *httptest.Server) {
	t.Helper()
	h := hub.New()
	srv := ws.NewServer(h, nil, 16)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ts.Close)
	return h, ts
}

func newTestConn(ts *httptest.Server, orgID string) *Conn {
	return New(ts.URL, "u1", orgID, Options{
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStart_ConnectsJoinsAndDelivers(t *testing.T) {
	h, ts := startBackend(t)
	c := newTestConn(ts, "org-a")
	defer c.Close()

	var got atomic.Value
	c.On(events.CallCreated, func(payload json.RawMessage) {
		got.Store(string(payload))
	})

	c.Start()
	waitFor(t, "connected state", func() bool { return c.State() == Connected })
	waitFor(t, "room join", func() bool { return h.RoomSize("org-a") == 1 })

	h.Publish("org-a", events.CallCreated, map[string]any{"id": "c1"})
	waitFor(t, "event delivery", func() bool { return got.Load() != nil })

	if payload := got.Load().(string); payload != `{"id":"c1"}` {
		t.Errorf("unexpected payload %s", payload)
	}
}

func TestStart_Idempotent(t *testing.T) {
	h, ts := startBackend(t)
	c := newTestConn(ts, "org-a")
	defer c.Close()

	c.Start()
	c.Start()
	c.Start()

	waitFor(t, "room join", func() bool { return h.RoomSize("org-a") == 1 })
	// A second Start while live must not open a second session.
	time.Sleep(100 * time.Millisecond)
	if h.RoomSize("org-a") != 1 {
		t.Errorf("expected 1 session, got %d", h.RoomSize("org-a"))
	}
}

func TestReconnect_RejoinsRoom(t *testing.T) {
	h, ts := startBackend(t)
	c := newTestConn(ts, "org-a")
	defer c.Close()

	var count atomic.Int64
	c.On(events.LeadCreated, func(json.RawMessage) { count.Add(1) })

	c.Start()
	waitFor(t, "initial join", func() bool { return h.RoomSize("org-a") == 1 })

	// Kill the transport out from under the client.
	ts.CloseClientConnections()
	waitFor(t, "rejoin after reconnect", func() bool {
		return c.State() == Connected && h.RoomSize("org-a") == 1
	})

	h.Publish("org-a", events.LeadCreated, map[string]any{"id": "l1"})
	waitFor(t, "delivery after reconnect", func() bool { return count.Load() == 1 })
}

func TestClose_LeavesRoomAndStopsRetrying(t *testing.T) {
	h, ts := startBackend(t)
	c := newTestConn(ts, "org-a")

	c.Start()
	waitFor(t, "join", func() bool { return h.RoomSize("org-a") == 1 })

	c.Close()
	if c.State() != Disconnected {
		t.Errorf("expected disconnected, got %v", c.State())
	}
	waitFor(t, "room empty", func() bool { return h.RoomSize("org-a") == 0 })

	// No reconnect after explicit teardown.
	time.Sleep(150 * time.Millisecond)
	if h.RoomSize("org-a") != 0 {
		t.Error("client reconnected after Close")
	}

	c.Close() // safe to repeat
}

func TestSubscription_SwapTakesEffectWithoutResubscribe(t *testing.T) {
	h, ts := startBackend(t)
	c := newTestConn(ts, "org-a")
	defer c.Close()

	var oldCalls, newCalls atomic.Int64
	sub := c.On(events.AgentUpdated, func(json.RawMessage) { oldCalls.Add(1) })

	c.Start()
	waitFor(t, "join", func() bool { return h.RoomSize("org-a") == 1 })

	sub.Swap(func(json.RawMessage) { newCalls.Add(1) })

	h.Publish("org-a", events.AgentUpdated, map[string]any{})
	waitFor(t, "swapped handler", func() bool { return newCalls.Load() == 1 })

	if oldCalls.Load() != 0 {
		t.Errorf("stale callback invoked %d times", oldCalls.Load())
	}
}

func TestOff_RemovesSubscription(t *testing.T) {
	h, ts := startBackend(t)
	c := newTestConn(ts, "org-a")
	defer c.Close()

	var calls atomic.Int64
	sub := c.On(events.CampaignDeleted, func(json.RawMessage) { calls.Add(1) })
	c.Off(sub)

	c.Start()
	waitFor(t, "join", func() bool { return h.RoomSize("org-a") == 1 })

	h.Publish("org-a", events.CampaignDeleted, map[string]any{})
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 0 {
		t.Error("removed subscription still receiving")
	}
}

func TestRun_RetriesWithBoundedBackoff(t *testing.T) {
	var attempts atomic.Int64
	c := New("unused", "u1", "org-a", Options{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
		Dial: func(ctx context.Context) (*websocket.Conn, error) {
			attempts.Add(1)
			return nil, errors.New("refused")
		},
	})

	c.Start()
	waitFor(t, "several retries", func() bool { return attempts.Load() >= 4 })

	if got := c.State(); got != Reconnecting {
		t.Errorf("expected reconnecting while retrying, got %v", got)
	}
	c.Close()
}

func TestNextBackoff(t *testing.T) {
	max := 5 * time.Second
	seq := []time.Duration{1 * time.Second}
	for i := 0; i < 4; i++ {
		seq = append(seq, nextBackoff(seq[len(seq)-1], max))
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i := range want {
		if seq[i] != want[i] {
			t.Errorf("step %d: got %v, want %v", i, seq[i], want[i])
		}
	}
}
