package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/lumina-crm/pulse/internal/events"
	"github.com/lumina-crm/pulse/internal/hub"
)

func startServer(t *testing.T) (*hub.Hub, *httptest.Server) {
	t.Helper()
	h := hub.New()
	srv := NewServer(h, nil, 16)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ts.Close)
	return h, ts
}

func dial(t *testing.T, ts *httptest.Server, userID, orgID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, ts.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"X-User-ID":         []string{userID},
			"X-Organization-ID": []string{orgID},
		},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, _ := json.Marshal(data)
	frame, _ := json.Marshal(Frame{Event: event, Data: raw})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) (Frame, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return Frame{}, false
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return f, true
}

func waitForRoom(t *testing.T, h *hub.Hub, org string, size int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.RoomSize(org) == size {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room %s never reached size %d", org, size)
}

func TestHandleWebSocket_RequiresIdentity(t *testing.T) {
	_, ts := startServer(t)

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestJoinAndReceive(t *testing.T) {
	h, ts := startServer(t)
	conn := dial(t, ts, "u1", "org-a")

	sendFrame(t, conn, events.JoinOrganization, "org-a")
	waitForRoom(t, h, "org-a", 1)

	h.Publish("org-a", events.CallCreated, map[string]any{"id": "c1"})

	f, ok := readFrame(t, conn, 2*time.Second)
	if !ok {
		t.Fatal("no frame received")
	}
	if f.Event != events.CallCreated {
		t.Errorf("expected call:created, got %s", f.Event)
	}
	var payload map[string]any
	json.Unmarshal(f.Data, &payload)
	if payload["id"] != "c1" {
		t.Errorf("unexpected payload %v", payload)
	}
}

func TestTenantIsolationOverWire(t *testing.T) {
	h, ts := startServer(t)

	connA := dial(t, ts, "u1", "org-a")
	connB := dial(t, ts, "u2", "org-b")
	sendFrame(t, connA, events.JoinOrganization, "org-a")
	sendFrame(t, connB, events.JoinOrganization, "org-b")
	waitForRoom(t, h, "org-a", 1)
	waitForRoom(t, h, "org-b", 1)

	h.Publish("org-a", events.LeadCreated, map[string]any{"id": "l1"})

	if f, ok := readFrame(t, connA, 2*time.Second); !ok || f.Event != events.LeadCreated {
		t.Errorf("org-a session missed its event: %v %v", f, ok)
	}
	if f, ok := readFrame(t, connB, 300*time.Millisecond); ok {
		t.Errorf("org-b session observed org-a event: %+v", f)
	}
}

func TestCrossOrganizationJoinClosesConnection(t *testing.T) {
	h, ts := startServer(t)
	conn := dial(t, ts, "u1", "org-a")

	sendFrame(t, conn, events.JoinOrganization, "org-b")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("expected connection close after cross-org join")
	}
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("expected policy violation close, got %v", err)
	}
	if h.RoomSize("org-b") != 0 {
		t.Error("foreign room gained a member")
	}
}

func TestLeaveStopsDelivery(t *testing.T) {
	h, ts := startServer(t)
	conn := dial(t, ts, "u1", "org-a")

	sendFrame(t, conn, events.JoinOrganization, "org-a")
	waitForRoom(t, h, "org-a", 1)
	sendFrame(t, conn, events.LeaveOrganization, "org-a")
	waitForRoom(t, h, "org-a", 0)

	h.Publish("org-a", events.CallUpdated, map[string]any{"id": "c1"})
	if f, ok := readFrame(t, conn, 300*time.Millisecond); ok {
		t.Errorf("received event after leave: %+v", f)
	}
}

func TestDisconnectRemovesSession(t *testing.T) {
	h, ts := startServer(t)
	conn := dial(t, ts, "u1", "org-a")

	sendFrame(t, conn, events.JoinOrganization, "org-a")
	waitForRoom(t, h, "org-a", 1)

	conn.Close(websocket.StatusNormalClosure, "")
	waitForRoom(t, h, "org-a", 0)
}
