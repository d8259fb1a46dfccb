// Package ws exposes the hub over WebSocket. Each accepted connection
// becomes one hub session bound to the authenticated organization.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/lumina-crm/pulse/internal/events"
	"github.com/lumina-crm/pulse/internal/hub"
)

const maxFrameBytes = 64 * 1024

// Frame is the wire envelope in both directions:
// {"event": "...", "data": ...}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Identity is the authenticated caller. Authentication itself happens
// upstream; the server trusts the identity headers it is handed.
type Identity struct {
	UserID         string
	OrganizationID string
}

// IdentityFunc extracts the caller identity from the upgrade request.
type IdentityFunc func(r *http.Request) (Identity, bool)

// HeaderIdentity reads X-User-ID and X-Organization-ID, the headers set
// by the authenticating reverse proxy.
func HeaderIdentity(r *http.Request) (Identity, bool) {
	id := Identity{
		UserID:         r.Header.Get("X-User-ID"),
		OrganizationID: r.Header.Get("X-Organization-ID"),
	}
	return id, id.UserID != "" && id.OrganizationID != ""
}

// Server manages WebSocket connections on top of the hub.
type Server struct {
	hub        *hub.Hub
	identity   IdentityFunc
	bufferSize int
}

func NewServer(h *hub.Hub, identity IdentityFunc, bufferSize int) *Server {
	if identity == nil {
		identity = HeaderIdentity
	}
	return &Server{hub: h, identity: identity, bufferSize: bufferSize}
}

// HandleWebSocket is the HTTP handler for /ws.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sess := hub.NewSession(id.UserID, id.OrganizationID, s.bufferSize)
	s.hub.Register(sess)
	defer s.hub.Unregister(sess)

	slog.Info("session connected",
		"session_id", sess.ID,
		"user_id", id.UserID,
		"organization_id", id.OrganizationID,
	)
	defer slog.Info("session disconnected", "session_id", sess.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.writePump(ctx, cancel, conn, sess)
	s.readLoop(ctx, conn, sess)

	conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop handles room control frames from the client until the
// connection drops.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *hub.Session) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				slog.Debug("websocket read ended", "session_id", sess.ID, "error", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("malformed frame, ignoring", "session_id", sess.ID, "error", err)
			continue
		}

		switch frame.Event {
		case events.JoinOrganization:
			var orgID string
			if err := json.Unmarshal(frame.Data, &orgID); err != nil || orgID == "" {
				slog.Warn("join with invalid payload", "session_id", sess.ID)
				continue
			}
			if !s.hub.Join(sess, orgID) {
				conn.Close(websocket.StatusPolicyViolation, "organization mismatch")
				return
			}
		case events.LeaveOrganization:
			var orgID string
			if err := json.Unmarshal(frame.Data, &orgID); err == nil && orgID != "" {
				s.hub.Leave(sess, orgID)
			}
		default:
			slog.Debug("ignoring unknown client frame", "event", frame.Event, "session_id", sess.ID)
		}
	}
}

// writePump drains the session's event queue onto the wire.
func (s *Server) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sess *hub.Session) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sess.Events():
			if !ok {
				return
			}
			frame, err := json.Marshal(Frame{Event: e.Name, Data: e.Payload})
			if err != nil {
				slog.Error("failed to marshal outbound frame", "event", e.Name, "error", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		}
	}
}
