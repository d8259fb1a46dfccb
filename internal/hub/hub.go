package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lumina-crm/pulse/internal/events"
)

// ViolationFunc is called when an event would reach a session outside its
// organization. Delivery is structurally room-scoped so this should never
// fire; it exists as defense-in-depth and for alerting.
type ViolationFunc func(eventName, roomOrg, sessionOrg string)

// Session is one live client connection bound to exactly one organization.
type Session struct {
	ID             string
	UserID         string
	OrganizationID string
	ConnectedAt    time.Time

	// mu serializes enqueue against close so a publish racing a
	// disconnect can never send on a closed channel.
	mu      sync.Mutex
	closed  bool
	out     chan events.DomainEvent
	dropped atomic.Int64
}

// NewSession creates a session for an authenticated identity. The buffer
// bounds the outbound queue; when it overflows the oldest event is dropped.
func NewSession(userID, organizationID string, buffer int) *Session {
	if buffer <= 0 {
		buffer = 64
	}
	return &Session{
		ID:             uuid.New().String(),
		UserID:         userID,
		OrganizationID: organizationID,
		ConnectedAt:    time.Now().UTC(),
		out:            make(chan events.DomainEvent, buffer),
	}
}

// Events returns the session's outbound event stream. The channel is
// closed when the session is unregistered.
func (s *Session) Events() <-chan events.DomainEvent {
	return s.out
}

// Dropped reports how many events were discarded due to backpressure.
func (s *Session) Dropped() int64 {
	return s.dropped.Load()
}

// close marks the session dead and closes its event stream. Safe to
// call more than once.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
}

// enqueue delivers an event to the session, dropping the oldest queued
// event on overflow. A slow consumer loses stale invalidations, which is
// safe: the client refetches on the next event or reconnect. Events for
// a closed session are discarded.
//
// The loop never blocks while holding the lock: both selects fall
// through, and only the consumer can drain the channel, so a failed
// send means the next drop-then-retry succeeds.
func (s *Session) enqueue(e events.DomainEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.out <- e:
			return
		default:
		}
		select {
		case <-s.out:
			n := s.dropped.Add(1)
			if n == 1 || n%100 == 0 {
				slog.Warn("session queue overflow, dropping oldest events",
					"session_id", s.ID,
					"dropped_total", n,
				)
			}
		default:
		}
	}
}

// Hub routes domain events to sessions grouped into per-organization
// rooms. The room table is the only shared mutable structure: entries are
// added on join and removed on leave/disconnect, always driven by that
// session's own transport lifecycle.
type Hub struct {
	mu       sync.Mutex
	rooms    map[string]map[*Session]struct{}
	sessions map[*Session]string // session -> joined room ("" if none)

	onViolation ViolationFunc
}

func New() *Hub {
	return &Hub{
		rooms:    make(map[string]map[*Session]struct{}),
		sessions: make(map[*Session]string),
	}
}

// SetViolationHandler registers a callback for room-isolation violations.
func (h *Hub) SetViolationHandler(fn ViolationFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onViolation = fn
}

// Register adds a session to the hub. It joins no room until Join is called.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; !ok {
		h.sessions[s] = ""
	}
}

// Unregister removes the session from its room (if any) and closes its
// event stream. Safe to call more than once.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if room, ok := h.sessions[s]; ok {
		if room != "" {
			h.removeFromRoom(s, room)
		}
		delete(h.sessions, s)
	}
	h.mu.Unlock()

	s.close()
}

// Shutdown unregisters every session, closing their event streams so
// attached write pumps drain and exit.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		h.Unregister(s)
	}
}

// Join binds the session to its organization's room. A session belongs to
// exactly one room: joining the room it is already in is a no-op, and a
// request for any other organization is refused.
func (h *Hub) Join(s *Session, organizationID string) bool {
	if organizationID != s.OrganizationID {
		slog.Error("refusing cross-organization join",
			"session_id", s.ID,
			"session_org", s.OrganizationID,
			"requested_org", organizationID,
		)
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	current, registered := h.sessions[s]
	if !registered {
		h.sessions[s] = ""
	}
	if current == organizationID {
		return true
	}
	if current != "" {
		h.removeFromRoom(s, current)
	}

	room := h.rooms[organizationID]
	if room == nil {
		room = make(map[*Session]struct{})
		h.rooms[organizationID] = room
	}
	room[s] = struct{}{}
	h.sessions[s] = organizationID
	return true
}

// Leave removes the session from the named room if it is a member.
func (h *Hub) Leave(s *Session, organizationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s] == organizationID {
		h.removeFromRoom(s, organizationID)
		h.sessions[s] = ""
	}
}

func (h *Hub) removeFromRoom(s *Session, organizationID string) {
	if room, ok := h.rooms[organizationID]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(h.rooms, organizationID)
		}
	}
}

// RoomSize reports the number of sessions joined to an organization's room.
func (h *Hub) RoomSize(organizationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[organizationID])
}

// Publish delivers an event to every session currently joined to the
// organization's room and no other. Delivery is best-effort, at-most-once
// per connected session; sessions joining later do not receive it. The
// per-session queue preserves a publisher's ordering for sequential calls.
func (h *Hub) Publish(organizationID, eventName string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal event payload",
			"event", eventName,
			"organization_id", organizationID,
			"error", err,
		)
		return
	}

	e := events.DomainEvent{
		Name:           eventName,
		OrganizationID: organizationID,
		Payload:        raw,
	}

	h.mu.Lock()
	members := make([]*Session, 0, len(h.rooms[organizationID]))
	for s := range h.rooms[organizationID] {
		members = append(members, s)
	}
	onViolation := h.onViolation
	h.mu.Unlock()

	for _, s := range members {
		// Membership is keyed by the session's own organization, so this
		// check should never fail. Fail loud if it does.
		if s.OrganizationID != organizationID {
			slog.Error("room isolation violation",
				"event", eventName,
				"room_org", organizationID,
				"session_org", s.OrganizationID,
				"session_id", s.ID,
			)
			if onViolation != nil {
				onViolation(eventName, organizationID, s.OrganizationID)
			}
			continue
		}
		s.enqueue(e)
	}

	slog.Debug("event published",
		"event", eventName,
		"organization_id", organizationID,
		"recipients", len(members),
	)
}
