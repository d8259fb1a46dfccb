package client

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/lumina-crm/pulse/internal/events"
	"github.com/lumina-crm/pulse/internal/model"
)

// Cached query keys. Detail keys are parameterized by entity ID.
const (
	KeyCallsList        = "calls-list"
	KeyDashboardMetrics = "dashboard-metrics"
	KeyAgentsList       = "agents-list"
	KeyLeadsList        = "leads-list"
	KeyCampaignsList    = "campaigns-list"
	KeyNotifications    = "notifications"
)

// CallDetailKey is the cache key for one call's detail query.
func CallDetailKey(id string) string {
	return "call-detail:" + id
}

// Cache is the client-side query cache the invalidator drives.
// Invalidate marks a key stale, triggering a refetch; it never guesses
// at new data. The single exception is notifications, which are
// prepended directly: append-only, low-risk, and latency-sensitive
// enough that a refetch round-trip is not worth it.
type Cache interface {
	Invalidate(key string)
	PrependNotification(n model.Notification)
}

// Invalidator maps incoming event names to the cache keys they affect.
// The table is static; unknown events are ignored.
type Invalidator struct {
	cache Cache
}

func NewInvalidator(cache Cache) *Invalidator {
	return &Invalidator{cache: cache}
}

// Bind subscribes the invalidator to every mapped event on the
// connection and returns the handles (callers embedding their own
// handlers can Swap them later).
func (iv *Invalidator) Bind(c *Conn) []*Subscription {
	mapped := []string{
		events.CallCreated, events.CallUpdated,
		events.AgentUpdated,
		events.LeadCreated, events.LeadUpdated, events.LeadDeleted,
		events.CampaignCreated, events.CampaignUpdated, events.CampaignDeleted,
		events.NotificationCreated,
	}

	subs := make([]*Subscription, 0, len(mapped))
	for _, name := range mapped {
		name := name
		subs = append(subs, c.On(name, func(payload json.RawMessage) {
			iv.Handle(name, payload)
		}))
	}
	return subs
}

// Handle applies the invalidation rules for one event.
func (iv *Invalidator) Handle(event string, payload json.RawMessage) {
	switch event {
	case events.CallCreated:
		iv.cache.Invalidate(KeyCallsList)
		iv.cache.Invalidate(KeyDashboardMetrics)

	case events.CallUpdated:
		iv.cache.Invalidate(KeyCallsList)
		iv.cache.Invalidate(KeyDashboardMetrics)
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(payload, &p); err == nil && p.ID != "" {
			iv.cache.Invalidate(CallDetailKey(p.ID))
		}

	case events.AgentUpdated:
		iv.cache.Invalidate(KeyAgentsList)
		iv.cache.Invalidate(KeyDashboardMetrics)

	case events.LeadCreated, events.LeadUpdated, events.LeadDeleted:
		iv.cache.Invalidate(KeyLeadsList)

	case events.CampaignCreated, events.CampaignUpdated, events.CampaignDeleted:
		iv.cache.Invalidate(KeyCampaignsList)

	case events.NotificationCreated:
		var n model.Notification
		if err := json.Unmarshal(payload, &n); err != nil {
			slog.Warn("malformed notification payload, falling back to invalidation", "error", err)
			iv.cache.Invalidate(KeyNotifications)
			return
		}
		iv.cache.PrependNotification(n)
	}
}

// QueryCache is an in-memory Cache for Go consumers: it tracks staleness
// per key and holds the notifications list directly.
type QueryCache struct {
	mu            sync.Mutex
	entries       map[string]any
	stale         map[string]bool
	notifications []model.Notification
}

func NewQueryCache() *QueryCache {
	return &QueryCache{
		entries: make(map[string]any),
		stale:   make(map[string]bool),
	}
}

// Set stores a fresh query result.
func (q *QueryCache) Set(key string, value any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[key] = value
	delete(q.stale, key)
}

// Get returns the cached value and whether it is still fresh.
func (q *QueryCache) Get(key string) (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.entries[key]
	if !ok {
		return nil, false
	}
	return v, !q.stale[key]
}

// Invalidate marks a key stale without discarding the value, so the UI
// can keep rendering the old data while the refetch is in flight.
func (q *QueryCache) Invalidate(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stale[key] = true
}

// Stale reports whether a key needs a refetch.
func (q *QueryCache) Stale(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stale[key]
}

// PrependNotification inserts the notification at the head of the cached
// list without marking it stale.
func (q *QueryCache) PrependNotification(n model.Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notifications = append([]model.Notification{n}, q.notifications...)
}

// Notifications returns a copy of the cached notification list.
func (q *QueryCache) Notifications() []model.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.Notification, len(q.notifications))
	copy(out, q.notifications)
	return out
}

// SetNotifications replaces the cached list, e.g. after a full refetch.
func (q *QueryCache) SetNotifications(list []model.Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notifications = make([]model.Notification, len(list))
	copy(q.notifications, list)
}
