package events

import (
	"encoding/json"
	"log/slog"
)

// DomainEvent is the unit of real-time fan-out. Events are ephemeral:
// they are delivered to sessions currently joined to the owning
// organization's room and never persisted or replayed.
type DomainEvent struct {
	Name           string          `json:"event"`
	OrganizationID string          `json:"organization_id"`
	Payload        json.RawMessage `json:"payload"`
}

// Server-to-client event names. Clients map these to cache invalidations.
const (
	CallCreated         = "call:created"
	CallUpdated         = "call:updated"
	AgentUpdated        = "agent:updated"
	LeadCreated         = "lead:created"
	LeadUpdated         = "lead:updated"
	LeadDeleted         = "lead:deleted"
	NotificationCreated = "notification:created"
	CampaignCreated     = "campaign:created"
	CampaignUpdated     = "campaign:updated"
	CampaignDeleted     = "campaign:deleted"
)

// Client-to-server room control events.
const (
	JoinOrganization  = "join:organization"
	LeaveOrganization = "leave:organization"
)

// Normalize parses a raw ingress message into a DomainEvent and fills in
// what it can. The organization ID cannot be invented: an event without
// one is undeliverable and the caller must reject it.
func Normalize(raw []byte) (DomainEvent, error) {
	var e DomainEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return DomainEvent{}, err
	}

	if e.Payload == nil {
		e.Payload = json.RawMessage(`{}`)
	}

	if e.Name == "" {
		slog.Warn("event missing name", "organization_id", e.OrganizationID)
	}

	return e, nil
}

// PayloadField extracts a string field from the payload JSON.
func (e *DomainEvent) PayloadField(key string) string {
	var m map[string]any
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return ""
	}
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// PayloadMap returns the payload as a generic map.
func (e *DomainEvent) PayloadMap() map[string]any {
	var m map[string]any
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return nil
	}
	return m
}
