package model

import "time"

// NotificationType classifies a notification for client rendering and
// metadata shape.
type NotificationType string

const (
	NotificationWelcome      NotificationType = "welcome"
	NotificationCall         NotificationType = "call"
	NotificationBilling      NotificationType = "billing"
	NotificationUpdate       NotificationType = "update"
	NotificationLeadAssigned NotificationType = "lead_assigned"
)

// ValidNotificationType reports whether t is one of the known types.
func ValidNotificationType(t NotificationType) bool {
	switch t {
	case NotificationWelcome, NotificationCall, NotificationBilling,
		NotificationUpdate, NotificationLeadAssigned:
		return true
	}
	return false
}

// Notification is created by domain logic, never by clients. Its read
// flag only ever transitions false to true.
type Notification struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organizationId"`
	UserID         string           `json:"userId"`
	Type           NotificationType `json:"type"`
	Title          string           `json:"title"`
	Message        string           `json:"message"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	Read           bool             `json:"read"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// Lead is a sales lead moving through pipeline stages.
type Lead struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Name           string    `json:"name"`
	Email          string    `json:"email,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	Company        string    `json:"company,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	PipelineStage  string    `json:"pipelineStage"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// AssignmentAction is the verb of a pipeline assignment.
type AssignmentAction string

const (
	ActionCreate AssignmentAction = "create"
	ActionUpdate AssignmentAction = "update"
	ActionDelete AssignmentAction = "delete"
)

// ValidAssignmentAction reports whether a is one of the three allowed verbs.
func ValidAssignmentAction(a AssignmentAction) bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// LeadData carries the lead fields an assignment creates or updates.
type LeadData struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Company string `json:"company,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// PipelineAssignment is a single proposed mutation against the lead
// store, produced by transcript analysis and consumed once by the
// applier. Assignments are transient and never persisted.
type PipelineAssignment struct {
	Action        AssignmentAction `json:"action"`
	LeadID        string           `json:"leadId,omitempty"`
	PipelineStage string           `json:"pipelineStage"`
	Reason        string           `json:"reason,omitempty"`
	LeadData      *LeadData        `json:"leadData,omitempty"`
}
