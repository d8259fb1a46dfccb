// Package leads applies validated pipeline assignments to the lead store
// and echoes the resulting mutations to the organization's room.
package leads

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/lumina-crm/pulse/internal/events"
	"github.com/lumina-crm/pulse/internal/model"
)

// Store abstracts the lead persistence the applier needs.
type Store interface {
	InsertLead(ctx context.Context, l model.Lead) (model.Lead, error)
	UpdateLead(ctx context.Context, id string, data model.LeadData, pipelineStage string) (model.Lead, error)
	DeleteLead(ctx context.Context, id string) error
}

// PublishFunc delivers an event to an organization's room.
type PublishFunc func(organizationID, eventName string, payload any)

// Applier executes assignments in array order. Assignments are
// independent entities, not one atomic unit: a mid-sequence failure is
// logged and the sequence continues.
type Applier struct {
	store   Store
	publish PublishFunc
}

func NewApplier(store Store, publish PublishFunc) *Applier {
	return &Applier{store: store, publish: publish}
}

// Apply runs each assignment against the store and raises the matching
// lead:* event on success. Returns the number applied.
func (a *Applier) Apply(ctx context.Context, organizationID string, assignments []model.PipelineAssignment) int {
	applied := 0
	for i, pa := range assignments {
		if err := a.applyOne(ctx, organizationID, pa); err != nil {
			slog.Error("failed to apply assignment",
				"index", i,
				"action", pa.Action,
				"lead_id", pa.LeadID,
				"organization_id", organizationID,
				"error", err,
			)
			continue
		}
		applied++
	}

	if len(assignments) > 0 {
		slog.Info("assignments applied",
			"organization_id", organizationID,
			"applied", applied,
			"total", len(assignments),
		)
	}
	return applied
}

func (a *Applier) applyOne(ctx context.Context, organizationID string, pa model.PipelineAssignment) error {
	switch pa.Action {
	case model.ActionCreate:
		lead := model.Lead{
			ID:             uuid.New().String(),
			OrganizationID: organizationID,
			PipelineStage:  pa.PipelineStage,
		}
		if pa.LeadData != nil {
			lead.Name = pa.LeadData.Name
			lead.Email = pa.LeadData.Email
			lead.Phone = pa.LeadData.Phone
			lead.Company = pa.LeadData.Company
			lead.Notes = pa.LeadData.Notes
		}
		stored, err := a.store.InsertLead(ctx, lead)
		if err != nil {
			return err
		}
		a.publish(organizationID, events.LeadCreated, stored)

	case model.ActionUpdate:
		data := model.LeadData{}
		if pa.LeadData != nil {
			data = *pa.LeadData
		}
		updated, err := a.store.UpdateLead(ctx, pa.LeadID, data, pa.PipelineStage)
		if err != nil {
			return err
		}
		a.publish(organizationID, events.LeadUpdated, updated)

	case model.ActionDelete:
		if err := a.store.DeleteLead(ctx, pa.LeadID); err != nil {
			return err
		}
		a.publish(organizationID, events.LeadDeleted, map[string]string{"id": pa.LeadID})
	}

	return nil
}
