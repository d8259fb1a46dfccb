package store

import (
	"context"

	"github.com/lumina-crm/pulse/internal/model"
)

// DataStore is the interface consumed by the notification service, the
// assignment applier, and the API. The concrete implementation is *Store
// (pgx-backed).
type DataStore interface {
	InsertNotification(ctx context.Context, n model.Notification) (model.Notification, error)
	GetNotification(ctx context.Context, id string) (model.Notification, error)
	ListNotifications(ctx context.Context, organizationID, userID string) ([]model.Notification, error)
	UnreadCount(ctx context.Context, organizationID, userID string) (int, error)
	MarkNotificationRead(ctx context.Context, id string) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, organizationID, userID string) (int64, error)
	DeleteNotification(ctx context.Context, id string) error

	InsertLead(ctx context.Context, l model.Lead) (model.Lead, error)
	UpdateLead(ctx context.Context, id string, data model.LeadData, pipelineStage string) (model.Lead, error)
	GetLead(ctx context.Context, id string) (model.Lead, error)
	DeleteLead(ctx context.Context, id string) error

	Close()
}
