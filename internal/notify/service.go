package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/lumina-crm/pulse/internal/events"
	"github.com/lumina-crm/pulse/internal/model"
)

// Store abstracts the notification persistence the service needs.
type Store interface {
	InsertNotification(ctx context.Context, n model.Notification) (model.Notification, error)
	GetNotification(ctx context.Context, id string) (model.Notification, error)
	ListNotifications(ctx context.Context, organizationID, userID string) ([]model.Notification, error)
	UnreadCount(ctx context.Context, organizationID, userID string) (int, error)
	MarkNotificationRead(ctx context.Context, id string) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, organizationID, userID string) (int64, error)
	DeleteNotification(ctx context.Context, id string) error
}

// PublishFunc delivers an event to an organization's room.
type PublishFunc func(organizationID, eventName string, payload any)

// Service owns the notification lifecycle: creation by domain logic,
// monotonic read transitions, and deletion by explicit user action.
type Service struct {
	store   Store
	publish PublishFunc
}

func NewService(store Store, publish PublishFunc) *Service {
	return &Service{store: store, publish: publish}
}

// Create persists a notification and pushes notification:created to the
// owning organization's room.
func (s *Service) Create(ctx context.Context, n model.Notification) (model.Notification, error) {
	if n.OrganizationID == "" || n.UserID == "" {
		return model.Notification{}, fmt.Errorf("notification requires organization and user")
	}
	if !model.ValidNotificationType(n.Type) {
		return model.Notification{}, fmt.Errorf("invalid notification type %q", n.Type)
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}

	stored, err := s.store.InsertNotification(ctx, n)
	if err != nil {
		return model.Notification{}, fmt.Errorf("create notification: %w", err)
	}

	s.publish(stored.OrganizationID, events.NotificationCreated, stored)

	slog.Info("notification created",
		"id", stored.ID,
		"type", stored.Type,
		"organization_id", stored.OrganizationID,
	)
	return stored, nil
}

// MarkRead marks one notification read. Marking an already-read
// notification succeeds with no state change.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	transitioned, err := s.store.MarkNotificationRead(ctx, id)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if transitioned {
		slog.Debug("notification marked read", "id", id)
	}
	return nil
}

// MarkAllRead bulk-transitions a user's unread notifications and returns
// a human-readable summary with the number actually transitioned. Calling
// it twice in a row is idempotent: the second call transitions zero.
func (s *Service) MarkAllRead(ctx context.Context, organizationID, userID string) (int64, string, error) {
	count, err := s.store.MarkAllNotificationsRead(ctx, organizationID, userID)
	if err != nil {
		return 0, "", fmt.Errorf("mark all read: %w", err)
	}
	return count, fmt.Sprintf("marked %d notifications as read", count), nil
}

// Delete permanently removes a notification. Not reversible.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteNotification(ctx, id); err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	slog.Info("notification deleted", "id", id)
	return nil
}

// List returns a user's notifications, newest first.
func (s *Service) List(ctx context.Context, organizationID, userID string) ([]model.Notification, error) {
	return s.store.ListNotifications(ctx, organizationID, userID)
}

// UnreadCount derives count(read == false) for the user's visible set.
func (s *Service) UnreadCount(ctx context.Context, organizationID, userID string) (int, error) {
	return s.store.UnreadCount(ctx, organizationID, userID)
}
