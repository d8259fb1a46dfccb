package notify

import (
	"context"
	"testing"

	"github.com/lumina-crm/pulse/internal/events"
	"github.com/lumina-crm/pulse/internal/model"
	"github.com/lumina-crm/pulse/internal/testutil"
)

type published struct {
	org     string
	event   string
	payload any
}

func setup() (*Service, *testutil.MockStore, *[]published) {
	ms := testutil.NewMockStore()
	var pubs []published
	svc := NewService(ms, func(org, event string, payload any) {
		pubs = append(pubs, published{org, event, payload})
	})
	return svc, ms, &pubs
}

func TestCreate_PersistsAndPublishes(t *testing.T) {
	svc, ms, pubs := setup()

	n, err := svc.Create(context.Background(), model.Notification{
		OrganizationID: "org-1",
		UserID:         "u1",
		Type:           model.NotificationCall,
		Title:          "Missed call",
		Metadata:       map[string]any{"callId": "c1", "direction": "inbound"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.ID == "" {
		t.Error("expected generated ID")
	}
	if n.Read {
		t.Error("new notification must be unread")
	}
	if ms.InsertNotificationCalls != 1 {
		t.Errorf("expected 1 insert, got %d", ms.InsertNotificationCalls)
	}
	if len(*pubs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(*pubs))
	}
	if (*pubs)[0].org != "org-1" || (*pubs)[0].event != events.NotificationCreated {
		t.Errorf("unexpected publish: %+v", (*pubs)[0])
	}
}

func TestCreate_RejectsInvalidType(t *testing.T) {
	svc, _, pubs := setup()

	_, err := svc.Create(context.Background(), model.Notification{
		OrganizationID: "org-1",
		UserID:         "u1",
		Type:           "promo",
		Title:          "nope",
	})
	if err == nil {
		t.Fatal("expected error for invalid type")
	}
	if len(*pubs) != 0 {
		t.Error("invalid notification must not be published")
	}
}

func TestMarkRead_Idempotent(t *testing.T) {
	svc, ms, _ := setup()
	n, _ := svc.Create(context.Background(), model.Notification{
		OrganizationID: "org-1", UserID: "u1",
		Type: model.NotificationWelcome, Title: "hi",
	})

	if err := svc.MarkRead(context.Background(), n.ID); err != nil {
		t.Fatalf("first mark read: %v", err)
	}
	if err := svc.MarkRead(context.Background(), n.ID); err != nil {
		t.Fatalf("second mark read should be a no-op success: %v", err)
	}
	if !ms.Notifications[n.ID].Read {
		t.Error("notification not read")
	}
}

func TestMarkAllRead_CountsTransitionsOnly(t *testing.T) {
	svc, _, _ := setup()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		n, _ := svc.Create(ctx, model.Notification{
			OrganizationID: "org-1", UserID: "u1",
			Type: model.NotificationUpdate, Title: "t",
		})
		ids = append(ids, n.ID)
	}
	// One is already read.
	svc.MarkRead(ctx, ids[0])

	count, msg, err := svc.MarkAllRead(ctx, "org-1", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 transitions, got %d", count)
	}
	if msg != "marked 2 notifications as read" {
		t.Errorf("unexpected message: %q", msg)
	}

	// Second call is idempotent.
	count, _, err = svc.MarkAllRead(ctx, "org-1", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 transitions on repeat, got %d", count)
	}

	unread, _ := svc.UnreadCount(ctx, "org-1", "u1")
	if unread != 0 {
		t.Errorf("expected 0 unread, got %d", unread)
	}
}

func TestMarkAllRead_ScopedToUser(t *testing.T) {
	svc, _, _ := setup()
	ctx := context.Background()

	svc.Create(ctx, model.Notification{OrganizationID: "org-1", UserID: "u1", Type: model.NotificationUpdate, Title: "a"})
	svc.Create(ctx, model.Notification{OrganizationID: "org-1", UserID: "u2", Type: model.NotificationUpdate, Title: "b"})

	svc.MarkAllRead(ctx, "org-1", "u1")

	unread, _ := svc.UnreadCount(ctx, "org-1", "u2")
	if unread != 1 {
		t.Errorf("other user's notifications affected: %d unread", unread)
	}
}

func TestDelete(t *testing.T) {
	svc, ms, _ := setup()
	n, _ := svc.Create(context.Background(), model.Notification{
		OrganizationID: "org-1", UserID: "u1",
		Type: model.NotificationBilling, Title: "invoice",
	})

	if err := svc.Delete(context.Background(), n.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := ms.Notifications[n.ID]; ok {
		t.Error("notification still present after delete")
	}
	if err := svc.Delete(context.Background(), n.ID); err == nil {
		t.Error("expected error deleting missing notification")
	}
}
