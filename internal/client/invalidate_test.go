package client

import (
	"encoding/json"
	"reflect"
	"sort"
	"testing"

	"github.com/lumina-crm/pulse/internal/events"
	"github.com/lumina-crm/pulse/internal/model"
)

// recordingCache captures invalidations and prepends.
type recordingCache struct {
	invalidated []string
	prepended   []model.Notification
}

func (r *recordingCache) Invalidate(key string) {
	r.invalidated = append(r.invalidated, key)
}

func (r *recordingCache) PrependNotification(n model.Notification) {
	r.prepended = append(r.prepended, n)
}

func TestHandle_CallUpdatedInvalidatesExactlyThreeKeys(t *testing.T) {
	rc := &recordingCache{}
	iv := NewInvalidator(rc)

	iv.Handle(events.CallUpdated, json.RawMessage(`{"id":"c1"}`))

	want := []string{KeyCallsList, KeyDashboardMetrics, CallDetailKey("c1")}
	sort.Strings(want)
	got := append([]string(nil), rc.invalidated...)
	sort.Strings(got)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("invalidated %v, want %v", rc.invalidated, want)
	}
	if len(rc.prepended) != 0 {
		t.Error("call:updated must not touch notifications")
	}
}

func TestHandle_CallCreated(t *testing.T) {
	rc := &recordingCache{}
	NewInvalidator(rc).Handle(events.CallCreated, json.RawMessage(`{"id":"c2"}`))

	want := []string{KeyCallsList, KeyDashboardMetrics}
	sort.Strings(rc.invalidated)
	if !reflect.DeepEqual(rc.invalidated, want) {
		t.Errorf("invalidated %v, want %v", rc.invalidated, want)
	}
}

func TestHandle_AgentUpdated(t *testing.T) {
	rc := &recordingCache{}
	NewInvalidator(rc).Handle(events.AgentUpdated, json.RawMessage(`{}`))

	want := []string{KeyAgentsList, KeyDashboardMetrics}
	sort.Strings(rc.invalidated)
	if !reflect.DeepEqual(rc.invalidated, want) {
		t.Errorf("invalidated %v, want %v", rc.invalidated, want)
	}
}

func TestHandle_LeadEventsInvalidateLeadsListOnly(t *testing.T) {
	for _, event := range []string{events.LeadCreated, events.LeadUpdated, events.LeadDeleted} {
		rc := &recordingCache{}
		NewInvalidator(rc).Handle(event, json.RawMessage(`{"id":"l1"}`))
		if !reflect.DeepEqual(rc.invalidated, []string{KeyLeadsList}) {
			t.Errorf("%s invalidated %v, want [%s]", event, rc.invalidated, KeyLeadsList)
		}
	}
}

func TestHandle_NotificationCreatedPrepends(t *testing.T) {
	rc := &recordingCache{}
	n := model.Notification{ID: "n1", OrganizationID: "org-1", UserID: "u1", Type: model.NotificationCall, Title: "Missed call"}
	raw, _ := json.Marshal(n)

	NewInvalidator(rc).Handle(events.NotificationCreated, raw)

	if len(rc.invalidated) != 0 {
		t.Errorf("notification:created must not invalidate, got %v", rc.invalidated)
	}
	if len(rc.prepended) != 1 || rc.prepended[0].ID != "n1" {
		t.Errorf("expected prepend of n1, got %+v", rc.prepended)
	}
}

func TestHandle_MalformedNotificationFallsBackToInvalidation(t *testing.T) {
	rc := &recordingCache{}
	NewInvalidator(rc).Handle(events.NotificationCreated, json.RawMessage(`[1,2]`))

	if !reflect.DeepEqual(rc.invalidated, []string{KeyNotifications}) {
		t.Errorf("expected notifications invalidation fallback, got %v", rc.invalidated)
	}
}

func TestHandle_UnknownEventIgnored(t *testing.T) {
	rc := &recordingCache{}
	NewInvalidator(rc).Handle("billing:exploded", json.RawMessage(`{}`))
	if len(rc.invalidated) != 0 || len(rc.prepended) != 0 {
		t.Error("unknown event must be ignored")
	}
}

func TestQueryCache(t *testing.T) {
	q := NewQueryCache()
	q.Set(KeyCallsList, []string{"c1"})

	if _, fresh := q.Get(KeyCallsList); !fresh {
		t.Error("expected fresh entry")
	}

	q.Invalidate(KeyCallsList)
	if v, fresh := q.Get(KeyCallsList); fresh {
		t.Error("expected stale entry after invalidation")
	} else if v == nil {
		t.Error("stale entry must keep its value for rendering")
	}

	q.Set(KeyCallsList, []string{"c1", "c2"})
	if q.Stale(KeyCallsList) {
		t.Error("set must clear staleness")
	}
}

func TestQueryCache_PrependNotification(t *testing.T) {
	q := NewQueryCache()
	q.SetNotifications([]model.Notification{{ID: "old"}})
	q.PrependNotification(model.Notification{ID: "new"})

	got := q.Notifications()
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "old" {
		t.Errorf("unexpected order: %+v", got)
	}
}
