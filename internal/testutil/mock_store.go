package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lumina-crm/pulse/internal/model"
	"github.com/lumina-crm/pulse/internal/store"
)

// MockStore is a thread-safe in-memory implementation of store.DataStore
// for testing.
type MockStore struct {
	mu sync.Mutex

	Notifications map[string]model.Notification
	Leads         map[string]model.Lead

	InsertNotificationErr error
	MarkReadErr           error
	InsertLeadErr         error
	UpdateLeadErr         error
	DeleteLeadErr         error

	InsertNotificationCalls int
	MarkReadCalls           int
	MarkAllReadCalls        int
	InsertLeadCalls         int
	UpdateLeadCalls         int
	DeleteLeadCalls         int
}

// Compile-time check that MockStore implements store.DataStore.
var _ store.DataStore = (*MockStore)(nil)

func NewMockStore() *MockStore {
	return &MockStore{
		Notifications: make(map[string]model.Notification),
		Leads:         make(map[string]model.Lead),
	}
}

func (m *MockStore) InsertNotification(_ context.Context, n model.Notification) (model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertNotificationCalls++
	if m.InsertNotificationErr != nil {
		return model.Notification{}, m.InsertNotificationErr
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	n.Read = false
	m.Notifications[n.ID] = n
	return n, nil
}

func (m *MockStore) GetNotification(_ context.Context, id string) (model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.Notifications[id]
	if !ok {
		return model.Notification{}, store.ErrNotFound
	}
	return n, nil
}

func (m *MockStore) ListNotifications(_ context.Context, organizationID, userID string) ([]model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []model.Notification
	for _, n := range m.Notifications {
		if n.OrganizationID == organizationID && n.UserID == userID {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	return results, nil
}

func (m *MockStore) UnreadCount(_ context.Context, organizationID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.Notifications {
		if n.OrganizationID == organizationID && n.UserID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

func (m *MockStore) MarkNotificationRead(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MarkReadCalls++
	if m.MarkReadErr != nil {
		return false, m.MarkReadErr
	}
	n, ok := m.Notifications[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if n.Read {
		return false, nil
	}
	n.Read = true
	m.Notifications[id] = n
	return true, nil
}

func (m *MockStore) MarkAllNotificationsRead(_ context.Context, organizationID, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MarkAllReadCalls++
	var transitioned int64
	for id, n := range m.Notifications {
		if n.OrganizationID == organizationID && n.UserID == userID && !n.Read {
			n.Read = true
			m.Notifications[id] = n
			transitioned++
		}
	}
	return transitioned, nil
}

func (m *MockStore) DeleteNotification(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Notifications[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.Notifications, id)
	return nil
}

func (m *MockStore) InsertLead(_ context.Context, l model.Lead) (model.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertLeadCalls++
	if m.InsertLeadErr != nil {
		return model.Lead{}, m.InsertLeadErr
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	m.Leads[l.ID] = l
	return l, nil
}

func (m *MockStore) UpdateLead(_ context.Context, id string, data model.LeadData, pipelineStage string) (model.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpdateLeadCalls++
	if m.UpdateLeadErr != nil {
		return model.Lead{}, m.UpdateLeadErr
	}
	l, ok := m.Leads[id]
	if !ok {
		return model.Lead{}, store.ErrNotFound
	}
	if data.Name != "" {
		l.Name = data.Name
	}
	if data.Email != "" {
		l.Email = data.Email
	}
	if data.Phone != "" {
		l.Phone = data.Phone
	}
	if data.Company != "" {
		l.Company = data.Company
	}
	if data.Notes != "" {
		l.Notes = data.Notes
	}
	l.PipelineStage = pipelineStage
	l.UpdatedAt = time.Now().UTC()
	m.Leads[id] = l
	return l, nil
}

func (m *MockStore) GetLead(_ context.Context, id string) (model.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.Leads[id]
	if !ok {
		return model.Lead{}, store.ErrNotFound
	}
	return l, nil
}

func (m *MockStore) DeleteLead(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteLeadCalls++
	if m.DeleteLeadErr != nil {
		return m.DeleteLeadErr
	}
	if _, ok := m.Leads[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.Leads, id)
	return nil
}

func (m *MockStore) Close() {}
