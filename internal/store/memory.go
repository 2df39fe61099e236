package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/albapepper/geonotify/internal/models"
)

// Memory is an in-process Store. Records are copied on the way in and out so
// callers never share state with the store.
type Memory struct {
	mu            sync.RWMutex
	geofences     map[string]models.Geofence
	tasks         map[string]models.Task
	users         map[string]models.User
	places        map[string]models.Place
	tokens        map[string][]string
	events        map[string]models.GeofenceEvent
	notifications map[string]models.NotificationRecord
	snoozes       map[string]models.Snooze
	mutes         map[string]models.Mute
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		geofences:     make(map[string]models.Geofence),
		tasks:         make(map[string]models.Task),
		users:         make(map[string]models.User),
		places:        make(map[string]models.Place),
		tokens:        make(map[string][]string),
		events:        make(map[string]models.GeofenceEvent),
		notifications: make(map[string]models.NotificationRecord),
		snoozes:       make(map[string]models.Snooze),
		mutes:         make(map[string]models.Mute),
	}
}

// --------------------------------------------------------------------------
// Seeding (tests and local development)
// --------------------------------------------------------------------------

func (m *Memory) PutGeofence(g models.Geofence) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.geofences[g.ID] = g
}

func (m *Memory) PutTask(t models.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
}

func (m *Memory) PutUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) PutPlace(p models.Place) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.places[p.ID] = p
}

func (m *Memory) PutDeviceToken(userID, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[userID] = append(m.tokens[userID], token)
}

// --------------------------------------------------------------------------
// Reference data
// --------------------------------------------------------------------------

func (m *Memory) GetGeofence(_ context.Context, id string) (*models.Geofence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.geofences[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *Memory) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *Memory) GetPlace(_ context.Context, id string) (*models.Place, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.places[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *Memory) UpdateTaskStatus(_ context.Context, id string, status models.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	m.tasks[id] = t
	return nil
}

func (m *Memory) DeviceTokens(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.tokens[userID]), nil
}

// --------------------------------------------------------------------------
// Events
// --------------------------------------------------------------------------

func (m *Memory) CreateEvent(_ context.Context, e *models.GeofenceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = cloneEvent(*e)
	return nil
}

func (m *Memory) UpdateEvent(_ context.Context, e *models.GeofenceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.ID]; !ok {
		return ErrNotFound
	}
	m.events[e.ID] = cloneEvent(*e)
	return nil
}

func (m *Memory) GetEvent(_ context.Context, id string) (*models.GeofenceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	e = cloneEvent(e)
	return &e, nil
}

func (m *Memory) FindRecentEvents(_ context.Context, userID string, since time.Time) ([]models.GeofenceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.GeofenceEvent
	for _, e := range m.events {
		if e.UserID == userID && !e.CreatedAt.Before(since) {
			out = append(out, cloneEvent(e))
		}
	}
	sortEvents(out)
	return out, nil
}

func (m *Memory) LatestCooldown(_ context.Context, userID, geofenceID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest time.Time
	found := false
	for _, e := range m.events {
		if e.UserID != userID || e.GeofenceID != geofenceID || e.Status != models.EventProcessed || e.CooldownUntil == nil {
			continue
		}
		if !found || e.CooldownUntil.After(latest) {
			latest = *e.CooldownUntil
			found = true
		}
	}
	return latest, found, nil
}

func (m *Memory) FindPendingEvents(_ context.Context, limit int) ([]models.GeofenceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.GeofenceEvent
	for _, e := range m.events {
		if e.Status == models.EventPending {
			out = append(out, cloneEvent(e))
		}
	}
	sortEvents(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteEventsBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.events {
		if e.Status.Terminal() && e.CreatedAt.Before(cutoff) {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

// --------------------------------------------------------------------------
// Notifications
// --------------------------------------------------------------------------

func (m *Memory) CreateNotification(_ context.Context, n *models.NotificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.ID] = cloneNotification(*n)
	return nil
}

func (m *Memory) UpdateNotification(_ context.Context, n *models.NotificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notifications[n.ID]; !ok {
		return ErrNotFound
	}
	m.notifications[n.ID] = cloneNotification(*n)
	return nil
}

func (m *Memory) GetNotification(_ context.Context, id string) (*models.NotificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	n = cloneNotification(n)
	return &n, nil
}

func (m *Memory) FindDueNotifications(_ context.Context, now time.Time, limit int) ([]models.NotificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.NotificationRecord
	for _, n := range m.notifications {
		if n.Status == models.NotificationPending && !n.ScheduledFor.After(now) {
			out = append(out, cloneNotification(n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledFor.Before(out[j].ScheduledFor)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) FindOpenNotificationByEvent(_ context.Context, eventID string) (*models.NotificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.notifications {
		if n.Status.Open() && slices.Contains(n.EventIDs, eventID) {
			n = cloneNotification(n)
			return &n, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CountNotificationsByStatus(_ context.Context) (map[models.NotificationStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[models.NotificationStatus]int)
	for _, n := range m.notifications {
		counts[n.Status]++
	}
	return counts, nil
}

func (m *Memory) DeleteNotificationsBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.notifications {
		if !rec.Status.Open() && rec.UpdatedAt.Before(cutoff) {
			delete(m.notifications, id)
			n++
		}
	}
	return n, nil
}

// --------------------------------------------------------------------------
// Snoozes and mutes
// --------------------------------------------------------------------------

func (m *Memory) CreateSnooze(_ context.Context, s *models.Snooze) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snoozes[s.ID] = *s
	return nil
}

func (m *Memory) UpdateSnooze(_ context.Context, s *models.Snooze) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snoozes[s.ID]; !ok {
		return ErrNotFound
	}
	m.snoozes[s.ID] = *s
	return nil
}

func (m *Memory) FindActiveSnooze(_ context.Context, notificationID string) (*models.Snooze, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.snoozes {
		if s.NotificationID == notificationID && s.Status == models.SuppressionActive {
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindExpiredSnoozes(_ context.Context, now time.Time) ([]models.Snooze, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Snooze
	for _, s := range m.snoozes {
		if s.Status == models.SuppressionActive && !s.ExpiresAt.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *Memory) CountActiveSnoozes(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.snoozes {
		if s.Status == models.SuppressionActive {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateMute(_ context.Context, mu *models.Mute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutes[mu.ID] = *mu
	return nil
}

func (m *Memory) UpdateMute(_ context.Context, mu *models.Mute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mutes[mu.ID]; !ok {
		return ErrNotFound
	}
	m.mutes[mu.ID] = *mu
	return nil
}

func (m *Memory) FindActiveMute(_ context.Context, taskID string) (*models.Mute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *models.Mute
	for _, mu := range m.mutes {
		if mu.TaskID != taskID || mu.Status != models.SuppressionActive {
			continue
		}
		if found == nil || mu.ExpiresAt.After(found.ExpiresAt) {
			mu := mu
			found = &mu
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (m *Memory) FindExpiredMutes(_ context.Context, now time.Time) ([]models.Mute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Mute
	for _, mu := range m.mutes {
		if mu.Status == models.SuppressionActive && !mu.ExpiresAt.After(now) {
			out = append(out, mu)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *Memory) CountActiveMutes(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, mu := range m.mutes {
		if mu.Status == models.SuppressionActive {
			n++
		}
	}
	return n, nil
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func sortEvents(events []models.GeofenceEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
}

func cloneEvent(e models.GeofenceEvent) models.GeofenceEvent {
	if e.BundledWith != nil {
		v := *e.BundledWith
		e.BundledWith = &v
	}
	if e.CooldownUntil != nil {
		v := *e.CooldownUntil
		e.CooldownUntil = &v
	}
	return e
}

func cloneNotification(n models.NotificationRecord) models.NotificationRecord {
	n.EventIDs = slices.Clone(n.EventIDs)
	n.TaskIDs = slices.Clone(n.TaskIDs)
	n.Data = maps.Clone(n.Data)
	if n.DeliveredAt != nil {
		v := *n.DeliveredAt
		n.DeliveredAt = &v
	}
	return n
}
