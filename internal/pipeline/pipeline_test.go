package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/geonotify/internal/geo"
	"github.com/albapepper/geonotify/internal/kv"
	"github.com/albapepper/geonotify/internal/models"
	"github.com/albapepper/geonotify/internal/notifications"
	"github.com/albapepper/geonotify/internal/places"
	"github.com/albapepper/geonotify/internal/policy"
	"github.com/albapepper/geonotify/internal/processor"
	"github.com/albapepper/geonotify/internal/queue"
	"github.com/albapepper/geonotify/internal/store"
)

var storeCenter = geo.Point{Lat: 40.7128, Lng: -74.0060}

type recordingSender struct {
	mu   sync.Mutex
	sent []notifications.Payload
}

func (r *recordingSender) Send(_ context.Context, _ string, p notifications.Payload) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, p)
	return "msg", nil
}

func (r *recordingSender) payloads() []notifications.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifications.Payload(nil), r.sent...)
}

type env struct {
	st     *store.Memory
	clock  *clockwork.FakeClock
	sender *recordingSender
	pipe   *Pipeline
}

// newEnv seeds user u1 (quiet 22:00–07:00 UTC) with two tasks whose arrival
// geofences are 200 m apart.
func newEnv(t *testing.T, start time.Time) *env {
	t.Helper()
	clock := clockwork.NewFakeClockAt(start)
	st := store.NewMemory()
	st.PutUser(models.User{ID: "u1", Timezone: "UTC", QuietStart: "22:00", QuietEnd: "07:00"})
	st.PutDeviceToken("u1", "device-1")
	st.PutPlace(models.Place{ID: "p1", Name: "Trader Joe's", Location: storeCenter})
	st.PutTask(models.Task{ID: "t1", UserID: "u1", Title: "Buy milk", Status: models.TaskActive})
	st.PutTask(models.Task{ID: "t2", UserID: "u1", Title: "Return books", Status: models.TaskActive})
	st.PutGeofence(models.Geofence{ID: "g1", TaskID: "t1", PlaceID: "p1", Center: storeCenter, Radius: 150, Tier: models.TierArrival, Active: true})
	st.PutGeofence(models.Geofence{ID: "g2", TaskID: "t2", Center: geo.Offset(storeCenter, 200, 0), Radius: 150, Tier: models.TierArrival, Active: true})

	leases := kv.NewMemory(clock)
	t.Cleanup(func() { leases.Close() })
	sender := &recordingSender{}

	proc := processor.New(st, leases, policy.Default(), clock, nil)
	sched := notifications.NewScheduler(st, leases, sender, notifications.Options{
		MaxAttempts:    3,
		RetryBackoff:   time.Minute,
		QuietTolerance: 5 * time.Minute,
	}, clock, nil)
	resolver := places.New(st, leases, time.Hour, nil)
	pipe := New(st, proc, sched, resolver, leases, queue.Options{MaxAttempts: 3}, clock, nil)
	t.Cleanup(pipe.Close)
	return &env{st: st, clock: clock, sender: sender, pipe: pipe}
}

var afternoon = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func enter(geofence, task string, at geo.Point) models.RawEvent {
	return models.RawEvent{UserID: "u1", TaskID: task, GeofenceID: geofence, Type: models.EventEnter, Location: at, Confidence: 0.9}
}

func TestProcessEvent_DeliversWithPlaceName(t *testing.T) {
	e := newEnv(t, afternoon)

	d, err := e.pipe.ProcessEvent(context.Background(), enter("g1", "t1", storeCenter))
	require.NoError(t, err)
	assert.True(t, d.ShouldNotify)

	sent := e.sender.payloads()
	require.Len(t, sent, 1)
	assert.Equal(t, "Buy milk", sent[0].Title)
	assert.Equal(t, "You're at Trader Joe's. Don't forget: Buy milk", sent[0].Body)
	assert.Equal(t, d.Event.ID, sent[0].Data["event_id"])
}

func TestProcessEvent_SuppressedEventsDoNotNotify(t *testing.T) {
	e := newEnv(t, afternoon)
	ctx := context.Background()

	_, err := e.pipe.ProcessEvent(ctx, enter("g1", "t1", storeCenter))
	require.NoError(t, err)

	e.clock.Advance(time.Minute)
	d, err := e.pipe.ProcessEvent(ctx, enter("g1", "t1", geo.Offset(storeCenter, 10, 0)))
	require.NoError(t, err)
	assert.False(t, d.ShouldNotify)
	assert.Equal(t, models.EventDuplicate, d.Event.Status)
	assert.Len(t, e.sender.payloads(), 1)
}

func TestProcessEvent_BundlesIntoOpenNotification(t *testing.T) {
	e := newEnv(t, time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC))
	ctx := context.Background()

	first, err := e.pipe.ProcessEvent(ctx, enter("g1", "t1", storeCenter))
	require.NoError(t, err)

	e.clock.Advance(2 * time.Minute)
	second, err := e.pipe.ProcessEvent(ctx, enter("g2", "t2", geo.Offset(storeCenter, 200, 0)))
	require.NoError(t, err)
	require.Equal(t, first.Event.ID, second.BundledWith)

	stats, err := e.pipe.Scheduler().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Pending)

	rec, err := e.st.FindOpenNotificationByEvent(ctx, second.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{first.Event.ID, second.Event.ID}, rec.EventIDs)
	assert.Equal(t, []string{"t1", "t2"}, rec.TaskIDs)
	assert.Equal(t, notifications.BundleTitle, rec.Title)
	assert.Equal(t, "You have 2 reminders for 2 tasks in this area", rec.Body)
	assert.Equal(t, time.Date(2026, 3, 3, 7, 5, 0, 0, time.UTC), rec.ScheduledFor)
	assert.Empty(t, e.sender.payloads())
}

func TestProcessEvent_ClosedBundleSchedulesAlone(t *testing.T) {
	e := newEnv(t, afternoon)
	ctx := context.Background()

	_, err := e.pipe.ProcessEvent(ctx, enter("g1", "t1", storeCenter))
	require.NoError(t, err)

	e.clock.Advance(2 * time.Minute)
	second, err := e.pipe.ProcessEvent(ctx, enter("g2", "t2", geo.Offset(storeCenter, 200, 0)))
	require.NoError(t, err)
	assert.NotEmpty(t, second.BundledWith)

	sent := e.sender.payloads()
	require.Len(t, sent, 2)
	assert.Equal(t, "Return books", sent[1].Title)
	assert.Equal(t, "You're at your destination. Don't forget: Return books", sent[1].Body)
}

func TestProcessEvent_ValidationError(t *testing.T) {
	e := newEnv(t, afternoon)

	_, err := e.pipe.ProcessEvent(context.Background(), enter("missing", "t1", storeCenter))
	assert.ErrorIs(t, err, models.ErrGeofenceNotFound)
	assert.True(t, models.IsValidation(err))
}

func TestEnqueueEvent_ProcessesInBackground(t *testing.T) {
	e := newEnv(t, afternoon)
	ctx := context.Background()

	id, err := e.pipe.EnqueueEvent(ctx, enter("g1", "t1", storeCenter))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = e.pipe.EnqueueBatchEvents(ctx, []models.RawEvent{{UserID: "u1"}})
	assert.ErrorIs(t, err, models.ErrInvalidEvent)

	e.pipe.Close()
	assert.Len(t, e.sender.payloads(), 1)

	stats, err := e.pipe.Queue().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)

	_, err = e.pipe.EnqueueEvent(ctx, enter("g1", "t1", storeCenter))
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestSyncOfflineEvents(t *testing.T) {
	e := newEnv(t, afternoon)
	ctx := context.Background()

	backlog := []models.RawEvent{
		enter("g1", "t1", storeCenter),
		enter("g1", "t1", storeCenter),
		enter("missing", "t1", storeCenter),
	}
	res, err := e.pipe.SyncOfflineEvents(ctx, "u1", backlog)
	require.NoError(t, err)
	assert.Equal(t, queue.SyncResult{Processed: 1, Duplicates: 1, Failed: 1}, res)
}

func TestNotificationOperations(t *testing.T) {
	e := newEnv(t, afternoon)
	ctx := context.Background()

	rec, err := e.pipe.ScheduleNotification(ctx, notifications.Item{
		UserID:       "u1",
		TaskIDs:      []string{"t1"},
		Title:        "Buy milk",
		Body:         "Later",
		ScheduledFor: e.clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	res, err := e.pipe.HandleNotificationAction(ctx, rec.ID, notifications.ActionComplete, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, res.TasksCompleted)

	ok, err := e.pipe.CancelNotification(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, ok, "already cancelled by complete")
}
