package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/geonotify/internal/geo"
	"github.com/albapepper/geonotify/internal/kv"
	"github.com/albapepper/geonotify/internal/models"
	"github.com/albapepper/geonotify/internal/policy"
	"github.com/albapepper/geonotify/internal/store"
)

var storeCenter = geo.Point{Lat: 40.7128, Lng: -74.0060}

type fixture struct {
	st     *store.Memory
	leases *kv.Memory
	clock  *clockwork.FakeClock
	proc   *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC))
	st.PutUser(models.User{ID: "u1", Timezone: "UTC"})
	st.PutTask(models.Task{ID: "t1", UserID: "u1", Title: "Buy milk", Status: models.TaskActive})
	st.PutTask(models.Task{ID: "t2", UserID: "u1", Title: "Pick up dry cleaning", Status: models.TaskActive})
	st.PutGeofence(models.Geofence{ID: "g1", TaskID: "t1", Center: storeCenter, Radius: 150, Tier: models.TierArrival, Active: true})
	st.PutGeofence(models.Geofence{ID: "g2", TaskID: "t2", Center: geo.Offset(storeCenter, 200, 0), Radius: 150, Tier: models.TierArrival, Active: true})
	st.PutGeofence(models.Geofence{ID: "g5", TaskID: "t1", Center: storeCenter, Radius: 8047, Tier: models.TierApproach5mi, Active: true})
	leases := kv.NewMemory(clock)
	t.Cleanup(func() { leases.Close() })
	return &fixture{st: st, leases: leases, clock: clock, proc: New(st, leases, policy.Default(), clock, nil)}
}

func enter(geofence, task string, at geo.Point) models.RawEvent {
	return models.RawEvent{UserID: "u1", TaskID: task, GeofenceID: geofence, Type: models.EventEnter, Location: at, Confidence: 0.9}
}

func TestProcess_AcceptsAndSetsCooldown(t *testing.T) {
	f := newFixture(t)

	d, err := f.proc.Process(context.Background(), enter("g1", "t1", storeCenter))
	require.NoError(t, err)
	assert.True(t, d.ShouldNotify)
	assert.Equal(t, ReasonNoBundling, d.Reason)
	assert.Equal(t, models.EventProcessed, d.Event.Status)
	require.NotNil(t, d.Event.CooldownUntil)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), *d.Event.CooldownUntil)

	stored, err := f.st.GetEvent(context.Background(), d.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventProcessed, stored.Status)
}

func TestProcess_ApproachEdgeAccepted(t *testing.T) {
	f := newFixture(t)

	d, err := f.proc.Process(context.Background(), enter("g5", "t1", geo.Offset(storeCenter, 8046, 0)))
	require.NoError(t, err)
	assert.True(t, d.ShouldNotify)
	assert.InDelta(t, 8046, d.DistanceMeters, 1)
	assert.Equal(t, "5 miles", geo.DescribeDistance(d.DistanceMeters))
	assert.Equal(t, f.clock.Now().Add(time.Hour), *d.Event.CooldownUntil)
}

func TestProcess_ValidationErrors(t *testing.T) {
	f := newFixture(t)
	f.st.PutGeofence(models.Geofence{ID: "off", TaskID: "t1", Center: storeCenter, Radius: 150, Active: false})
	f.st.PutTask(models.Task{ID: "done", UserID: "u1", Status: models.TaskCompleted})
	f.st.PutGeofence(models.Geofence{ID: "gd", TaskID: "done", Center: storeCenter, Radius: 150, Active: true})
	f.st.PutTask(models.Task{ID: "orphan", UserID: "ghost", Status: models.TaskActive})
	f.st.PutGeofence(models.Geofence{ID: "go", TaskID: "orphan", Center: storeCenter, Radius: 150, Active: true})

	tests := []struct {
		name string
		raw  models.RawEvent
		want error
	}{
		{"missing geofence", enter("nope", "t1", storeCenter), models.ErrGeofenceNotFound},
		{"inactive geofence", enter("off", "t1", storeCenter), models.ErrGeofenceInactive},
		{"completed task", enter("gd", "done", storeCenter), models.ErrTaskInactive},
		{"unknown user", models.RawEvent{UserID: "ghost", TaskID: "orphan", GeofenceID: "go", Type: models.EventEnter, Location: storeCenter}, models.ErrUserNotFound},
		{"implausible", enter("g1", "t1", geo.Offset(storeCenter, 2000, 0)), models.ErrImplausibleLocation},
		{"bad type", models.RawEvent{UserID: "u1", TaskID: "t1", GeofenceID: "g1", Type: "teleport", Location: storeCenter}, models.ErrInvalidEvent},
		{"bad coordinates", enter("g1", "t1", geo.Point{Lat: 91}), models.ErrInvalidEvent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.proc.Process(context.Background(), tc.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, models.IsValidation(err))
		})
	}

	// Records that made it past the raw check end up failed, never pending.
	pending, err := f.st.FindPendingEvents(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProcess_ExitHysteresis(t *testing.T) {
	f := newFixture(t)

	// 100 m from the center of a 150 m fence is inside the 120 m band.
	exit := enter("g1", "t1", geo.Offset(storeCenter, 100, 0))
	exit.Type = models.EventExit
	d, err := f.proc.Process(context.Background(), exit)
	require.NoError(t, err)
	assert.False(t, d.ShouldNotify)
	assert.Equal(t, models.EventFiltered, d.Event.Status)
	assert.Equal(t, ReasonFiltered, d.Reason)

	exit.Location = geo.Offset(storeCenter, 130, 0)
	d, err = f.proc.Process(context.Background(), exit)
	require.NoError(t, err)
	assert.True(t, d.ShouldNotify)
}

func TestProcess_EnterOutsideRadiusFiltered(t *testing.T) {
	f := newFixture(t)

	d, err := f.proc.Process(context.Background(), enter("g1", "t1", geo.Offset(storeCenter, 300, 0)))
	require.NoError(t, err)
	assert.False(t, d.ShouldNotify)
	assert.Equal(t, models.EventFiltered, d.Event.Status)
}

func TestProcess_Duplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.proc.Process(ctx, enter("g1", "t1", storeCenter))
	require.NoError(t, err)
	require.True(t, first.ShouldNotify)

	f.clock.Advance(time.Minute)
	second, err := f.proc.Process(ctx, enter("g1", "t1", geo.Offset(storeCenter, 20, 0)))
	require.NoError(t, err)
	assert.False(t, second.ShouldNotify)
	assert.Equal(t, models.EventDuplicate, second.Event.Status)

	// Outside the dedup window the same spot falls through to cooldown.
	f.clock.Advance(10 * time.Minute)
	third, err := f.proc.Process(ctx, enter("g1", "t1", storeCenter))
	require.NoError(t, err)
	assert.Equal(t, models.EventCooldown, third.Event.Status)
	assert.False(t, third.ShouldNotify)
}

func TestProcess_CooldownExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.proc.Process(ctx, enter("g1", "t1", storeCenter))
	require.NoError(t, err)

	f.clock.Advance(29 * time.Minute)
	d, err := f.proc.Process(ctx, enter("g1", "t1", geo.Offset(storeCenter, 60, 0)))
	require.NoError(t, err)
	assert.Equal(t, models.EventCooldown, d.Event.Status)

	f.clock.Advance(2 * time.Minute)
	d, err = f.proc.Process(ctx, enter("g1", "t1", geo.Offset(storeCenter, 60, 0)))
	require.NoError(t, err)
	assert.Equal(t, models.EventProcessed, d.Event.Status)
	assert.True(t, d.ShouldNotify)
}

func TestProcess_FailedAttemptsDoNotSuppressRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.proc.Process(ctx, enter("g1", "t1", storeCenter))
	require.NoError(t, err)
	ev := d.Event
	require.NoError(t, f.proc.Fail(ctx, &ev, errors.New("schedule failed")))

	retry, err := f.proc.Process(ctx, enter("g1", "t1", storeCenter))
	require.NoError(t, err)
	assert.True(t, retry.ShouldNotify)
	assert.Equal(t, models.EventProcessed, retry.Event.Status)
}

func TestProcess_BundlesNearbyTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.proc.Process(ctx, enter("g1", "t1", storeCenter))
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	second, err := f.proc.Process(ctx, enter("g2", "t2", geo.Offset(storeCenter, 200, 0)))
	require.NoError(t, err)
	assert.True(t, second.ShouldNotify)
	assert.Equal(t, first.Event.ID, second.BundledWith)
	assert.Equal(t, 2, second.BundleSize)
	assert.Contains(t, second.Reason, "2")

	bundles := f.proc.CreateNotificationBundles([]models.GeofenceEvent{first.Event, second.Event})
	require.Len(t, bundles, 1)
	assert.Len(t, bundles[0].Events, 2)
	assert.Equal(t, []string{"t1", "t2"}, bundles[0].TaskIDs)
	assert.Equal(t, "You have 2 reminders for 2 tasks in this area", bundles[0].Message)
}

func TestProcessBatch_IsolatesFailures(t *testing.T) {
	f := newFixture(t)

	out := f.proc.ProcessBatch(context.Background(), []models.RawEvent{
		enter("missing", "t1", storeCenter),
		enter("g1", "t1", storeCenter),
		{UserID: "u1"},
		enter("g2", "t2", geo.Offset(storeCenter, 200, 0)),
	})
	require.Len(t, out, 2)
	assert.Equal(t, "g1", out[0].Event.GeofenceID)
	assert.Equal(t, "g2", out[1].Event.GeofenceID)
}

// cooldownGate holds every LatestCooldown caller for a moment after its read,
// so unserialized callers would all see the same empty cooldown.
type cooldownGate struct {
	*store.Memory
	inside  atomic.Int32
	overlap atomic.Bool
}

func (g *cooldownGate) LatestCooldown(ctx context.Context, userID, geofenceID string) (time.Time, bool, error) {
	until, ok, err := g.Memory.LatestCooldown(ctx, userID, geofenceID)
	if g.inside.Add(1) > 1 {
		g.overlap.Store(true)
	}
	time.Sleep(30 * time.Millisecond)
	g.inside.Add(-1)
	return until, ok, err
}

func TestProcess_ConcurrentEventsNotifyOnce(t *testing.T) {
	tests := []struct {
		name   string
		second float64
		status models.EventStatus
	}{
		{"same spot", 10, models.EventDuplicate},
		{"same geofence", 100, models.EventCooldown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			gate := &cooldownGate{Memory: f.st}
			proc := New(gate, f.leases, policy.Default(), f.clock, nil)

			raws := []models.RawEvent{
				enter("g1", "t1", storeCenter),
				enter("g1", "t1", geo.Offset(storeCenter, tt.second, 0)),
			}
			decisions := make([]*Decision, len(raws))
			var wg sync.WaitGroup
			for i, raw := range raws {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := proc.Process(context.Background(), raw)
					assert.NoError(t, err)
					decisions[i] = d
				}()
			}
			wg.Wait()

			assert.False(t, gate.overlap.Load())
			notified := 0
			statuses := map[models.EventStatus]int{}
			for _, d := range decisions {
				require.NotNil(t, d)
				statuses[d.Event.Status]++
				if d.ShouldNotify {
					notified++
				}
			}
			assert.Equal(t, 1, notified)
			assert.Equal(t, map[models.EventStatus]int{models.EventProcessed: 1, tt.status: 1}, statuses)
		})
	}
}

func TestProcess_UserLeaseHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.leases.Acquire(ctx, "processor:lease:u1", "other-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.proc.Process(ctx, enter("g1", "t1", storeCenter))
	require.ErrorIs(t, err, ErrUserBusy)
	assert.False(t, models.IsValidation(err))

	events, err := f.st.FindRecentEvents(ctx, "u1", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, f.leases.Release(ctx, "processor:lease:u1", "other-instance"))
	d, err := f.proc.Process(ctx, enter("g1", "t1", storeCenter))
	require.NoError(t, err)
	assert.True(t, d.ShouldNotify)
}
