package notifications

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/geonotify/internal/models"
)

func TestParseAction(t *testing.T) {
	for kind, name := range actionNames {
		got, err := ParseAction(name)
		require.NoError(t, err)
		assert.Equal(t, kind, got)
	}

	_, err := ParseAction("snooze_forever")
	assert.ErrorIs(t, err, models.ErrInvalidAction)

	var k ActionKind
	require.NoError(t, json.Unmarshal([]byte(`"mute"`), &k))
	assert.Equal(t, ActionMute, k)
	out, err := json.Marshal(ActionSnoozeTomorrow)
	require.NoError(t, err)
	assert.JSONEq(t, `"snooze_tomorrow"`, string(out))
}

func pendingRecord(t *testing.T, h *harness) *models.NotificationRecord {
	t.Helper()
	it := item()
	it.TaskIDs = []string{"t1", "t2"}
	it.ScheduledFor = h.clock.Now().Add(time.Hour)
	rec, err := h.sched.Schedule(context.Background(), it)
	require.NoError(t, err)
	require.Equal(t, models.NotificationPending, rec.Status)
	return rec
}

func TestHandleAction_Complete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := pendingRecord(t, h)

	res, err := h.sched.HandleAction(ctx, rec.ID, ActionComplete, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, res.TasksCompleted)
	assert.True(t, res.Cancelled)

	task, err := h.st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, task.Status)

	got, err := h.st.GetNotification(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationCancelled, got.Status)
}

func TestHandleAction_SnoozeThenExpire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := pendingRecord(t, h)

	res, err := h.sched.HandleAction(ctx, rec.ID, ActionSnooze15m, "u1")
	require.NoError(t, err)
	require.NotNil(t, res.Snooze)
	assert.Equal(t, 15*time.Minute, res.Snooze.Duration)

	got, err := h.st.GetNotification(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationSnoozed, got.Status)

	st := assertInvariant(t, h.sched)
	assert.Equal(t, 1, st.Snoozed)
	assert.Equal(t, 1, st.Pending)

	n, err := h.sched.ExpireSnoozes(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(15 * time.Minute)
	n, err = h.sched.ExpireSnoozes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = h.st.GetNotification(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationPending, got.Status)
	assert.Equal(t, h.clock.Now(), got.ScheduledFor)

	out, err := h.sched.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Delivered)
}

func TestHandleAction_SnoozeDeliveredCopiesRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.sched.Schedule(ctx, item())
	require.NoError(t, err)
	require.Equal(t, models.NotificationDelivered, rec.Status)

	res, err := h.sched.HandleAction(ctx, rec.ID, ActionSnoozeTomorrow, "u1")
	require.NoError(t, err)
	assert.NotEqual(t, rec.ID, res.NotificationID)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), res.Snooze.ExpiresAt)

	orig, err := h.st.GetNotification(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationDelivered, orig.Status)

	copied, err := h.st.GetNotification(ctx, res.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationSnoozed, copied.Status)
	assert.Equal(t, rec.Body, copied.Body)
}

func TestHandleAction_SnoozeCancelledRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := pendingRecord(t, h)
	_, err := h.sched.Cancel(ctx, rec.ID)
	require.NoError(t, err)

	_, err = h.sched.HandleAction(ctx, rec.ID, ActionSnooze1h, "u1")
	assert.ErrorIs(t, err, models.ErrInvalidAction)
}

func TestHandleAction_MuteThenExpire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := pendingRecord(t, h)

	res, err := h.sched.HandleAction(ctx, rec.ID, ActionMute, "u1")
	require.NoError(t, err)
	require.Len(t, res.Mutes, 2)
	assert.Equal(t, h.clock.Now().Add(24*time.Hour), res.Mutes[0].ExpiresAt)

	task, err := h.st.GetTask(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, models.TaskMuted, task.Status)

	snoozes, mutes, err := h.sched.SuppressionCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, snoozes)
	assert.Equal(t, 2, mutes)

	h.clock.Advance(24 * time.Hour)
	n, err := h.sched.ExpireMutes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	task, err = h.st.GetTask(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, models.TaskActive, task.Status)
}

func TestHandleAction_MuteExpiryLeavesCompletedTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := pendingRecord(t, h)

	_, err := h.sched.HandleAction(ctx, rec.ID, ActionMute, "u1")
	require.NoError(t, err)
	require.NoError(t, h.st.UpdateTaskStatus(ctx, "t1", models.TaskCompleted))

	h.clock.Advance(25 * time.Hour)
	_, err = h.sched.ExpireMutes(ctx)
	require.NoError(t, err)

	task, err := h.st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, task.Status)
}

func TestHandleAction_OpenMapAndErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := pendingRecord(t, h)

	res, err := h.sched.HandleAction(ctx, rec.ID, ActionOpenMap, "u1")
	require.NoError(t, err)
	assert.False(t, res.Cancelled)
	got, err := h.st.GetNotification(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationPending, got.Status)

	_, err = h.sched.HandleAction(ctx, rec.ID, ActionComplete, "someone-else")
	assert.ErrorIs(t, err, models.ErrNotificationNotFound)

	_, err = h.sched.HandleAction(ctx, rec.ID, ActionKind(99), "u1")
	assert.ErrorIs(t, err, models.ErrInvalidAction)

	_, err = h.sched.HandleAction(ctx, "missing", ActionOpenMap, "u1")
	assert.ErrorIs(t, err, models.ErrNotificationNotFound)
}

func TestHandleAction_BusyLeaveTasksUntouched(t *testing.T) {
	for _, kind := range []ActionKind{ActionComplete, ActionMute} {
		t.Run(kind.String(), func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			rec := pendingRecord(t, h)

			ok, err := h.leases.Acquire(ctx, leasePrefix+rec.ID, "worker", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			_, err = h.sched.HandleAction(ctx, rec.ID, kind, "u1")
			assert.ErrorIs(t, err, ErrNotificationBusy)

			for _, id := range []string{"t1", "t2"} {
				task, err := h.st.GetTask(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, models.TaskActive, task.Status, id)
			}
			_, mutes, err := h.sched.SuppressionCounts(ctx)
			require.NoError(t, err)
			assert.Zero(t, mutes)

			require.NoError(t, h.leases.Release(ctx, leasePrefix+rec.ID, "worker"))
			res, err := h.sched.HandleAction(ctx, rec.ID, kind, "u1")
			require.NoError(t, err)
			assert.True(t, res.Cancelled)
		})
	}
}

func TestHandleAction_CompleteDeliveredKeepsRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.sched.Schedule(ctx, item())
	require.NoError(t, err)
	require.Equal(t, models.NotificationDelivered, rec.Status)

	res, err := h.sched.HandleAction(ctx, rec.ID, ActionComplete, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, res.TasksCompleted)
	assert.False(t, res.Cancelled)

	got, err := h.st.GetNotification(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationDelivered, got.Status)
}

func TestDeliver_HeldWhileTasksMuted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.clock.Advance(11 * time.Hour) // 23:00

	first, err := h.sched.Schedule(ctx, item())
	require.NoError(t, err)
	second, err := h.sched.Schedule(ctx, item())
	require.NoError(t, err)
	require.Equal(t, models.NotificationPending, second.Status)

	res, err := h.sched.HandleAction(ctx, first.ID, ActionMute, "u1")
	require.NoError(t, err)
	require.Len(t, res.Mutes, 1)
	muteEnds := res.Mutes[0].ExpiresAt

	h.clock.Advance(9 * time.Hour) // 08:00, quiet hours over
	sweep, err := h.sched.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Rescheduled: 1}, sweep)
	assert.Zero(t, h.sender.count())

	got, err := h.st.GetNotification(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationPending, got.Status)
	assert.Equal(t, muteEnds, got.ScheduledFor)
	assert.Zero(t, got.Attempts)

	// Mute ends at 23:00, inside quiet hours; the record then waits for morning.
	h.clock.Advance(muteEnds.Sub(h.clock.Now()) + time.Minute)
	n, err := h.sched.ExpireMutes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sweep, err = h.sched.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Rescheduled: 1}, sweep)
	got, err = h.st.GetNotification(ctx, second.ID)
	require.NoError(t, err)

	h.clock.Advance(got.ScheduledFor.Sub(h.clock.Now()))
	sweep, err = h.sched.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Delivered: 1}, sweep)
	assert.Equal(t, 1, h.sender.count())
	assertInvariant(t, h.sched)
}

func TestDeliver_OneActiveTaskIsEnough(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := pendingRecord(t, h)

	require.NoError(t, h.st.UpdateTaskStatus(ctx, "t1", models.TaskMuted))
	h.clock.Advance(time.Hour)

	sweep, err := h.sched.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Delivered: 1}, sweep)

	got, err := h.st.GetNotification(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationDelivered, got.Status)
}

func TestDeliver_MutedWithoutActiveMuteRechecksSoon(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := pendingRecord(t, h)

	// Task still muted but its mute row is already gone.
	require.NoError(t, h.st.UpdateTaskStatus(ctx, "t1", models.TaskMuted))
	require.NoError(t, h.st.UpdateTaskStatus(ctx, "t2", models.TaskCompleted))
	h.clock.Advance(time.Hour)

	sweep, err := h.sched.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Rescheduled: 1}, sweep)

	got, err := h.st.GetNotification(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(5*time.Minute), got.ScheduledFor)
	assert.Zero(t, got.Attempts)
}

func TestDeliver_CancelledWhenTasksClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := pendingRecord(t, h)
	second := pendingRecord(t, h)

	it := item()
	it.TaskIDs = []string{"deleted-task"}
	it.ScheduledFor = h.clock.Now().Add(time.Hour)
	orphan, err := h.sched.Schedule(ctx, it)
	require.NoError(t, err)

	_, err = h.sched.HandleAction(ctx, first.ID, ActionComplete, "u1")
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	sweep, err := h.sched.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 2, Cancelled: 2}, sweep)
	assert.Zero(t, h.sender.count())

	for _, id := range []string{second.ID, orphan.ID} {
		got, err := h.st.GetNotification(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.NotificationCancelled, got.Status)
		assert.Zero(t, got.Attempts)
	}
	st := assertInvariant(t, h.sched)
	assert.Equal(t, 3, st.Cancelled)
}
