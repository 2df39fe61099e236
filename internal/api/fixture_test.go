package api

import (
	"io"
	"log/slog"

	"github.com/albapepper/geonotify/internal/models"
	"github.com/albapepper/geonotify/internal/queue"
	"github.com/albapepper/geonotify/internal/store"
)

func storeFixture() *store.Memory {
	st := store.NewMemory()
	st.PutUser(models.User{ID: "u1", Timezone: "UTC"})
	st.PutDeviceToken("u1", "device-1")
	st.PutTask(models.Task{ID: "t1", UserID: "u1", Title: "Buy milk", Status: models.TaskActive})
	st.PutGeofence(models.Geofence{ID: "g1", TaskID: "t1", Center: storeCenter, Radius: 150, Tier: models.TierArrival, Active: true})
	return st
}

func queueOpts() queue.Options {
	return queue.Options{MaxAttempts: 3}
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
