package listener

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/geonotify/internal/models"
)

type captureEnqueuer struct {
	got []models.RawEvent
}

func (c *captureEnqueuer) EnqueueEvent(_ context.Context, raw models.RawEvent) (string, error) {
	c.got = append(c.got, raw)
	return "item-1", nil
}

func TestHandle(t *testing.T) {
	enq := &captureEnqueuer{}
	payload := `{"user_id":"u1","task_id":"t1","geofence_id":"g1","event_type":"enter","location":{"lat":40.7,"lng":-74.0},"confidence":0.8}`

	id, err := Handle(context.Background(), enq, []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "item-1", id)
	require.Len(t, enq.got, 1)
	assert.Equal(t, models.EventEnter, enq.got[0].Type)
	assert.Equal(t, "g1", enq.got[0].GeofenceID)

	_, err = Handle(context.Background(), enq, []byte("not json"))
	assert.ErrorIs(t, err, models.ErrInvalidEvent)
	assert.Len(t, enq.got, 1)
}
