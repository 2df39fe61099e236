package ingest

import (
	"context"
	"errors"
	"io"
	"testing"

	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/geonotify/internal/models"
	"github.com/albapepper/geonotify/internal/processor"
	"github.com/albapepper/geonotify/internal/queue"
)

type fakeReader struct {
	msgs      []kgo.Message
	committed []int64
}

func (f *fakeReader) FetchMessage(context.Context) (kgo.Message, error) {
	if len(f.msgs) == 0 {
		return kgo.Message{}, io.EOF
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kgo.Message) error {
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error { return nil }

type fakeEnqueuer struct {
	err  error
	seen []models.RawEvent
}

func (f *fakeEnqueuer) EnqueueEvent(_ context.Context, raw models.RawEvent) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if err := processor.CheckRaw(raw); err != nil {
		return "", err
	}
	f.seen = append(f.seen, raw)
	return "item", nil
}

const validEvent = `{"user_id":"u1","task_id":"t1","geofence_id":"g1","event_type":"dwell","location":{"lat":1,"lng":2}}`

func TestHandleMessage(t *testing.T) {
	r := &fakeReader{}
	enq := &fakeEnqueuer{}
	c := NewConsumer(r, enq, nil)
	ctx := context.Background()

	require.NoError(t, c.HandleMessage(ctx, kgo.Message{Offset: 1, Value: []byte(validEvent)}))
	require.NoError(t, c.HandleMessage(ctx, kgo.Message{Offset: 2, Value: []byte("{")}))
	require.NoError(t, c.HandleMessage(ctx, kgo.Message{Offset: 3, Value: []byte(`{"user_id":"u1"}`)}))

	assert.Equal(t, []int64{1, 2, 3}, r.committed)
	require.Len(t, enq.seen, 1)
	assert.Equal(t, models.EventDwell, enq.seen[0].Type)
}

func TestHandleMessage_TransientLeavesUncommitted(t *testing.T) {
	r := &fakeReader{}
	c := NewConsumer(r, &fakeEnqueuer{err: errors.New("kv unavailable")}, nil)

	err := c.HandleMessage(context.Background(), kgo.Message{Offset: 7, Value: []byte(validEvent)})
	assert.Error(t, err)
	assert.Empty(t, r.committed)
}

func TestRun_StopsWhenQueueCloses(t *testing.T) {
	r := &fakeReader{msgs: []kgo.Message{{Offset: 1, Value: []byte(validEvent)}}}
	c := NewConsumer(r, &fakeEnqueuer{err: queue.ErrClosed}, nil)

	assert.NoError(t, c.Run(context.Background()))
	assert.Empty(t, r.committed)
}

func TestRun_FetchError(t *testing.T) {
	r := &fakeReader{msgs: []kgo.Message{{Offset: 1, Value: []byte(validEvent)}}}
	c := NewConsumer(r, &fakeEnqueuer{}, nil)

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []int64{1}, r.committed)
}
