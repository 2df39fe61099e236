package places

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	"github.com/albapepper/geonotify/internal/kv"
	"github.com/albapepper/geonotify/internal/models"
	"github.com/albapepper/geonotify/internal/store"
)

type countingStore struct {
	calls atomic.Int32
	fail  bool
}

func (c *countingStore) GetPlace(_ context.Context, id string) (*models.Place, error) {
	c.calls.Add(1)
	time.Sleep(5 * time.Millisecond)
	if c.fail {
		return nil, errors.New("connection refused")
	}
	if id == "unknown" {
		return nil, store.ErrNotFound
	}
	return &models.Place{ID: id, Name: "Trader Joe's"}, nil
}

func TestResolver_CachesNames(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := kv.NewMemory(clock)
	defer cache.Close()
	st := &countingStore{}
	r := New(st, cache, time.Minute, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, "Trader Joe's", r.Name(ctx, "p1"))
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, st.calls.Load(), int32(8))

	before := st.calls.Load()
	assert.Equal(t, "Trader Joe's", r.Name(ctx, "p1"))
	assert.Equal(t, before, st.calls.Load(), "served from cache")

	clock.Advance(2 * time.Minute)
	assert.Equal(t, "Trader Joe's", r.Name(ctx, "p1"))
	assert.Equal(t, before+1, st.calls.Load(), "refetched after ttl")
}

func TestResolver_UnknownAndErrors(t *testing.T) {
	cache := kv.NewMemory(clockwork.NewFakeClock())
	defer cache.Close()
	st := &countingStore{}
	r := New(st, cache, time.Minute, nil)
	ctx := context.Background()

	assert.Equal(t, "", r.Name(ctx, ""))
	assert.Zero(t, st.calls.Load())

	assert.Equal(t, "", r.Name(ctx, "unknown"))
	assert.Equal(t, "", r.Name(ctx, "unknown"))
	assert.EqualValues(t, 1, st.calls.Load(), "misses are cached")

	st.fail = true
	assert.Equal(t, "", r.Name(ctx, "p2"))
}
