package kv

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends() map[string]func(*testing.T, clockwork.Clock) Store {
	return map[string]func(*testing.T, clockwork.Clock) Store{
		"memory": func(t *testing.T, c clockwork.Clock) Store {
			m := NewMemory(c)
			t.Cleanup(func() { m.Close() })
			return m
		},
		"sqlite": func(t *testing.T, c clockwork.Clock) Store {
			s, err := OpenSQLite(":memory:", c)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStore_SetGetDelete(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t, clockwork.NewFakeClock())

			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, "a", []byte("1"), 0))
			require.NoError(t, s.Set(ctx, "a", []byte("2"), 0))
			v, ok, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte("2"), v)

			require.NoError(t, s.Delete(ctx, "a"))
			_, ok, _ = s.Get(ctx, "a")
			assert.False(t, ok)
		})
	}
}

func TestStore_TTLAndSweep(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := clockwork.NewFakeClock()
			s := open(t, clock)

			require.NoError(t, s.Set(ctx, "short", []byte("x"), time.Minute))
			require.NoError(t, s.Set(ctx, "forever", []byte("y"), 0))

			clock.Advance(2 * time.Minute)

			_, ok, _ := s.Get(ctx, "short")
			assert.False(t, ok, "expired key is invisible")
			_, ok, _ = s.Get(ctx, "forever")
			assert.True(t, ok)

			n, err := s.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestStore_Scan(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t, clockwork.NewFakeClock())

			require.NoError(t, s.Set(ctx, "queue:item:1", []byte("a"), 0))
			require.NoError(t, s.Set(ctx, "queue:item:2", []byte("b"), 0))
			require.NoError(t, s.Set(ctx, "queue:lease:1", []byte("w"), 0))

			items, err := s.Scan(ctx, "queue:item:")
			require.NoError(t, err)
			assert.Len(t, items, 2)
			assert.Equal(t, []byte("b"), items["queue:item:2"])
		})
	}
}

func TestStore_Leases(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := clockwork.NewFakeClock()
			s := open(t, clock)

			ok, err := s.Acquire(ctx, "lease:1", "worker-a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.Acquire(ctx, "lease:1", "worker-b", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "held lease cannot be taken")

			require.NoError(t, s.Release(ctx, "lease:1", "worker-b"))
			ok, _ = s.Acquire(ctx, "lease:1", "worker-b", time.Minute)
			assert.False(t, ok, "release by non-owner is ignored")

			clock.Advance(time.Minute + time.Second)
			ok, err = s.Acquire(ctx, "lease:1", "worker-b", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "expired lease can be taken over")

			require.NoError(t, s.Release(ctx, "lease:1", "worker-b"))
			ok, _ = s.Acquire(ctx, "lease:1", "worker-a", time.Minute)
			assert.True(t, ok)
		})
	}
}
