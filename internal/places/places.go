// Package places resolves place names for notification text. Lookups are
// cached in the key-value store and concurrent misses for one place share a
// single query.
package places

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/albapepper/geonotify/internal/kv"
	"github.com/albapepper/geonotify/internal/models"
	"github.com/albapepper/geonotify/internal/store"
)

const (
	cachePrefix = "place:name:"
	defaultTTL  = time.Hour
)

// Store is the place lookup the resolver needs.
type Store interface {
	GetPlace(ctx context.Context, id string) (*models.Place, error)
}

// Resolver returns display names for places.
type Resolver struct {
	store  Store
	cache  kv.Store
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// New creates a Resolver. ttl <= 0 uses one hour.
func New(st Store, cache kv.Store, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: st, cache: cache, ttl: ttl, logger: logger}
}

// Name returns the place's name, or "" when the place is unknown or the id is
// empty. Names are only used for text, so lookup failures are logged and
// reported as "".
func (r *Resolver) Name(ctx context.Context, placeID string) string {
	if placeID == "" {
		return ""
	}
	if cached, ok, err := r.cache.Get(ctx, cachePrefix+placeID); err == nil && ok {
		return string(cached)
	}

	v, err, _ := r.group.Do(placeID, func() (interface{}, error) {
		return r.fetch(ctx, placeID)
	})
	if err != nil {
		r.logger.Warn("Place lookup failed", "place_id", placeID, "error", err)
		return ""
	}
	return v.(string)
}

func (r *Resolver) fetch(ctx context.Context, placeID string) (string, error) {
	p, err := r.store.GetPlace(ctx, placeID)
	if errors.Is(err, store.ErrNotFound) {
		// Cache the miss so unknown places do not hit the store every time.
		_ = r.cache.Set(ctx, cachePrefix+placeID, nil, r.ttl)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get place: %w", err)
	}
	if err := r.cache.Set(ctx, cachePrefix+placeID, []byte(p.Name), r.ttl); err != nil {
		r.logger.Warn("Failed to cache place name", "place_id", placeID, "error", err)
	}
	return p.Name, nil
}
