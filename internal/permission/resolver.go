package permission

import (
	"context"

	"github.com/rs/zerolog"
)

// Resolver answers permission checks, consulting the cache before the store.
type Resolver struct {
	store Store
	cache Cache
	log   zerolog.Logger
}

// NewResolver creates a new permission resolver.
func NewResolver(store Store, cache Cache, logger zerolog.Logger) *Resolver {
	return &Resolver{store: store, cache: cache, log: logger}
}

// Allowed reports whether the role may perform the action, using the cache
// when available.
func (r *Resolver) Allowed(ctx context.Context, action string, roleID int16) (bool, error) {
	allowed, found, err := r.cache.Get(ctx, action, roleID)
	if err != nil {
		// Cache error is non-fatal; fall through to the store.
		r.log.Warn().Err(err).Msg("Permission cache get failed, falling through to store")
	}
	if found {
		return allowed, nil
	}

	allowed, err = r.store.Allowed(ctx, action, roleID)
	if err != nil {
		return false, err
	}

	if cacheErr := r.cache.Set(ctx, action, roleID, allowed); cacheErr != nil {
		r.log.Warn().Err(cacheErr).Msg("Permission cache set failed")
	}
	return allowed, nil
}
