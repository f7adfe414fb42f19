package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	cacheKey = "cache_global_settings"

	// cacheTTL bounds staleness if an invalidation is lost; every write also
	// refreshes the snapshot explicitly.
	cacheTTL = 10 * time.Minute
)

// Store reads and writes settings, keeping the shared snapshot in the KV store
// current on every write.
type Store struct {
	db  *pgxpool.Pool
	rdb *redis.Client
	log zerolog.Logger
}

// NewStore creates a new settings store.
func NewStore(db *pgxpool.Pool, rdb *redis.Client, logger zerolog.Logger) *Store {
	return &Store{db: db, rdb: rdb, log: logger.With().Str("component", "settings").Logger()}
}

// Get returns the current settings snapshot, preferring the shared cache and
// falling back to the database on a miss.
func (s *Store) Get(ctx context.Context) (Settings, error) {
	raw, err := s.rdb.Get(ctx, cacheKey).Bytes()
	if err == nil {
		var cached Settings
		if uErr := json.Unmarshal(raw, &cached); uErr == nil {
			return cached, nil
		}
		s.log.Warn().Msg("Discarding malformed settings cache entry")
	} else if !errors.Is(err, redis.Nil) {
		return Settings{}, fmt.Errorf("read settings cache: %w", err)
	}

	loaded, err := s.load(ctx)
	if err != nil {
		return Settings{}, err
	}
	if cErr := s.cache(ctx, loaded); cErr != nil {
		s.log.Warn().Err(cErr).Msg("Failed to refresh settings cache")
	}
	return loaded, nil
}

// Update validates and writes a single setting, then refreshes the shared
// snapshot.
func (s *Store) Update(ctx context.Context, key string, value int) (Settings, error) {
	if err := Validate(key, value); err != nil {
		return Settings{}, err
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	if err != nil {
		return Settings{}, fmt.Errorf("upsert setting %s: %w", key, err)
	}

	loaded, err := s.load(ctx)
	if err != nil {
		return Settings{}, err
	}
	if cErr := s.cache(ctx, loaded); cErr != nil {
		s.log.Warn().Err(cErr).Msg("Failed to refresh settings cache after write")
	}
	return loaded, nil
}

// load reads every settings row, layered over the defaults so that missing
// rows keep their seeded values.
func (s *Store) load(ctx context.Context) (Settings, error) {
	loaded := Defaults()

	rows, err := s.db.Query(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return Settings{}, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value int
		if err := rows.Scan(&key, &value); err != nil {
			return Settings{}, fmt.Errorf("scan setting: %w", err)
		}
		if err := loaded.apply(key, value); err != nil {
			s.log.Warn().Str("key", key).Msg("Ignoring unknown settings row")
		}
	}
	if err := rows.Err(); err != nil {
		return Settings{}, fmt.Errorf("iterate settings: %w", err)
	}
	return loaded, nil
}

func (s *Store) cache(ctx context.Context, settings Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := s.rdb.Set(ctx, cacheKey, raw, cacheTTL).Err(); err != nil {
		return fmt.Errorf("write settings cache: %w", err)
	}
	return nil
}
