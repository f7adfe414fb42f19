package permission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// CacheTTL is the default time-to-live for cached permission checks.
	CacheTTL = 300 * time.Second

	// CachePrefix is the key prefix for cached permission checks in Valkey.
	CachePrefix = "perms"

	// InvalidateChannel is the pub/sub channel for cache invalidation.
	InvalidateChannel = "beacon.cache.invalidate"

	// scanBatchSize is the number of keys to retrieve per SCAN iteration.
	scanBatchSize = 100
)

func cacheKey(action string, roleID int16) string {
	return CachePrefix + ":" + action + ":" + strconv.Itoa(int(roleID))
}

// Cache provides get/set/delete operations for permission check results.
type Cache interface {
	Get(ctx context.Context, action string, roleID int16) (allowed, found bool, err error)
	Set(ctx context.Context, action string, roleID int16, allowed bool) error
	DeleteByRole(ctx context.Context, roleID int16) error
	DeleteByAction(ctx context.Context, action string) error
	DeleteExact(ctx context.Context, action string, roleID int16) error
}

// ValkeyCache implements Cache using Valkey/Redis.
type ValkeyCache struct {
	Client *redis.Client
}

// NewValkeyCache creates a new Valkey-backed permission cache.
func NewValkeyCache(client *redis.Client) *ValkeyCache {
	return &ValkeyCache{Client: client}
}

func (c *ValkeyCache) Get(ctx context.Context, action string, roleID int16) (bool, bool, error) {
	val, err := c.Client.Get(ctx, cacheKey(action, roleID)).Result()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("cache get: %w", err)
	}
	return val == "1", true, nil
}

func (c *ValkeyCache) Set(ctx context.Context, action string, roleID int16, allowed bool) error {
	val := "0"
	if allowed {
		val = "1"
	}
	if err := c.Client.Set(ctx, cacheKey(action, roleID), val, CacheTTL).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (c *ValkeyCache) DeleteByRole(ctx context.Context, roleID int16) error {
	return c.scanAndDelete(ctx, CachePrefix+":*:"+strconv.Itoa(int(roleID)))
}

func (c *ValkeyCache) DeleteByAction(ctx context.Context, action string) error {
	return c.scanAndDelete(ctx, CachePrefix+":"+action+":*")
}

func (c *ValkeyCache) DeleteExact(ctx context.Context, action string, roleID int16) error {
	return c.Client.Del(ctx, cacheKey(action, roleID)).Err()
}

func (c *ValkeyCache) scanAndDelete(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := c.Client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("scan keys %q: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := c.Client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}
