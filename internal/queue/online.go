package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// OnlineStore holds the online-unclaimed line in Valkey: a hash of bundles
// keyed by visitor id plus a list preserving insertion order, both scoped per
// organisation.
type OnlineStore struct {
	rdb *redis.Client
}

// NewOnlineStore creates a new online-unclaimed store.
func NewOnlineStore(rdb *redis.Client) *OnlineStore {
	return &OnlineStore{rdb: rdb}
}

// Push enqueues the bundle. Pushing a visitor already in the line overwrites
// the bundle but keeps the original position.
func (s *OnlineStore) Push(ctx context.Context, orgID uuid.UUID, bundle Bundle) error {
	raw, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal unclaimed bundle: %w", err)
	}

	field := bundle.Visitor.ID.String()
	added, err := s.rdb.HSet(ctx, hashKey(orgID), field, raw).Result()
	if err != nil {
		return fmt.Errorf("push unclaimed bundle: %w", err)
	}
	if added > 0 {
		if err := s.rdb.RPush(ctx, orderKey(orgID), field).Err(); err != nil {
			return fmt.Errorf("push unclaimed order: %w", err)
		}
	}
	return nil
}

// Remove dequeues the visitor. Removing an absent visitor is a no-op.
func (s *OnlineStore) Remove(ctx context.Context, orgID, visitorID uuid.UUID) error {
	field := visitorID.String()
	if err := s.rdb.HDel(ctx, hashKey(orgID), field).Err(); err != nil {
		return fmt.Errorf("remove unclaimed bundle: %w", err)
	}
	if err := s.rdb.LRem(ctx, orderKey(orgID), 0, field).Err(); err != nil {
		return fmt.Errorf("remove unclaimed order: %w", err)
	}
	return nil
}

// Contains reports whether the visitor is in the line.
func (s *OnlineStore) Contains(ctx context.Context, orgID, visitorID uuid.UUID) (bool, error) {
	found, err := s.rdb.HExists(ctx, hashKey(orgID), visitorID.String()).Result()
	if err != nil {
		return false, fmt.Errorf("check unclaimed: %w", err)
	}
	return found, nil
}

// Get returns the visitor's bundle, or nil when the visitor is not in the
// line.
func (s *OnlineStore) Get(ctx context.Context, orgID, visitorID uuid.UUID) (*Bundle, error) {
	raw, err := s.rdb.HGet(ctx, hashKey(orgID), visitorID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get unclaimed bundle: %w", err)
	}

	var bundle Bundle
	if err := json.Unmarshal([]byte(raw), &bundle); err != nil {
		return nil, fmt.Errorf("decode unclaimed bundle: %w", err)
	}
	return &bundle, nil
}

// AppendContent appends a message to the visitor's bundle so a staff member
// claiming the chat later sees the whole conversation. Appending to an absent
// bundle is a no-op.
func (s *OnlineStore) AppendContent(ctx context.Context, orgID, visitorID uuid.UUID, content json.RawMessage) error {
	bundle, err := s.Get(ctx, orgID, visitorID)
	if err != nil {
		return err
	}
	if bundle == nil {
		return nil
	}

	bundle.Contents = append(bundle.Contents, content)
	raw, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal unclaimed bundle: %w", err)
	}
	if err := s.rdb.HSet(ctx, hashKey(orgID), visitorID.String(), raw).Err(); err != nil {
		return fmt.Errorf("append unclaimed content: %w", err)
	}
	return nil
}

// List returns every bundle in insertion order.
func (s *OnlineStore) List(ctx context.Context, orgID uuid.UUID) ([]Bundle, error) {
	order, err := s.rdb.LRange(ctx, orderKey(orgID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list unclaimed order: %w", err)
	}
	if len(order) == 0 {
		return nil, nil
	}

	raw, err := s.rdb.HMGet(ctx, hashKey(orgID), order...).Result()
	if err != nil {
		return nil, fmt.Errorf("list unclaimed bundles: %w", err)
	}

	bundles := make([]Bundle, 0, len(raw))
	for i, val := range raw {
		entry, ok := val.(string)
		if !ok {
			// Hash and order list can briefly disagree between the two writes
			// of Remove; skip the hole.
			continue
		}
		var bundle Bundle
		if err := json.Unmarshal([]byte(entry), &bundle); err != nil {
			return nil, fmt.Errorf("decode unclaimed bundle %s: %w", order[i], err)
		}
		bundles = append(bundles, bundle)
	}
	return bundles, nil
}

func hashKey(orgID uuid.UUID) string {
	return "unclaimed:" + orgID.String()
}

func orderKey(orgID uuid.UUID) string {
	return "unclaimed_order:" + orgID.String()
}
