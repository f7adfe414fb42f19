// Package presence tracks who is connected right now, backed by Valkey so
// every gateway worker sees the same view. Visitors live in one global hash;
// staff live in a hash per organisation, each entry carrying the gateway
// session that owns the connection. Typing indicators use a short-TTL SET NX
// key to deduplicate rapid keystrokes.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/beaconchat/beacon-server/internal/staff"
	"github.com/beaconchat/beacon-server/internal/visitor"
)

// typingTTL is the lifetime of a typing indicator key. Clients may re-trigger
// the typing event, but SET NX suppresses duplicate dispatches until the key
// expires.
const typingTTL = 10 * time.Second

// StaffEntry is the stored presence record for an online staff member. SID is
// the gateway session that owns the connection; a reconnect overwrites the
// entry so the newest session wins.
type StaffEntry struct {
	Staff staff.Staff `json:"staff"`
	SID   string      `json:"sid"`
}

// Store reads and writes ephemeral presence state in Valkey.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a new presence store backed by the given Valkey client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// SetVisitorOnline records the visitor as connected.
func (s *Store) SetVisitorOnline(ctx context.Context, v visitor.Visitor) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal visitor presence: %w", err)
	}
	if err := s.rdb.HSet(ctx, visitorsKey, v.ID.String(), raw).Err(); err != nil {
		return fmt.Errorf("set visitor presence for %s: %w", v.ID, err)
	}
	return nil
}

// SetVisitorOffline removes the visitor's presence entry. Removing an absent
// entry is a no-op.
func (s *Store) SetVisitorOffline(ctx context.Context, visitorID uuid.UUID) error {
	if err := s.rdb.HDel(ctx, visitorsKey, visitorID.String()).Err(); err != nil {
		return fmt.Errorf("delete visitor presence for %s: %w", visitorID, err)
	}
	return nil
}

// VisitorOnline reports whether the visitor has a live connection.
func (s *Store) VisitorOnline(ctx context.Context, visitorID uuid.UUID) (bool, error) {
	online, err := s.rdb.HExists(ctx, visitorsKey, visitorID.String()).Result()
	if err != nil {
		return false, fmt.Errorf("check visitor presence for %s: %w", visitorID, err)
	}
	return online, nil
}

// OnlineVisitors returns every connected visitor keyed by id.
func (s *Store) OnlineVisitors(ctx context.Context) (map[string]visitor.Visitor, error) {
	raw, err := s.rdb.HGetAll(ctx, visitorsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list online visitors: %w", err)
	}

	visitors := make(map[string]visitor.Visitor, len(raw))
	for id, entry := range raw {
		var v visitor.Visitor
		if err := json.Unmarshal([]byte(entry), &v); err != nil {
			return nil, fmt.Errorf("decode visitor presence %s: %w", id, err)
		}
		visitors[id] = v
	}
	return visitors, nil
}

// SetStaffOnline records the staff member as connected through the given
// gateway session. A second connection overwrites the first, so the newest
// session receives targeted events.
func (s *Store) SetStaffOnline(ctx context.Context, st staff.Staff, sid string) error {
	raw, err := json.Marshal(StaffEntry{Staff: st, SID: sid})
	if err != nil {
		return fmt.Errorf("marshal staff presence: %w", err)
	}
	if err := s.rdb.HSet(ctx, staffKey(st.OrgID), st.ID.String(), raw).Err(); err != nil {
		return fmt.Errorf("set staff presence for %s: %w", st.ID, err)
	}
	return nil
}

// SetStaffOffline removes the staff member's presence entry, but only when it
// is still owned by the given session. A newer connection's entry survives the
// older connection's disconnect.
func (s *Store) SetStaffOffline(ctx context.Context, orgID, staffID uuid.UUID, sid string) (bool, error) {
	entry, err := s.GetStaff(ctx, orgID, staffID)
	if err != nil {
		return false, err
	}
	if entry == nil || entry.SID != sid {
		return false, nil
	}
	if err := s.rdb.HDel(ctx, staffKey(orgID), staffID.String()).Err(); err != nil {
		return false, fmt.Errorf("delete staff presence for %s: %w", staffID, err)
	}
	return true, nil
}

// GetStaff returns the staff member's presence entry, or nil when offline.
func (s *Store) GetStaff(ctx context.Context, orgID, staffID uuid.UUID) (*StaffEntry, error) {
	raw, err := s.rdb.HGet(ctx, staffKey(orgID), staffID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get staff presence for %s: %w", staffID, err)
	}

	var entry StaffEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode staff presence %s: %w", staffID, err)
	}
	return &entry, nil
}

// OnlineStaff returns every connected staff member of the organisation keyed
// by id.
func (s *Store) OnlineStaff(ctx context.Context, orgID uuid.UUID) (map[string]StaffEntry, error) {
	raw, err := s.rdb.HGetAll(ctx, staffKey(orgID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list online staff: %w", err)
	}

	entries := make(map[string]StaffEntry, len(raw))
	for id, val := range raw {
		var entry StaffEntry
		if err := json.Unmarshal([]byte(val), &entry); err != nil {
			return nil, fmt.Errorf("decode staff presence %s: %w", id, err)
		}
		entries[id] = entry
	}
	return entries, nil
}

// SetTyping records that the participant started typing in the visitor's room.
// The key uses SET NX so repeated calls within the TTL window are no-ops.
// Returns true when the key was newly created (a typing event should be sent),
// false when the duplicate was suppressed.
func (s *Store) SetTyping(ctx context.Context, visitorID, participantID uuid.UUID) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, typingKey(visitorID, participantID), 1, typingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("set typing for %s in %s: %w", participantID, visitorID, err)
	}
	return ok, nil
}

// ClearTyping removes the typing indicator. It returns true when the key
// existed and was deleted (a stop event should be sent).
func (s *Store) ClearTyping(ctx context.Context, visitorID, participantID uuid.UUID) (bool, error) {
	n, err := s.rdb.Del(ctx, typingKey(visitorID, participantID)).Result()
	if err != nil {
		return false, fmt.Errorf("clear typing for %s in %s: %w", participantID, visitorID, err)
	}
	return n > 0, nil
}

const visitorsKey = "online_visitors"

func staffKey(orgID uuid.UUID) string {
	return "online_users:" + orgID.String()
}

func typingKey(visitorID, participantID uuid.UUID) string {
	return "typing:" + visitorID.String() + ":" + participantID.String()
}
