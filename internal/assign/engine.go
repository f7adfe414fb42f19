// Package assign picks which volunteer serves which visitor. The rotation is
// a cached list of the organisation's enabled agents plus a cursor, stored in
// Valkey so every worker advances the same wheel. The cursor moves one past
// each chosen volunteer, which is what spreads chats evenly across the team.
package assign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/beaconchat/beacon-server/internal/chat"
	"github.com/beaconchat/beacon-server/internal/settings"
	"github.com/beaconchat/beacon-server/internal/staff"
)

// SettingsSource yields the current global settings snapshot.
type SettingsSource interface {
	Get(ctx context.Context) (settings.Settings, error)
}

// rotation is the cached round-robin state for one organisation.
type rotation struct {
	Counter  int         `json:"counter"`
	StaffIDs []uuid.UUID `json:"staff_ids"`
}

// Engine implements round-robin volunteer assignment.
type Engine struct {
	rdb      *redis.Client
	staffs   staff.Repository
	chats    chat.Repository
	settings SettingsSource
	log      zerolog.Logger
}

// NewEngine creates an assignment engine.
func NewEngine(rdb *redis.Client, staffs staff.Repository, chats chat.Repository, st SettingsSource, logger zerolog.Logger) *Engine {
	return &Engine{
		rdb:      rdb,
		staffs:   staffs,
		chats:    chats,
		settings: st,
		log:      logger.With().Str("component", "assign").Logger(),
	}
}

// Next picks the next volunteer for the visitor and records the durable
// subscription edge. Volunteers already subscribed to the visitor and those in
// exclude are skipped. Returns nil without error when auto-assignment is off
// or a full revolution finds no eligible volunteer.
func (e *Engine) Next(ctx context.Context, orgID, visitorID uuid.UUID, exclude []uuid.UUID) (*staff.Staff, error) {
	current, err := e.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	if current.AutoAssign == 0 {
		return nil, nil
	}

	rot, err := e.loadRotation(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if len(rot.StaffIDs) == 0 {
		return nil, nil
	}

	skip := make(map[uuid.UUID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	subscribers, err := e.chats.ListSubscriberIDs(ctx, visitorID)
	if err != nil {
		return nil, err
	}
	for _, id := range subscribers {
		skip[id] = struct{}{}
	}

	for offset := 0; offset < len(rot.StaffIDs); offset++ {
		idx := (rot.Counter + offset) % len(rot.StaffIDs)
		candidateID := rot.StaffIDs[idx]
		if _, skipped := skip[candidateID]; skipped {
			continue
		}

		candidate, err := e.staffs.GetByID(ctx, candidateID)
		if errors.Is(err, staff.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// The cached list can trail role and account changes; stale entries
		// are skipped rather than assigned.
		if candidate.Disabled || candidate.RoleID != staff.RoleAgent {
			continue
		}

		if _, err := e.chats.Subscribe(ctx, candidate.ID, visitorID); err != nil {
			return nil, err
		}

		rot.Counter = idx + 1
		if err := e.saveRotation(ctx, orgID, rot); err != nil {
			return nil, err
		}

		e.log.Info().
			Stringer("staff_id", candidate.ID).
			Stringer("visitor_id", visitorID).
			Msg("Assigned volunteer")
		return candidate, nil
	}

	return nil, nil
}

// Reassign removes every current subscription of the visitor, then picks a
// fresh volunteer, excluding the staff just removed. Returns the chosen
// volunteer (nil when none) and the staff that were removed.
func (e *Engine) Reassign(ctx context.Context, orgID, visitorID uuid.UUID) (*staff.Staff, []uuid.UUID, error) {
	removed, err := e.chats.UnsubscribeAll(ctx, visitorID)
	if err != nil {
		return nil, nil, err
	}

	chosen, err := e.Next(ctx, orgID, visitorID, removed)
	if err != nil {
		return nil, removed, err
	}
	return chosen, removed, nil
}

// Invalidate discards the organisation's cached rotation; the next pick
// rebuilds it. Call on staff create, enable, disable, and role change.
func (e *Engine) Invalidate(ctx context.Context, orgID uuid.UUID) error {
	if err := e.rdb.Del(ctx, rotationKey(orgID)).Err(); err != nil {
		return fmt.Errorf("invalidate rotation: %w", err)
	}
	return nil
}

// loadRotation reads the cached rotation, rebuilding it from the staff table
// when absent.
func (e *Engine) loadRotation(ctx context.Context, orgID uuid.UUID) (*rotation, error) {
	raw, err := e.rdb.Get(ctx, rotationKey(orgID)).Bytes()
	if err == nil {
		var rot rotation
		if uErr := json.Unmarshal(raw, &rot); uErr == nil {
			return &rot, nil
		}
		e.log.Warn().Msg("Discarding malformed rotation state")
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load rotation: %w", err)
	}

	volunteers, err := e.staffs.ListVolunteers(ctx, orgID)
	if err != nil {
		return nil, err
	}
	rot := &rotation{StaffIDs: make([]uuid.UUID, 0, len(volunteers))}
	for _, v := range volunteers {
		rot.StaffIDs = append(rot.StaffIDs, v.ID)
	}
	if err := e.saveRotation(ctx, orgID, rot); err != nil {
		return nil, err
	}
	return rot, nil
}

func (e *Engine) saveRotation(ctx context.Context, orgID uuid.UUID, rot *rotation) error {
	raw, err := json.Marshal(rot)
	if err != nil {
		return fmt.Errorf("marshal rotation: %w", err)
	}
	if err := e.rdb.Set(ctx, rotationKey(orgID), raw, 0).Err(); err != nil {
		return fmt.Errorf("save rotation: %w", err)
	}
	return nil
}

func rotationKey(orgID uuid.UUID) string {
	return "volunteers:" + orgID.String()
}
