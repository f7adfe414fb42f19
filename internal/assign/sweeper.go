package assign

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/beaconchat/beacon-server/internal/presence"
	"github.com/beaconchat/beacon-server/internal/room"
	"github.com/beaconchat/beacon-server/internal/staff"
	"github.com/beaconchat/beacon-server/internal/wire"
)

// StaleQueue lists visitors whose chats have been awaiting a staff reply since
// before the cutoff.
type StaleQueue interface {
	ListUnhandledOlderThan(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
}

// Notifier tells a volunteer they were handed a chat while they were not
// looking at it. Implementations deliver a realtime event when the volunteer
// is online and fall back to e-mail otherwise.
type Notifier interface {
	NotifyAutoAssigned(ctx context.Context, st staff.Staff, visitorID uuid.UUID)
}

// Sweeper periodically re-runs assignment for chats nobody has answered.
type Sweeper struct {
	engine   *Engine
	rooms    *room.Store
	queue    StaleQueue
	presence *presence.Store
	notifier Notifier
	pub      room.Publisher
	orgID    uuid.UUID
	interval time.Duration
	log      zerolog.Logger
}

// NewSweeper creates a reassignment sweeper for the organisation.
func NewSweeper(engine *Engine, rooms *room.Store, queue StaleQueue, pres *presence.Store, notifier Notifier, orgID uuid.UUID, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		engine:   engine,
		rooms:    rooms,
		queue:    queue,
		presence: pres,
		notifier: notifier,
		orgID:    orgID,
		interval: interval,
		log:      logger.With().Str("component", "sweeper").Logger(),
	}
}

// SetPublisher wires the fan-out layer so handovers announce the new roster to
// the room.
func (s *Sweeper) SetPublisher(p room.Publisher) { s.pub = p }

// Run sweeps on the configured interval until the context is cancelled. This
// method blocks and should be called in a goroutine.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("Reassignment sweep failed")
			}
		}
	}
}

// Sweep runs one reassignment pass: every unhandled chat older than the
// configured threshold is stripped of its current staff and handed to the next
// volunteer in the rotation.
func (s *Sweeper) Sweep(ctx context.Context) error {
	current, err := s.engine.settings.Get(ctx)
	if err != nil {
		return err
	}
	if current.AutoReassign == 0 {
		return nil
	}

	cutoff := time.Now().Add(-time.Duration(current.HoursToAutoReassign) * time.Hour)
	stale, err := s.queue.ListUnhandledOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, visitorID := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		chosen, err := s.Handover(ctx, visitorID)
		if err != nil {
			s.log.Error().Err(err).Stringer("visitor_id", visitorID).Msg("Reassignment failed")
			continue
		}
		if chosen == nil {
			s.log.Warn().Stringer("visitor_id", visitorID).Msg("No volunteer available for reassignment")
		}
	}
	return nil
}

// Handover strips the visitor's chat of its current staff and hands it to the
// next volunteer in the rotation, notifying the new holder. Returns nil
// without error when no volunteer is eligible.
func (s *Sweeper) Handover(ctx context.Context, visitorID uuid.UUID) (*staff.Staff, error) {
	chosen, _, err := s.engine.Reassign(ctx, s.orgID, visitorID)
	if err != nil {
		return nil, err
	}
	if chosen == nil {
		return nil, nil
	}

	// Sync the live roster when the room is still open; a closed room only has
	// the durable subscription to carry the handover.
	ref := room.StaffRef{Staff: *chosen}
	if entry, pErr := s.presence.GetStaff(ctx, chosen.OrgID, chosen.ID); pErr == nil && entry != nil {
		ref.SID = entry.SID
	}
	snap, err := s.rooms.ReplaceStaffs(ctx, visitorID, []room.StaffRef{ref})
	if err != nil {
		if !errors.Is(err, wire.ErrRoomClosed) {
			return nil, err
		}
	} else if s.pub != nil {
		s.pub.Publish(ctx, room.Event{
			Topic: wire.RoomTopic(visitorID),
			Name:  wire.StaffsInChatChanged,
			Data:  map[string]any{"staffs": snap.Room.Staffs},
		})
	}

	s.notifier.NotifyAutoAssigned(ctx, *chosen, visitorID)
	return chosen, nil
}
