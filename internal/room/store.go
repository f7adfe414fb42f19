package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/beaconchat/beacon-server/internal/chat"
	"github.com/beaconchat/beacon-server/internal/presence"
	"github.com/beaconchat/beacon-server/internal/settings"
	"github.com/beaconchat/beacon-server/internal/staff"
	"github.com/beaconchat/beacon-server/internal/visitor"
	"github.com/beaconchat/beacon-server/internal/wire"
)

// sequenceRetries bounds how often an append re-syncs the counter after losing
// a sequence race to another worker.
const sequenceRetries = 3

// Event is a realtime event to deliver through the fan-out layer.
type Event struct {
	Topic   string
	Name    wire.Event
	Data    any
	SkipSID string
}

// Publisher delivers events to connected clients. The store publishes a
// room's events after the snapshot write commits and before the room lock is
// released, which is what gives subscribers per-room order.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Assigner picks the next volunteer for a visitor and records the durable
// subscription edge.
type Assigner interface {
	Next(ctx context.Context, orgID, visitorID uuid.UUID, exclude []uuid.UUID) (*staff.Staff, error)
}

// SettingsSource yields the current global settings snapshot.
type SettingsSource interface {
	Get(ctx context.Context) (settings.Settings, error)
}

// Presence is the subset of presence state the store consults.
type Presence interface {
	VisitorOnline(ctx context.Context, visitorID uuid.UUID) (bool, error)
	GetStaff(ctx context.Context, orgID, staffID uuid.UUID) (*presence.StaffEntry, error)
}

// CreateOpts tunes GetOrCreate.
type CreateOpts struct {
	// AssignStaff asks the assignment engine for a volunteer when the room has
	// no subscribed staff yet.
	AssignStaff bool
	// OrgID scopes the assignment; ignored unless AssignStaff is set.
	OrgID uuid.UUID
}

// Store reads and writes room snapshots.
type Store struct {
	rdb      *redis.Client
	chats    chat.Repository
	presence Presence
	settings SettingsSource
	assigner Assigner
	pub      Publisher
	locks    keyedMutex
	log      zerolog.Logger
}

// NewStore creates a room store. The assigner and publisher may be wired after
// construction to break the startup dependency loop.
func NewStore(rdb *redis.Client, chats chat.Repository, pres Presence, st SettingsSource, logger zerolog.Logger) *Store {
	return &Store{
		rdb:      rdb,
		chats:    chats,
		presence: pres,
		settings: st,
		log:      logger.With().Str("component", "room").Logger(),
	}
}

// SetAssigner wires the assignment engine.
func (s *Store) SetAssigner(a Assigner) { s.assigner = a }

// SetPublisher wires the fan-out layer.
func (s *Store) SetPublisher(p Publisher) { s.pub = p }

// Get returns the room snapshot without locking. Absent snapshot means the
// room is closed.
func (s *Store) Get(ctx context.Context, visitorID uuid.UUID) (*Snapshot, error) {
	return s.load(ctx, visitorID)
}

// GetOrCreate returns the visitor's room, materializing the snapshot from the
// durable chat when absent. With opts.AssignStaff set and no subscribed staff,
// the assignment engine picks a volunteer; the chosen staff (nil when the
// rotation is empty) is returned alongside the snapshot so the caller can
// notify them.
func (s *Store) GetOrCreate(ctx context.Context, v visitor.Visitor, opts CreateOpts) (*Snapshot, *staff.Staff, error) {
	unlock := s.locks.Lock(v.ID.String())
	defer unlock()

	snap, err := s.load(ctx, v.ID)
	if err != nil && !errors.Is(err, wire.ErrRoomClosed) {
		return nil, nil, err
	}

	if snap == nil {
		snap, err = s.materialize(ctx, v)
		if err != nil {
			return nil, nil, err
		}
	}

	var assigned *staff.Staff
	if opts.AssignStaff && s.assigner != nil {
		subscribers, err := s.chats.ListSubscriberIDs(ctx, v.ID)
		if err != nil {
			return nil, nil, err
		}
		if len(subscribers) == 0 {
			assigned, err = s.assigner.Next(ctx, opts.OrgID, v.ID, nil)
			if err != nil {
				return nil, nil, err
			}
			if assigned != nil {
				ref := StaffRef{Staff: *assigned}
				if entry, pErr := s.presence.GetStaff(ctx, assigned.OrgID, assigned.ID); pErr == nil && entry != nil {
					ref.SID = entry.SID
				}
				snap.Room.Staffs[assigned.ID.String()] = ref
			}
		}
	}

	if err := s.save(ctx, snap); err != nil {
		return nil, nil, err
	}
	return snap, assigned, nil
}

// Update runs fn on the snapshot under the room lock and persists the result.
// Events returned by fn are published after the write commits and before the
// lock is released.
func (s *Store) Update(ctx context.Context, visitorID uuid.UUID, fn func(*Snapshot) ([]Event, error)) (*Snapshot, error) {
	unlock := s.locks.Lock(visitorID.String())
	defer unlock()

	snap, err := s.load(ctx, visitorID)
	if err != nil {
		return nil, err
	}

	events, err := fn(snap)
	if err != nil {
		return nil, err
	}
	if err := s.save(ctx, snap); err != nil {
		return nil, err
	}

	s.publish(ctx, events)
	return snap, nil
}

// AddStaff puts the staff member in the room and records the durable
// subscription. Returns wire.ErrMaxCapacity when the room is full. Adding a
// staff member already present refreshes their session id only.
func (s *Store) AddStaff(ctx context.Context, visitorID uuid.UUID, st staff.Staff, sid string) (*Snapshot, error) {
	current, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}

	return s.Update(ctx, visitorID, func(snap *Snapshot) ([]Event, error) {
		if _, present := snap.Room.Staffs[st.ID.String()]; !present &&
			len(snap.Room.Staffs) >= current.MaxStaffsInChat {
			return nil, wire.ErrMaxCapacity
		}
		snap.Room.Staffs[st.ID.String()] = StaffRef{Staff: st, SID: sid}
		if _, err := s.chats.Subscribe(ctx, st.ID, visitorID); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

// RemoveStaff takes the staff member out of the room and deletes the durable
// subscription. Removing an absent staff member is a no-op.
func (s *Store) RemoveStaff(ctx context.Context, visitorID, staffID uuid.UUID) (*Snapshot, error) {
	return s.Update(ctx, visitorID, func(snap *Snapshot) ([]Event, error) {
		delete(snap.Room.Staffs, staffID.String())
		return nil, s.chats.Unsubscribe(ctx, staffID, visitorID)
	})
}

// ReplaceStaffs swaps the room's whole roster, syncing the durable
// subscriptions to exactly the new set.
func (s *Store) ReplaceStaffs(ctx context.Context, visitorID uuid.UUID, refs []StaffRef) (*Snapshot, error) {
	return s.Update(ctx, visitorID, func(snap *Snapshot) ([]Event, error) {
		if _, err := s.chats.UnsubscribeAll(ctx, visitorID); err != nil {
			return nil, err
		}
		staffs := make(map[string]StaffRef, len(refs))
		for _, ref := range refs {
			if _, err := s.chats.Subscribe(ctx, ref.Staff.ID, visitorID); err != nil {
				return nil, err
			}
			staffs[ref.Staff.ID.String()] = ref
		}
		snap.Room.Staffs = staffs
		return nil, nil
	})
}

// AppendMessage persists a message at the room's next sequence number and
// advances the counter. A unique-violation on (chat_id, sequence_num) means
// another worker used the number first; the counter re-syncs from the
// persisted maximum and the insert retries.
func (s *Store) AppendMessage(ctx context.Context, visitorID uuid.UUID, typeID int16, senderID *uuid.UUID, content json.RawMessage) (*chat.Message, error) {
	unlock := s.locks.Lock(visitorID.String())
	defer unlock()

	snap, err := s.load(ctx, visitorID)
	if err != nil {
		return nil, err
	}

	var msg *chat.Message
	seq := snap.Room.SequenceNum
	for attempt := 0; ; attempt++ {
		msg, err = s.chats.InsertMessage(ctx, chat.InsertMessageParams{
			ChatID:      snap.Room.ChatID,
			SequenceNum: seq,
			TypeID:      typeID,
			SenderID:    senderID,
			Content:     content,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, chat.ErrSequenceConflict) || attempt >= sequenceRetries {
			return nil, err
		}

		max, syncErr := s.chats.MaxSequence(ctx, snap.Room.ChatID)
		if syncErr != nil {
			return nil, syncErr
		}
		seq = max + 1
		s.log.Warn().
			Stringer("visitor_id", visitorID).
			Int64("sequence_num", seq).
			Msg("Sequence conflict, re-synced counter")
	}

	snap.Room.SequenceNum = seq + 1
	if err := s.save(ctx, snap); err != nil {
		return nil, err
	}
	return msg, nil
}

// UpdateSeverity sets the room's severity level, persisting it to both the
// snapshot and the durable chat row.
func (s *Store) UpdateSeverity(ctx context.Context, visitorID uuid.UUID, severity int) (*Snapshot, error) {
	return s.Update(ctx, visitorID, func(snap *Snapshot) ([]Event, error) {
		if _, err := s.chats.UpdateSeverity(ctx, visitorID, severity); err != nil {
			return nil, err
		}
		snap.Room.SeverityLevel = severity
		return nil, nil
	})
}

// DropIfAbandoned deletes the room record when the visitor is offline and no
// staff member in the room has a live session. Returns true when the record
// was dropped.
func (s *Store) DropIfAbandoned(ctx context.Context, visitorID uuid.UUID) (bool, error) {
	unlock := s.locks.Lock(visitorID.String())
	defer unlock()

	snap, err := s.load(ctx, visitorID)
	if errors.Is(err, wire.ErrRoomClosed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	online, err := s.presence.VisitorOnline(ctx, visitorID)
	if err != nil {
		return false, err
	}
	if online {
		return false, nil
	}

	for _, ref := range snap.Room.Staffs {
		entry, err := s.presence.GetStaff(ctx, ref.Staff.OrgID, ref.Staff.ID)
		if err != nil {
			return false, err
		}
		if entry != nil {
			return false, nil
		}
	}

	if err := s.rdb.Del(ctx, snapshotKey(visitorID)).Err(); err != nil {
		return false, fmt.Errorf("drop room snapshot: %w", err)
	}
	return true, nil
}

// Close deletes the room record unconditionally. Used when the visitor leaves
// the room for good.
func (s *Store) Close(ctx context.Context, visitorID uuid.UUID) error {
	unlock := s.locks.Lock(visitorID.String())
	defer unlock()

	if err := s.rdb.Del(ctx, snapshotKey(visitorID)).Err(); err != nil {
		return fmt.Errorf("close room: %w", err)
	}
	return nil
}

// materialize builds a fresh snapshot from the durable chat, recovering the
// sequence counter from the highest persisted sequence number.
func (s *Store) materialize(ctx context.Context, v visitor.Visitor) (*Snapshot, error) {
	c, err := s.chats.GetOrCreateByVisitor(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	max, err := s.chats.MaxSequence(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Visitor: v,
		Room: Room{
			ChatID:        c.ID,
			SequenceNum:   max + 1,
			SeverityLevel: c.SeverityLevel,
			Staffs:        make(map[string]StaffRef),
		},
	}, nil
}

func (s *Store) load(ctx context.Context, visitorID uuid.UUID) (*Snapshot, error) {
	raw, err := s.rdb.Get(ctx, snapshotKey(visitorID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, wire.ErrRoomClosed
	}
	if err != nil {
		return nil, fmt.Errorf("load room snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode room snapshot: %w", err)
	}
	if snap.Room.Staffs == nil {
		snap.Room.Staffs = make(map[string]StaffRef)
	}
	return &snap, nil
}

func (s *Store) save(ctx context.Context, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal room snapshot: %w", err)
	}
	if err := s.rdb.Set(ctx, snapshotKey(snap.Visitor.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("save room snapshot: %w", err)
	}
	return nil
}

func (s *Store) publish(ctx context.Context, events []Event) {
	if s.pub == nil {
		return
	}
	for _, ev := range events {
		s.pub.Publish(ctx, ev)
	}
}

func snapshotKey(visitorID uuid.UUID) string {
	return "visitor_info:" + visitorID.String()
}
