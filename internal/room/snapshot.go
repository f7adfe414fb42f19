// Package room is the live state store for chat rooms. One room exists per
// visitor; its snapshot lives in Valkey under visitor_info:{visitor_id} so
// every gateway worker mutates the same record. All writes to a room go
// through a per-visitor keyed mutex, which is what makes the sequence counter
// and the staff roster safe under concurrent handlers.
package room

import (
	"github.com/google/uuid"

	"github.com/beaconchat/beacon-server/internal/staff"
	"github.com/beaconchat/beacon-server/internal/visitor"
)

// StaffRef is a staff member present in a room. SID is the gateway session the
// staff joined through; it is empty when the staff was assigned while offline.
type StaffRef struct {
	Staff staff.Staff `json:"staff"`
	SID   string      `json:"sid"`
}

// Room is the mutable half of a snapshot.
type Room struct {
	ChatID uuid.UUID `json:"chat_id"`
	// SequenceNum is the next sequence number to hand out. It always exceeds
	// the highest persisted sequence_num of the chat.
	SequenceNum   int64               `json:"sequence_num"`
	SeverityLevel int                 `json:"severity_level"`
	Staffs        map[string]StaffRef `json:"staffs"`
}

// Snapshot is the full stored record of a live room.
type Snapshot struct {
	Visitor visitor.Visitor `json:"user"`
	Room    Room            `json:"room"`
}

// StaffIDs returns the ids of every staff member in the room.
func (s *Snapshot) StaffIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s.Room.Staffs))
	for id := range s.Room.Staffs {
		parsed, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		ids = append(ids, parsed)
	}
	return ids
}

// HasStaff reports whether the staff member is in the room.
func (s *Snapshot) HasStaff(staffID uuid.UUID) bool {
	_, ok := s.Room.Staffs[staffID.String()]
	return ok
}
