package wire

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Payload shapes for client-sent events. Visitor message events carry the
// content object itself (a JSON object whose "value" key holds the text body);
// staff events name the visitor they target.

// StaffJoinData identifies the visitor whose room the staff claims.
type StaffJoinData struct {
	Visitor uuid.UUID `json:"visitor"`
}

// StaffMsgData carries a staff message into a visitor's room.
type StaffMsgData struct {
	Visitor uuid.UUID       `json:"visitor"`
	Content json.RawMessage `json:"content"`
}

// StaffLeaveData identifies the visitor whose room the staff leaves.
type StaffLeaveData struct {
	Visitor uuid.UUID `json:"visitor"`
}

// ModifyStaffData adds or removes a single staff from a visitor's room.
type ModifyStaffData struct {
	Visitor uuid.UUID `json:"visitor"`
	Staff   uuid.UUID `json:"staff"`
}

// UpdateStaffsData replaces the full staff set of a visitor's room.
type UpdateStaffsData struct {
	Visitor uuid.UUID   `json:"visitor"`
	Staffs  []uuid.UUID `json:"staffs"`
}

// TakeOverData identifies the visitor whose room a supervisor or admin takes
// over.
type TakeOverData struct {
	Visitor uuid.UUID `json:"visitor"`
}

// ChangePriorityData updates a chat's severity level. A severity above zero
// flags the chat; zero clears the flag.
type ChangePriorityData struct {
	Visitor       uuid.UUID `json:"visitor"`
	SeverityLevel int       `json:"severity_level"`
	FlagMessage   string    `json:"flag_message,omitempty"`
}

// HandledChatData marks a visitor's chat as handled.
type HandledChatData struct {
	Visitor uuid.UUID `json:"visitor"`
}

// TypingData names the room a typing indicator applies to.
type TypingData struct {
	Visitor uuid.UUID `json:"visitor"`
}
