// Package chat holds the durable side of a conversation: the chat row (one per
// visitor), the ordered message log, the staff subscription edges, and the
// per-staff read cursors. The live room counterpart lives in internal/room.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Message types.
const (
	TypeSystem int16 = 0
	TypeUser   int16 = 1
)

// Sentinel errors for the chat package.
var (
	ErrNotFound = errors.New("chat not found")
	// ErrSequenceConflict is returned when an insert collides with an existing
	// (chat_id, sequence_num) pair. The sequencer re-syncs its counter from the
	// persisted maximum and retries.
	ErrSequenceConflict = errors.New("sequence number already used")
)

// Chat is the durable per-visitor conversation record.
type Chat struct {
	ID            uuid.UUID       `json:"id"`
	VisitorID     uuid.UUID       `json:"visitor_id"`
	SeverityLevel int             `json:"severity_level"`
	Tags          json.RawMessage `json:"tags"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Message is one entry in a chat's ordered log. SenderID is nil for
// visitor-authored messages; TypeSystem rows record room lifecycle events
// ("join room", "leave room", "take over room").
type Message struct {
	ID          uuid.UUID       `json:"id"`
	ChatID      uuid.UUID       `json:"chat_id"`
	SequenceNum int64           `json:"sequence_num"`
	TypeID      int16           `json:"type_id"`
	SenderID    *uuid.UUID      `json:"sender_id,omitempty"`
	Content     json.RawMessage `json:"content"`
	CreatedAt   time.Time       `json:"created_at"`
}

// InsertMessageParams groups the inputs for appending a message.
type InsertMessageParams struct {
	ChatID      uuid.UUID
	SequenceNum int64
	TypeID      int16
	SenderID    *uuid.UUID
	Content     json.RawMessage
}

// Pagination defaults for message history.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Repository defines the data-access contract for chats, messages,
// subscriptions, and read cursors.
type Repository interface {
	GetOrCreateByVisitor(ctx context.Context, visitorID uuid.UUID) (*Chat, error)
	GetByVisitor(ctx context.Context, visitorID uuid.UUID) (*Chat, error)
	UpdateSeverity(ctx context.Context, visitorID uuid.UUID, severity int) (*Chat, error)

	// MaxSequence returns the highest persisted sequence number for the chat,
	// or 0 when the log is empty.
	MaxSequence(ctx context.Context, chatID uuid.UUID) (int64, error)
	// InsertMessage appends a message at the given sequence number. Returns
	// ErrSequenceConflict when the number is already taken.
	InsertMessage(ctx context.Context, params InsertMessageParams) (*Message, error)
	// ListMessages returns messages newest first; beforeSeq, when non-nil,
	// restricts the page to sequence numbers strictly below it.
	ListMessages(ctx context.Context, chatID uuid.UUID, beforeSeq *int64, limit int) ([]Message, error)
	LastMessage(ctx context.Context, chatID uuid.UUID) (*Message, error)

	// Subscribe creates the durable assignment edge. Returns false when the
	// edge already existed (the call is idempotent).
	Subscribe(ctx context.Context, staffID, visitorID uuid.UUID) (bool, error)
	Unsubscribe(ctx context.Context, staffID, visitorID uuid.UUID) error
	// UnsubscribeAll removes every subscription for the visitor and returns the
	// staff that were removed.
	UnsubscribeAll(ctx context.Context, visitorID uuid.UUID) ([]uuid.UUID, error)
	ListSubscriberIDs(ctx context.Context, visitorID uuid.UUID) ([]uuid.UUID, error)
	ListSubscribedVisitorIDs(ctx context.Context, staffID uuid.UUID) ([]uuid.UUID, error)

	UpsertSeen(ctx context.Context, staffID, chatID, messageID uuid.UUID) error
	GetSeen(ctx context.Context, staffID, chatID uuid.UUID) (*uuid.UUID, error)
}

// ClampLimit constrains a requested page size to [1, MaxLimit], defaulting to
// DefaultLimit when the input is zero or negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
