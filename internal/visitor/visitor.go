// Package visitor holds the visitor entity, its repository, and the staff-facing
// listing queries (unhandled, bookmarked, flagged, most-recent).
package visitor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the visitor package.
var (
	ErrNotFound   = errors.New("visitor not found")
	ErrEmailTaken = errors.New("email already in use")
)

// Pagination defaults for the listing queries.
const (
	DefaultLimit = 15
	MaxLimit     = 100
)

// Visitor is a person seeking help. Most are anonymous; registered visitors
// carry an email and password.
type Visitor struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Email       *string   `json:"email,omitempty"`
	IsAnonymous bool      `json:"is_anonymous"`
	Disabled    bool      `json:"disabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Credentials carries the fields needed to verify a registered visitor login.
type Credentials struct {
	ID           uuid.UUID
	PasswordHash string
	Disabled     bool
}

// CreateParams groups the inputs for creating a visitor. Email and
// PasswordHash are nil for anonymous visitors.
type CreateParams struct {
	Name         string
	Email        *string
	PasswordHash *string
	IsAnonymous  bool
}

// Summary is a visitor joined with chat state for staff-facing listings.
type Summary struct {
	Visitor       Visitor         `json:"visitor"`
	SeverityLevel int             `json:"severity_level"`
	FlagMessage   string          `json:"flag_message,omitempty"`
	LastMessage   json.RawMessage `json:"last_message,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
}

// Repository defines the data-access contract for visitors.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Visitor, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Visitor, error)
	GetByEmail(ctx context.Context, email string) (*Credentials, error)
	// ListUnhandledForStaff pages through the unhandled queue restricted to
	// visitors the staff is subscribed to, oldest first.
	ListUnhandledForStaff(ctx context.Context, staffID uuid.UUID, offset, limit int) ([]Summary, error)
	// ListBookmarked pages through the staff member's bookmarked visitors.
	ListBookmarked(ctx context.Context, staffID uuid.UUID, offset, limit int) ([]Summary, error)
	// ListFlagged pages through flagged visitors, oldest flag first.
	ListFlagged(ctx context.Context, offset, limit int) ([]Summary, error)
	// ListMostRecent pages through the staff member's subscribed visitors
	// ordered by latest chat activity, with the last message attached.
	ListMostRecent(ctx context.Context, staffID uuid.UUID, offset, limit int) ([]Summary, error)
	SetBookmark(ctx context.Context, staffID, visitorID uuid.UUID, bookmarked bool) error
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
