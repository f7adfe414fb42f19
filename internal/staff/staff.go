// Package staff holds the staff entity and its repository. Staff are tiered:
// admins administer the organisation, supervisors monitor every chat, and
// agents ("volunteers") are the pool the assignment engine rotates through.
package staff

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Staff roles in decreasing authority. A numerically lower role outranks a
// higher one.
const (
	RoleAdmin      int16 = 1
	RoleSupervisor int16 = 2
	RoleAgent      int16 = 3
)

// Sentinel errors for the staff package.
var (
	ErrNotFound   = errors.New("staff not found")
	ErrEmailTaken = errors.New("email already in use")
)

// Staff is a member of an organisation's workforce.
type Staff struct {
	ID          uuid.UUID `json:"id"`
	OrgID       uuid.UUID `json:"org_id"`
	RoleID      int16     `json:"role_id"`
	Email       string    `json:"email"`
	FullName    string    `json:"full_name"`
	DisplayName string    `json:"display_name"`
	Disabled    bool      `json:"disabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Outranks reports whether s holds strictly higher authority than the given
// role.
func (s *Staff) Outranks(roleID int16) bool { return s.RoleID < roleID }

// Credentials carries the fields needed to verify a login.
type Credentials struct {
	ID           uuid.UUID
	PasswordHash string
	Disabled     bool
}

// CreateParams groups the inputs for creating a new staff member.
type CreateParams struct {
	OrgID        uuid.UUID
	RoleID       int16
	Email        string
	PasswordHash string
	FullName     string
	DisplayName  string
}

// NotificationSettings is a staff member's e-mail opt-in state. Absent row
// means opted in.
type NotificationSettings struct {
	StaffID       uuid.UUID
	ReceiveEmails bool
}

// Repository defines the data-access contract for staff.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Staff, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Staff, error)
	GetByEmail(ctx context.Context, email string) (*Credentials, error)
	ListByOrg(ctx context.Context, orgID uuid.UUID) ([]Staff, error)
	// ListVolunteers returns enabled agents of the organisation in creation
	// order. The stable order is what makes round-robin assignment fair.
	ListVolunteers(ctx context.Context, orgID uuid.UUID) ([]Staff, error)
	// ListSupervising returns enabled supervisors and admins of the
	// organisation, the audience of the monitor room and of bulk notifications.
	ListSupervising(ctx context.Context, orgID uuid.UUID) ([]Staff, error)
	SetRole(ctx context.Context, id uuid.UUID, roleID int16) (*Staff, error)
	Enable(ctx context.Context, id uuid.UUID) (*Staff, error)
	// Disable soft-disables the account, removes every chat subscription the
	// staff holds in the same transaction, and returns the visitors left with
	// no subscribed staff at all.
	Disable(ctx context.Context, id uuid.UUID) (*Staff, []uuid.UUID, error)
	ReceiveEmails(ctx context.Context, id uuid.UUID) (bool, error)
	SetReceiveEmails(ctx context.Context, id uuid.UUID, receive bool) error
}
