// Package notify is the notification dispatcher: in-app notification rows for
// supervisors and admins, and e-mails for staff who are away, rate-limited per
// recipient and category so a chatty visitor doesn't flood anyone's inbox.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Notification is one in-app notification row. InternalID is a monotonically
// increasing cursor used for read tracking.
type Notification struct {
	ID         uuid.UUID       `json:"id"`
	InternalID int64           `json:"internal_id"`
	StaffID    uuid.UUID       `json:"staff_id"`
	Content    json.RawMessage `json:"content"`
	Read       bool            `json:"read"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Repository defines the data-access contract for in-app notifications.
type Repository interface {
	// BulkInsert creates one notification per staff member with the same
	// content.
	BulkInsert(ctx context.Context, staffIDs []uuid.UUID, content json.RawMessage) error
	// List pages through a staff member's notifications, newest first, with
	// the read flag resolved against their cursor.
	List(ctx context.Context, staffID uuid.UUID, offset, limit int) ([]Notification, error)
	// MarkAllRead advances the staff member's read cursor to their newest
	// notification.
	MarkAllRead(ctx context.Context, staffID uuid.UUID) error
}
