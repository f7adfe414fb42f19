package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pagination defaults for notification listing.
const (
	defaultLimit = 15
	maxLimit     = 100
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed notification repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// BulkInsert creates one notification per staff member with the same content.
func (r *PGRepository) BulkInsert(ctx context.Context, staffIDs []uuid.UUID, content json.RawMessage) error {
	if len(staffIDs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, id := range staffIDs {
		batch.Queue("INSERT INTO notification_staff (staff_id, content) VALUES ($1, $2)", id, content)
	}
	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("bulk insert notifications: %w", err)
	}
	return nil
}

// List pages through a staff member's notifications, newest first.
func (r *PGRepository) List(ctx context.Context, staffID uuid.UUID, offset, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	rows, err := r.db.Query(ctx, `
		SELECT n.id, n.internal_id, n.staff_id, n.content,
		       n.internal_id <= COALESCE(rd.last_read_internal_id, 0),
		       n.created_at
		FROM notification_staff n
		LEFT JOIN notification_staff_read rd ON rd.staff_id = n.staff_id
		WHERE n.staff_id = $1
		ORDER BY n.internal_id DESC
		OFFSET $2 LIMIT $3`, staffID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.InternalID, &n.StaffID, &n.Content, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return notifications, nil
}

// MarkAllRead advances the staff member's read cursor to their newest
// notification.
func (r *PGRepository) MarkAllRead(ctx context.Context, staffID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO notification_staff_read (staff_id, last_read_internal_id)
		VALUES ($1, COALESCE((SELECT MAX(internal_id) FROM notification_staff WHERE staff_id = $1), 0))
		ON CONFLICT (staff_id) DO UPDATE SET last_read_internal_id = EXCLUDED.last_read_internal_id
	`, staffID)
	if err != nil {
		return fmt.Errorf("mark notifications read: %w", err)
	}
	return nil
}
