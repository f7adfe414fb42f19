package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beaconchat/beacon-server/internal/visitor"
)

// DurableStore holds the offline-unclaimed, unhandled, and flagged lines as
// PostgreSQL rows, FIFO by created_at.
type DurableStore struct {
	db *pgxpool.Pool
}

// NewDurableStore creates a new PostgreSQL-backed queue store.
func NewDurableStore(db *pgxpool.Pool) *DurableStore {
	return &DurableStore{db: db}
}

// PushUnclaimed enqueues the visitor in the offline-unclaimed line,
// idempotently.
func (s *DurableStore) PushUnclaimed(ctx context.Context, visitorID uuid.UUID) error {
	return s.push(ctx, "chat_unclaimed", visitorID)
}

// RemoveUnclaimed dequeues the visitor from the offline-unclaimed line.
func (s *DurableStore) RemoveUnclaimed(ctx context.Context, visitorID uuid.UUID) error {
	return s.remove(ctx, "chat_unclaimed", visitorID)
}

// ContainsUnclaimed reports whether the visitor is in the offline-unclaimed
// line.
func (s *DurableStore) ContainsUnclaimed(ctx context.Context, visitorID uuid.UUID) (bool, error) {
	return s.contains(ctx, "chat_unclaimed", visitorID)
}

// SliceUnclaimed pages through the offline-unclaimed line, oldest first, with
// each visitor's last message attached.
func (s *DurableStore) SliceUnclaimed(ctx context.Context, offset, limit int) ([]visitor.Summary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT v.id, v.name, v.email, v.is_anonymous, v.disabled, v.created_at, v.updated_at,
		       c.severity_level, m.content, u.created_at
		FROM chat_unclaimed u
		JOIN visitors v ON v.id = u.visitor_id
		JOIN chats c ON c.visitor_id = v.id
		LEFT JOIN LATERAL (
			SELECT content FROM chat_messages
			WHERE chat_id = c.id
			ORDER BY sequence_num DESC LIMIT 1
		) m ON true
		ORDER BY u.created_at, v.id
		OFFSET $1 LIMIT $2`, offset, visitor.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query offline unclaimed: %w", err)
	}
	defer rows.Close()

	var summaries []visitor.Summary
	for rows.Next() {
		var sum visitor.Summary
		err := rows.Scan(
			&sum.Visitor.ID, &sum.Visitor.Name, &sum.Visitor.Email, &sum.Visitor.IsAnonymous,
			&sum.Visitor.Disabled, &sum.Visitor.CreatedAt, &sum.Visitor.UpdatedAt,
			&sum.SeverityLevel, &sum.LastMessage, &sum.EnqueuedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan offline unclaimed: %w", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offline unclaimed: %w", err)
	}
	return summaries, nil
}

// PushUnhandled marks the visitor's chat as awaiting a staff reply,
// idempotently. The enqueue time of an existing entry is preserved so the
// reassignment sweep measures from the first unanswered message.
func (s *DurableStore) PushUnhandled(ctx context.Context, visitorID uuid.UUID) error {
	return s.push(ctx, "chat_unhandled", visitorID)
}

// RemoveUnhandled clears the awaiting-reply mark.
func (s *DurableStore) RemoveUnhandled(ctx context.Context, visitorID uuid.UUID) error {
	return s.remove(ctx, "chat_unhandled", visitorID)
}

// ContainsUnhandled reports whether the visitor's chat awaits a staff reply.
func (s *DurableStore) ContainsUnhandled(ctx context.Context, visitorID uuid.UUID) (bool, error) {
	return s.contains(ctx, "chat_unhandled", visitorID)
}

// ListUnhandledOlderThan returns visitors whose chats have been awaiting a
// reply since before the cutoff, oldest first.
func (s *DurableStore) ListUnhandledOlderThan(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx,
		"SELECT visitor_id FROM chat_unhandled WHERE created_at < $1 ORDER BY created_at", cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale unhandled: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale unhandled: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale unhandled: %w", err)
	}
	return ids, nil
}

// PushFlagged flags the visitor's chat with a reason. Re-flagging updates the
// reason but keeps the original flag time.
func (s *DurableStore) PushFlagged(ctx context.Context, visitorID uuid.UUID, message string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO chat_flagged (visitor_id, flag_message) VALUES ($1, $2)
		ON CONFLICT (visitor_id) DO UPDATE SET flag_message = EXCLUDED.flag_message
	`, visitorID, message)
	if err != nil {
		return fmt.Errorf("push chat_flagged: %w", err)
	}
	return nil
}

// RemoveFlagged clears the visitor's flag.
func (s *DurableStore) RemoveFlagged(ctx context.Context, visitorID uuid.UUID) error {
	return s.remove(ctx, "chat_flagged", visitorID)
}

// ContainsFlagged reports whether the visitor's chat is flagged.
func (s *DurableStore) ContainsFlagged(ctx context.Context, visitorID uuid.UUID) (bool, error) {
	return s.contains(ctx, "chat_flagged", visitorID)
}

func (s *DurableStore) push(ctx context.Context, table string, visitorID uuid.UUID) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (visitor_id) VALUES ($1) ON CONFLICT (visitor_id) DO NOTHING", table,
	), visitorID)
	if err != nil {
		return fmt.Errorf("push %s: %w", table, err)
	}
	return nil
}

func (s *DurableStore) remove(ctx context.Context, table string, visitorID uuid.UUID) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE visitor_id = $1", table), visitorID)
	if err != nil {
		return fmt.Errorf("remove %s: %w", table, err)
	}
	return nil
}

func (s *DurableStore) contains(ctx context.Context, table string, visitorID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, fmt.Sprintf(
		"SELECT EXISTS(SELECT 1 FROM %s WHERE visitor_id = $1)", table,
	), visitorID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", table, err)
	}
	return exists, nil
}
