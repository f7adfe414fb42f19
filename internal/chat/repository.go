package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beaconchat/beacon-server/internal/postgres"
)

const (
	chatColumns    = "id, visitor_id, severity_level, tags, created_at, updated_at"
	messageColumns = "id, chat_id, sequence_num, type_id, sender_id, content, created_at"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed chat repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// GetOrCreateByVisitor returns the visitor's chat, creating it on first
// contact. A concurrent create loses the unique race and falls back to the
// existing row.
func (r *PGRepository) GetOrCreateByVisitor(ctx context.Context, visitorID uuid.UUID) (*Chat, error) {
	c, err := r.GetByVisitor(ctx, visitorID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	row := r.db.QueryRow(ctx,
		fmt.Sprintf("INSERT INTO chats (visitor_id) VALUES ($1) RETURNING %s", chatColumns), visitorID,
	)
	c, err = scanChat(row)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return r.GetByVisitor(ctx, visitorID)
		}
		return nil, fmt.Errorf("insert chat: %w", err)
	}
	return c, nil
}

// GetByVisitor returns the visitor's chat.
func (r *PGRepository) GetByVisitor(ctx context.Context, visitorID uuid.UUID) (*Chat, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM chats WHERE visitor_id = $1", chatColumns), visitorID,
	)
	c, err := scanChat(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query chat by visitor: %w", err)
	}
	return c, nil
}

// UpdateSeverity sets the chat's severity level and returns the updated row.
func (r *PGRepository) UpdateSeverity(ctx context.Context, visitorID uuid.UUID, severity int) (*Chat, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("UPDATE chats SET severity_level = $1 WHERE visitor_id = $2 RETURNING %s", chatColumns),
		severity, visitorID,
	)
	c, err := scanChat(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update chat severity: %w", err)
	}
	return c, nil
}

// MaxSequence returns the highest persisted sequence number for the chat, or 0
// when the log is empty.
func (r *PGRepository) MaxSequence(ctx context.Context, chatID uuid.UUID) (int64, error) {
	var max int64
	err := r.db.QueryRow(ctx,
		"SELECT COALESCE(MAX(sequence_num), 0) FROM chat_messages WHERE chat_id = $1", chatID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("query max sequence: %w", err)
	}
	return max, nil
}

// InsertMessage appends a message at the given sequence number.
func (r *PGRepository) InsertMessage(ctx context.Context, params InsertMessageParams) (*Message, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO chat_messages (chat_id, sequence_num, type_id, sender_id, content)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING %s`, messageColumns),
		params.ChatID, params.SequenceNum, params.TypeID, params.SenderID, params.Content,
	)
	m, err := scanMessage(row)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrSequenceConflict
		}
		return nil, fmt.Errorf("insert chat message: %w", err)
	}
	return m, nil
}

// ListMessages returns messages newest first with sequence-number cursor
// paging.
func (r *PGRepository) ListMessages(ctx context.Context, chatID uuid.UUID, beforeSeq *int64, limit int) ([]Message, error) {
	var rows pgx.Rows
	var err error

	if beforeSeq != nil {
		rows, err = r.db.Query(ctx, fmt.Sprintf(
			`SELECT %s FROM chat_messages
			 WHERE chat_id = $1 AND sequence_num < $2
			 ORDER BY sequence_num DESC LIMIT $3`, messageColumns),
			chatID, *beforeSeq, ClampLimit(limit),
		)
	} else {
		rows, err = r.db.Query(ctx, fmt.Sprintf(
			`SELECT %s FROM chat_messages
			 WHERE chat_id = $1
			 ORDER BY sequence_num DESC LIMIT $2`, messageColumns),
			chatID, ClampLimit(limit),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return messages, nil
}

// LastMessage returns the most recent message of the chat, or nil when the log
// is empty.
func (r *PGRepository) LastMessage(ctx context.Context, chatID uuid.UUID) (*Message, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(
		"SELECT %s FROM chat_messages WHERE chat_id = $1 ORDER BY sequence_num DESC LIMIT 1", messageColumns),
		chatID,
	)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query last message: %w", err)
	}
	return m, nil
}

// Subscribe creates the durable assignment edge, idempotently.
func (r *PGRepository) Subscribe(ctx context.Context, staffID, visitorID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO staff_subscription_chats (staff_id, visitor_id) VALUES ($1, $2)
		ON CONFLICT (staff_id, visitor_id) DO NOTHING
	`, staffID, visitorID)
	if err != nil {
		return false, fmt.Errorf("insert subscription: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Unsubscribe removes the assignment edge. Removing an absent edge is a no-op.
func (r *PGRepository) Unsubscribe(ctx context.Context, staffID, visitorID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		"DELETE FROM staff_subscription_chats WHERE staff_id = $1 AND visitor_id = $2", staffID, visitorID,
	)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// UnsubscribeAll removes every subscription for the visitor and returns the
// staff that were removed.
func (r *PGRepository) UnsubscribeAll(ctx context.Context, visitorID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx,
		"DELETE FROM staff_subscription_chats WHERE visitor_id = $1 RETURNING staff_id", visitorID,
	)
	if err != nil {
		return nil, fmt.Errorf("delete subscriptions: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// ListSubscriberIDs returns the staff subscribed to the visitor.
func (r *PGRepository) ListSubscriberIDs(ctx context.Context, visitorID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx,
		"SELECT staff_id FROM staff_subscription_chats WHERE visitor_id = $1 ORDER BY created_at", visitorID,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// ListSubscribedVisitorIDs returns the visitors the staff is subscribed to.
func (r *PGRepository) ListSubscribedVisitorIDs(ctx context.Context, staffID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx,
		"SELECT visitor_id FROM staff_subscription_chats WHERE staff_id = $1 ORDER BY created_at", staffID,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscribed visitors: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// UpsertSeen advances the staff member's read cursor for the chat.
func (r *PGRepository) UpsertSeen(ctx context.Context, staffID, chatID, messageID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO chat_message_seen (staff_id, chat_id, last_seen_message_id) VALUES ($1, $2, $3)
		ON CONFLICT (staff_id, chat_id)
		DO UPDATE SET last_seen_message_id = EXCLUDED.last_seen_message_id, updated_at = NOW()
	`, staffID, chatID, messageID)
	if err != nil {
		return fmt.Errorf("upsert seen cursor: %w", err)
	}
	return nil
}

// GetSeen returns the staff member's read cursor for the chat, or nil when no
// message has been seen.
func (r *PGRepository) GetSeen(ctx context.Context, staffID, chatID uuid.UUID) (*uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx,
		"SELECT last_seen_message_id FROM chat_message_seen WHERE staff_id = $1 AND chat_id = $2", staffID, chatID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query seen cursor: %w", err)
	}
	return &id, nil
}

func scanChat(row pgx.Row) (*Chat, error) {
	var c Chat
	err := row.Scan(&c.ID, &c.VisitorID, &c.SeverityLevel, &c.Tags, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ChatID, &m.SequenceNum, &m.TypeID, &m.SenderID, &m.Content, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}
