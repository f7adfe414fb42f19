package visitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beaconchat/beacon-server/internal/postgres"
)

const selectColumns = "v.id, v.name, v.email, v.is_anonymous, v.disabled, v.created_at, v.updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed visitor repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// Create inserts a new visitor. Returns ErrEmailTaken when the email is
// already registered.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Visitor, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO visitors AS v (name, email, password_hash, is_anonymous)
		 VALUES ($1, $2, $3, $4)
		 RETURNING %s`, selectColumns),
		params.Name, params.Email, params.PasswordHash, params.IsAnonymous,
	)
	v, err := scanVisitor(row)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("insert visitor: %w", err)
	}
	return v, nil
}

// GetByID returns a single visitor by ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Visitor, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM visitors v WHERE v.id = $1", selectColumns), id,
	)
	v, err := scanVisitor(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query visitor by id: %w", err)
	}
	return v, nil
}

// GetByEmail returns login credentials for a registered visitor.
func (r *PGRepository) GetByEmail(ctx context.Context, email string) (*Credentials, error) {
	var c Credentials
	err := r.db.QueryRow(ctx,
		"SELECT id, password_hash, disabled FROM visitors WHERE email = $1 AND password_hash IS NOT NULL", email,
	).Scan(&c.ID, &c.PasswordHash, &c.Disabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query visitor by email: %w", err)
	}
	return &c, nil
}

// ListUnhandledForStaff pages through unhandled visitors the staff is
// subscribed to, oldest unhandled entry first.
func (r *PGRepository) ListUnhandledForStaff(ctx context.Context, staffID uuid.UUID, offset, limit int) ([]Summary, error) {
	return r.listSummaries(ctx, fmt.Sprintf(`
		SELECT %s, c.severity_level, '', NULL, u.created_at
		FROM chat_unhandled u
		JOIN visitors v ON v.id = u.visitor_id
		JOIN chats c ON c.visitor_id = v.id
		JOIN staff_subscription_chats s ON s.visitor_id = v.id AND s.staff_id = $1
		ORDER BY u.created_at, v.id
		OFFSET $2 LIMIT $3`, selectColumns),
		staffID, offset, ClampLimit(limit))
}

// ListBookmarked pages through the staff member's bookmarked visitors, newest
// bookmark first.
func (r *PGRepository) ListBookmarked(ctx context.Context, staffID uuid.UUID, offset, limit int) ([]Summary, error) {
	return r.listSummaries(ctx, fmt.Sprintf(`
		SELECT %s, c.severity_level, '', NULL, b.updated_at
		FROM bookmark_visitors b
		JOIN visitors v ON v.id = b.visitor_id
		JOIN chats c ON c.visitor_id = v.id
		WHERE b.staff_id = $1 AND b.is_bookmarked = true
		ORDER BY b.updated_at DESC, v.id
		OFFSET $2 LIMIT $3`, selectColumns),
		staffID, offset, ClampLimit(limit))
}

// ListFlagged pages through flagged visitors, oldest flag first.
func (r *PGRepository) ListFlagged(ctx context.Context, offset, limit int) ([]Summary, error) {
	return r.listSummaries(ctx, fmt.Sprintf(`
		SELECT %s, c.severity_level, f.flag_message, NULL, f.created_at
		FROM chat_flagged f
		JOIN visitors v ON v.id = f.visitor_id
		JOIN chats c ON c.visitor_id = v.id
		ORDER BY f.created_at, v.id
		OFFSET $1 LIMIT $2`, selectColumns),
		offset, ClampLimit(limit))
}

// ListMostRecent pages through the staff member's subscribed visitors ordered
// by latest chat activity, attaching the most recent message of each chat.
func (r *PGRepository) ListMostRecent(ctx context.Context, staffID uuid.UUID, offset, limit int) ([]Summary, error) {
	return r.listSummaries(ctx, fmt.Sprintf(`
		SELECT %s, c.severity_level, '', m.content, m.created_at
		FROM staff_subscription_chats s
		JOIN visitors v ON v.id = s.visitor_id
		JOIN chats c ON c.visitor_id = v.id
		JOIN LATERAL (
			SELECT content, created_at FROM chat_messages
			WHERE chat_id = c.id
			ORDER BY sequence_num DESC LIMIT 1
		) m ON true
		WHERE s.staff_id = $1
		ORDER BY m.created_at DESC, v.id
		OFFSET $2 LIMIT $3`, selectColumns),
		staffID, offset, ClampLimit(limit))
}

// SetBookmark upserts the bookmark edge between a staff member and a visitor.
func (r *PGRepository) SetBookmark(ctx context.Context, staffID, visitorID uuid.UUID, bookmarked bool) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO bookmark_visitors (staff_id, visitor_id, is_bookmarked) VALUES ($1, $2, $3)
		ON CONFLICT (staff_id, visitor_id)
		DO UPDATE SET is_bookmarked = EXCLUDED.is_bookmarked, updated_at = NOW()
	`, staffID, visitorID, bookmarked)
	if err != nil {
		return fmt.Errorf("upsert bookmark: %w", err)
	}
	return nil
}

func (r *PGRepository) listSummaries(ctx context.Context, query string, args ...any) ([]Summary, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query visitor summaries: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var s Summary
		err := rows.Scan(
			&s.Visitor.ID, &s.Visitor.Name, &s.Visitor.Email, &s.Visitor.IsAnonymous,
			&s.Visitor.Disabled, &s.Visitor.CreatedAt, &s.Visitor.UpdatedAt,
			&s.SeverityLevel, &s.FlagMessage, &s.LastMessage, &s.EnqueuedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan visitor summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate visitor summaries: %w", err)
	}
	return summaries, nil
}

func scanVisitor(row pgx.Row) (*Visitor, error) {
	var v Visitor
	err := row.Scan(&v.ID, &v.Name, &v.Email, &v.IsAnonymous, &v.Disabled, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
