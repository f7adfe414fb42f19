package staff

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beaconchat/beacon-server/internal/postgres"
)

const selectColumns = "id, org_id, role_id, email, full_name, display_name, disabled, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed staff repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// Create inserts a new staff member. Returns ErrEmailTaken when the email is
// already registered.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Staff, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO staff (org_id, role_id, email, password_hash, full_name, display_name)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING %s`, selectColumns),
		params.OrgID, params.RoleID, params.Email, params.PasswordHash, params.FullName, params.DisplayName,
	)
	s, err := scanStaff(row)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("insert staff: %w", err)
	}
	return s, nil
}

// GetByID returns a single staff member by ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Staff, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM staff WHERE id = $1", selectColumns), id,
	)
	s, err := scanStaff(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query staff by id: %w", err)
	}
	return s, nil
}

// GetByEmail returns login credentials for the given email.
func (r *PGRepository) GetByEmail(ctx context.Context, email string) (*Credentials, error) {
	var c Credentials
	err := r.db.QueryRow(ctx,
		"SELECT id, password_hash, disabled FROM staff WHERE email = $1", email,
	).Scan(&c.ID, &c.PasswordHash, &c.Disabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query staff by email: %w", err)
	}
	return &c, nil
}

// ListByOrg returns every staff member of the organisation in creation order.
func (r *PGRepository) ListByOrg(ctx context.Context, orgID uuid.UUID) ([]Staff, error) {
	return r.list(ctx,
		fmt.Sprintf("SELECT %s FROM staff WHERE org_id = $1 ORDER BY created_at, id", selectColumns), orgID)
}

// ListVolunteers returns enabled agents of the organisation in creation order.
func (r *PGRepository) ListVolunteers(ctx context.Context, orgID uuid.UUID) ([]Staff, error) {
	return r.list(ctx, fmt.Sprintf(
		"SELECT %s FROM staff WHERE org_id = $1 AND role_id = $2 AND disabled = false ORDER BY created_at, id",
		selectColumns), orgID, RoleAgent)
}

// ListSupervising returns enabled supervisors and admins of the organisation.
func (r *PGRepository) ListSupervising(ctx context.Context, orgID uuid.UUID) ([]Staff, error) {
	return r.list(ctx, fmt.Sprintf(
		"SELECT %s FROM staff WHERE org_id = $1 AND role_id <= $2 AND disabled = false ORDER BY created_at, id",
		selectColumns), orgID, RoleSupervisor)
}

// SetRole updates a staff member's role and returns the updated row.
func (r *PGRepository) SetRole(ctx context.Context, id uuid.UUID, roleID int16) (*Staff, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("UPDATE staff SET role_id = $1 WHERE id = $2 RETURNING %s", selectColumns), roleID, id,
	)
	s, err := scanStaff(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update staff role: %w", err)
	}
	return s, nil
}

// Enable re-enables a disabled account.
func (r *PGRepository) Enable(ctx context.Context, id uuid.UUID) (*Staff, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("UPDATE staff SET disabled = false WHERE id = $1 RETURNING %s", selectColumns), id,
	)
	s, err := scanStaff(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("enable staff: %w", err)
	}
	return s, nil
}

// Disable soft-disables the account and removes its chat subscriptions in one
// transaction. The returned visitor IDs are the chats left with no subscribed
// staff, which the caller hands to the assignment engine.
func (r *PGRepository) Disable(ctx context.Context, id uuid.UUID) (*Staff, []uuid.UUID, error) {
	var s *Staff
	var orphaned []uuid.UUID

	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			fmt.Sprintf("UPDATE staff SET disabled = true WHERE id = $1 RETURNING %s", selectColumns), id,
		)
		var err error
		s, err = scanStaff(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("disable staff: %w", err)
		}

		rows, err := tx.Query(ctx,
			"DELETE FROM staff_subscription_chats WHERE staff_id = $1 RETURNING visitor_id", id,
		)
		if err != nil {
			return fmt.Errorf("delete staff subscriptions: %w", err)
		}
		var freed []uuid.UUID
		for rows.Next() {
			var v uuid.UUID
			if err := rows.Scan(&v); err != nil {
				rows.Close()
				return fmt.Errorf("scan freed visitor: %w", err)
			}
			freed = append(freed, v)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate freed visitors: %w", err)
		}

		for _, v := range freed {
			var remaining int
			err := tx.QueryRow(ctx,
				"SELECT COUNT(*) FROM staff_subscription_chats WHERE visitor_id = $1", v,
			).Scan(&remaining)
			if err != nil {
				return fmt.Errorf("count remaining subscriptions: %w", err)
			}
			if remaining == 0 {
				orphaned = append(orphaned, v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return s, orphaned, nil
}

// ReceiveEmails reports whether the staff member accepts e-mail notifications.
// Absent row means opted in.
func (r *PGRepository) ReceiveEmails(ctx context.Context, id uuid.UUID) (bool, error) {
	var receive bool
	err := r.db.QueryRow(ctx,
		"SELECT receive_emails FROM staff_notification_settings WHERE staff_id = $1", id,
	).Scan(&receive)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("query notification settings: %w", err)
	}
	return receive, nil
}

// SetReceiveEmails upserts the staff member's e-mail opt-in state.
func (r *PGRepository) SetReceiveEmails(ctx context.Context, id uuid.UUID, receive bool) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO staff_notification_settings (staff_id, receive_emails) VALUES ($1, $2)
		ON CONFLICT (staff_id) DO UPDATE SET receive_emails = EXCLUDED.receive_emails
	`, id, receive)
	if err != nil {
		return fmt.Errorf("upsert notification settings: %w", err)
	}
	return nil
}

func (r *PGRepository) list(ctx context.Context, query string, args ...any) ([]Staff, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query staff: %w", err)
	}
	defer rows.Close()

	var staffs []Staff
	for rows.Next() {
		s, err := scanStaff(rows)
		if err != nil {
			return nil, fmt.Errorf("scan staff: %w", err)
		}
		staffs = append(staffs, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate staff: %w", err)
	}
	return staffs, nil
}

func scanStaff(row pgx.Row) (*Staff, error) {
	var s Staff
	err := row.Scan(
		&s.ID, &s.OrgID, &s.RoleID, &s.Email, &s.FullName, &s.DisplayName,
		&s.Disabled, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
