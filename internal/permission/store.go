package permission

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides read and write access to role permission rows.
type Store interface {
	// Allowed reports whether a role_permissions row grants the action to the
	// role.
	Allowed(ctx context.Context, action string, roleID int16) (bool, error)
	// Grant inserts the (action, role) row, idempotently.
	Grant(ctx context.Context, action string, roleID int16) error
	// Revoke removes the (action, role) row. Revoking an absent grant is a
	// no-op.
	Revoke(ctx context.Context, action string, roleID int16) error
}

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore creates a new PostgreSQL-backed permission store.
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// Allowed reports whether the role holds the action.
func (s *PGStore) Allowed(ctx context.Context, action string, roleID int16) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM role_permissions WHERE name = $1 AND role_id = $2)",
		action, roleID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check permission: %w", err)
	}
	return exists, nil
}

// Grant inserts the grant row, idempotently.
func (s *PGStore) Grant(ctx context.Context, action string, roleID int16) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO role_permissions (name, role_id) VALUES ($1, $2)
		ON CONFLICT (name, role_id) DO NOTHING
	`, action, roleID)
	if err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	return nil
}

// Revoke removes the grant row.
func (s *PGStore) Revoke(ctx context.Context, action string, roleID int16) error {
	_, err := s.db.Exec(ctx,
		"DELETE FROM role_permissions WHERE name = $1 AND role_id = $2", action, roleID,
	)
	if err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}
	return nil
}
