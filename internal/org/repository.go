package org

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectColumns = "id, name, disabled, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed organisation repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// Create inserts a new organisation and returns it.
func (r *PGRepository) Create(ctx context.Context, name string) (*Organisation, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("INSERT INTO organisations (name) VALUES ($1) RETURNING %s", selectColumns), name,
	)
	return scanOrganisation(row)
}

// GetByID returns a single organisation by ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Organisation, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM organisations WHERE id = $1", selectColumns), id,
	)
	o, err := scanOrganisation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query organisation by id: %w", err)
	}
	return o, nil
}

// Default returns the oldest enabled organisation.
func (r *PGRepository) Default(ctx context.Context) (*Organisation, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM organisations WHERE disabled = false ORDER BY created_at LIMIT 1", selectColumns),
	)
	o, err := scanOrganisation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query default organisation: %w", err)
	}
	return o, nil
}

func scanOrganisation(row pgx.Row) (*Organisation, error) {
	var o Organisation
	if err := row.Scan(&o.ID, &o.Name, &o.Disabled, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}
