// Package org holds the organisation entity, the tenant boundary every staff
// member and queue is scoped to.
package org

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an organisation does not exist.
var ErrNotFound = errors.New("organisation not found")

// Organisation is the tenant boundary. Queues, presence maps, and fan-out
// topics are all keyed by organisation.
type Organisation struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Repository defines the data-access contract for organisations.
type Repository interface {
	Create(ctx context.Context, name string) (*Organisation, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Organisation, error)
	// Default returns the oldest enabled organisation. Anonymous visitors have
	// no tenant of their own and are routed into it.
	Default(ctx context.Context) (*Organisation, error)
}
