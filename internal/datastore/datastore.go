// Package datastore defines the application record repository shared by the
// Redis and Postgres backends.
package datastore

import (
	"context"
	"errors"

	"provisioning-api-go/internal/models"
)

// Repository errors
var (
	ErrNotFound  = errors.New("application not found")
	ErrDuplicate = errors.New("application with this name already exists for owner")
)

// Repository persists application records. Implementations own the
// WorkloadRecord state; the provisioning workflow only computes it.
type Repository interface {
	// Create stores a new record and sets its ID and timestamps
	Create(ctx context.Context, app *models.Application) error
	Get(ctx context.Context, id int64) (*models.Application, error)
	// Update overwrites the mutable fields of an existing record
	Update(ctx context.Context, app *models.Application) error
	ListByOwner(ctx context.Context, owner string) ([]*models.Application, error)
	// ActiveNodePorts lists the node ports held by non-terminated records
	ActiveNodePorts(ctx context.Context) ([]int, error)
	Ping(ctx context.Context) error
	Close() error
}
