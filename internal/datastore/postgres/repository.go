package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"provisioning-api-go/internal/datastore"
	"provisioning-api-go/internal/models"
)

const uniqueViolation = "23505"

const (
	insertApplication = `INSERT INTO applications
	(name, owner, image, http_port, tcp_port, credential_integration, status, node_port, server_url)
	VALUES (:name, :owner, :image, :http_port, :tcp_port, :credential_integration, :status, :node_port, :server_url)
	RETURNING id, created_at, updated_at`

	selectApplication = `SELECT id, name, owner, image, http_port, tcp_port, credential_integration,
	status, node_port, server_url, created_at, updated_at FROM applications`

	updateApplication = `UPDATE applications
	SET status = :status, node_port = :node_port, server_url = :server_url, updated_at = NOW()
	WHERE id = :id
	RETURNING updated_at`

	selectActiveNodePorts = `SELECT node_port FROM applications
	WHERE status <> 'terminated' AND node_port <> 0 ORDER BY node_port`
)

// Repository implements datastore.Repository on Postgres
type Repository struct {
	client *Client
	logger *zap.Logger
}

var _ datastore.Repository = (*Repository)(nil)

// NewRepository creates a new Postgres repository
func NewRepository(client *Client, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		client: client,
		logger: logger,
	}
}

// Create inserts a new record; the (name, owner) pair must be unique
func (r *Repository) Create(ctx context.Context, app *models.Application) error {
	rows, err := r.client.db.NamedQueryContext(ctx, insertApplication, app)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s/%s", datastore.ErrDuplicate, app.Owner, app.Name)
		}
		return fmt.Errorf("insert application: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return fmt.Errorf("insert application: %w", err)
		}
		return fmt.Errorf("insert application: no row returned")
	}
	if err := rows.Scan(&app.ID, &app.CreatedAt, &app.UpdatedAt); err != nil {
		return fmt.Errorf("scan inserted application: %w", err)
	}

	r.logger.Debug("application stored", zap.Int64("id", app.ID), zap.String("owner", app.Owner))
	return nil
}

// Get loads one record
func (r *Repository) Get(ctx context.Context, id int64) (*models.Application, error) {
	var app models.Application
	err := r.client.db.GetContext(ctx, &app, selectApplication+" WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", datastore.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get application %d: %w", id, err)
	}
	return &app, nil
}

// Update persists the lifecycle fields of a record
func (r *Repository) Update(ctx context.Context, app *models.Application) error {
	rows, err := r.client.db.NamedQueryContext(ctx, updateApplication, app)
	if err != nil {
		return fmt.Errorf("update application %d: %w", app.ID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return fmt.Errorf("update application %d: %w", app.ID, err)
		}
		return fmt.Errorf("%w: id %d", datastore.ErrNotFound, app.ID)
	}
	if err := rows.Scan(&app.UpdatedAt); err != nil {
		return fmt.Errorf("scan updated application %d: %w", app.ID, err)
	}
	return nil
}

// ListByOwner returns an owner's records ordered by ID
func (r *Repository) ListByOwner(ctx context.Context, owner string) ([]*models.Application, error) {
	apps := []*models.Application{}
	err := r.client.db.SelectContext(ctx, &apps, selectApplication+" WHERE owner = $1 ORDER BY id", owner)
	if err != nil {
		return nil, fmt.Errorf("list applications of %s: %w", owner, err)
	}
	return apps, nil
}

// ActiveNodePorts lists node ports of records that are not terminated
func (r *Repository) ActiveNodePorts(ctx context.Context) ([]int, error) {
	var ports []int
	if err := r.client.db.SelectContext(ctx, &ports, selectActiveNodePorts); err != nil {
		return nil, fmt.Errorf("list active node ports: %w", err)
	}
	return ports, nil
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}

// Close closes the connection pool
func (r *Repository) Close() error {
	return r.client.Close()
}
