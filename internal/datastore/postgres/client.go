// Package postgres stores application records in a Postgres table.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const (
	maxOpenConns    = 10
	maxIdleConns    = 5
	connMaxLifetime = 30 * time.Minute
)

// schema is applied at startup; it is idempotent
const schema = `
CREATE TABLE IF NOT EXISTS applications (
	id                     BIGSERIAL PRIMARY KEY,
	name                   TEXT NOT NULL,
	owner                  TEXT NOT NULL,
	image                  TEXT NOT NULL,
	http_port              INTEGER NOT NULL DEFAULT 0,
	tcp_port               INTEGER NOT NULL DEFAULT 0,
	credential_integration BOOLEAN NOT NULL DEFAULT FALSE,
	status                 TEXT NOT NULL DEFAULT 'created',
	node_port              INTEGER NOT NULL DEFAULT 0,
	server_url             TEXT NOT NULL DEFAULT '',
	created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (name, owner)
)`

// Client wraps the Postgres connection pool
type Client struct {
	db *sqlx.DB
}

// NewClient connects to Postgres and configures the pool
func NewClient(ctx context.Context, url string) (*Client, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	return &Client{db: db}, nil
}

// NewFromDB wraps an existing connection, e.g. a sqlmock one in tests
func NewFromDB(db *sqlx.DB) *Client {
	return &Client{db: db}
}

// Migrate creates the applications table if it does not exist
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create applications table: %w", err)
	}
	return nil
}

// Ping checks if Postgres is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the connection pool
func (c *Client) Close() error {
	return c.db.Close()
}

// GetDB returns the underlying database connection
func (c *Client) GetDB() *sqlx.DB {
	return c.db
}
