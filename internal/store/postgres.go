// Package store holds the clients for the external data stores and the
// credit-domain queries executed over pooled connections. Schema ownership
// is external; this package only reads.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"credit-risk-engine/internal/common/config"
	"credit-risk-engine/internal/pool"

	_ "github.com/lib/pq"
)

// PostgresClient wraps the SQL database handle the pool draws from.
type PostgresClient struct {
	DB *sql.DB
}

// NewPostgres creates a new PostgreSQL client. Driver-level pooling is
// effectively disabled by sizing it to the engine pool: the engine pool is
// the single authority on store-side concurrency.
func NewPostgres(cfg config.PostgresConfig, poolSize int) (*PostgresClient, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &PostgresClient{DB: db}, nil
}

// Ping tests the database connection
func (c *PostgresClient) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

// Close closes the database connection
func (c *PostgresClient) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}

// ConnFactory returns a pool factory handing out dedicated *sql.Conn
// handles, so each PooledConnection maps to exactly one store session.
func (c *PostgresClient) ConnFactory() pool.Factory {
	return func(ctx context.Context) (pool.Conn, error) {
		return c.DB.Conn(ctx)
	}
}
