// This file implements a PostgreSQL-backed lead store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/flowoff/flowcloser/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore keeps leads and inbound dedup records in PostgreSQL.
type PostgresStore struct {
	db    *sql.DB
	leads *sqlLeads
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := applyOpts(opts)
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{
		db:    db,
		leads: &sqlLeads{db: db, dialect: postgresDialect, now: cfg.Now},
	}, nil
}

// UpsertLead implements LeadStore.
func (s *PostgresStore) UpsertLead(ctx context.Context, in models.LeadUpsert) (models.LeadRecord, error) {
	return s.leads.upsert(ctx, in)
}

// ListLeads implements LeadStore.
func (s *PostgresStore) ListLeads(ctx context.Context, filters models.LeadFilters) ([]models.LeadRecord, int, error) {
	return s.leads.list(ctx, filters)
}

// LeadMetrics implements LeadStore.
func (s *PostgresStore) LeadMetrics(ctx context.Context, filters models.LeadFilters) (models.LeadMetrics, error) {
	return s.leads.metrics(ctx, filters)
}

// SetLeadCID implements LeadStore.
func (s *PostgresStore) SetLeadCID(ctx context.Context, key models.LeadKey, cid string) error {
	return s.leads.setCID(ctx, key, cid)
}

// DeleteLeadsByUser implements LeadStore.
func (s *PostgresStore) DeleteLeadsByUser(ctx context.Context, userPlatformID string) (int, error) {
	return s.leads.deleteByUser(ctx, userPlatformID)
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
