// This file implements an SQLite-backed lead store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/flowoff/flowcloser/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore keeps leads and inbound dedup records in an SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	leads *sqlLeads
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := applyOpts(opts)
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serializes writers and avoids SQLITE_BUSY inside upsert transactions.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{
		db:    db,
		leads: &sqlLeads{db: db, dialect: sqliteDialect, now: cfg.Now},
	}, nil
}

// UpsertLead implements LeadStore.
func (s *SQLiteStore) UpsertLead(ctx context.Context, in models.LeadUpsert) (models.LeadRecord, error) {
	return s.leads.upsert(ctx, in)
}

// ListLeads implements LeadStore.
func (s *SQLiteStore) ListLeads(ctx context.Context, filters models.LeadFilters) ([]models.LeadRecord, int, error) {
	return s.leads.list(ctx, filters)
}

// LeadMetrics implements LeadStore.
func (s *SQLiteStore) LeadMetrics(ctx context.Context, filters models.LeadFilters) (models.LeadMetrics, error) {
	return s.leads.metrics(ctx, filters)
}

// SetLeadCID implements LeadStore.
func (s *SQLiteStore) SetLeadCID(ctx context.Context, key models.LeadKey, cid string) error {
	return s.leads.setCID(ctx, key, cid)
}

// DeleteLeadsByUser implements LeadStore.
func (s *SQLiteStore) DeleteLeadsByUser(ctx context.Context, userPlatformID string) (int, error) {
	return s.leads.deleteByUser(ctx, userPlatformID)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
