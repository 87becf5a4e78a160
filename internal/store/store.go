// Package store provides storage backends for FlowCloser lead records.
//
// The default backend is a schema-versioned JSON file. SQLite and PostgreSQL
// backends implement the same contract for deployments that outgrow a flat file.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flowoff/flowcloser/internal/models"
)

// LeadStore persists lead records keyed by (page_id, user_platform_id).
type LeadStore interface {
	// UpsertLead merges the interaction into the existing record for its key,
	// or inserts a new one. The stored record is returned.
	UpsertLead(ctx context.Context, in models.LeadUpsert) (models.LeadRecord, error)
	// ListLeads returns the filtered leads newest first, limited by filters.Limit,
	// and the filtered count before the limit.
	ListLeads(ctx context.Context, filters models.LeadFilters) ([]models.LeadRecord, int, error)
	// LeadMetrics returns total, qualified and created-today counts for the filters.
	LeadMetrics(ctx context.Context, filters models.LeadFilters) (models.LeadMetrics, error)
	// SetLeadCID records the remote content identifier of a lead.
	SetLeadCID(ctx context.Context, key models.LeadKey, cid string) error
	// DeleteLeadsByUser removes every lead of a platform user and returns how many were removed.
	DeleteLeadsByUser(ctx context.Context, userPlatformID string) (int, error)
	// Close releases backend resources.
	Close() error
}

// Opts holds configuration options for lead stores.
type Opts struct {
	DSN  string           // file path, SQLite path or PostgreSQL connection string
	Now  func() time.Time // clock; defaults to time.Now
	Kind string           // json, sqlite or postgres; detected from DSN when empty
}

// Option defines a configuration option for lead stores.
type Option func(*Opts)

// WithJSONPath configures the flat-file JSON backend.
func WithJSONPath(path string) Option {
	return func(o *Opts) {
		o.DSN = path
		o.Kind = "json"
	}
}

// WithSQLiteDSN configures the SQLite backend.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Kind = "sqlite"
	}
}

// WithPostgresDSN configures the PostgreSQL backend.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Kind = "postgres"
	}
}

// WithDSN configures a backend chosen by DetectDSNType.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Kind = DetectDSNType(dsn)
	}
}

// WithClock overrides the clock used for timestamps and "today" metrics.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

func applyOpts(opts []Option) Opts {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// DetectDSNType classifies a DSN as "postgres", "sqlite" or "json".
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"),
		strings.Contains(lower, "host=") || strings.Contains(lower, "dbname="):
		return "postgres"
	case strings.HasSuffix(lower, ".json"):
		return "json"
	default:
		return "sqlite"
	}
}

// New opens the backend selected by the options.
func New(opts ...Option) (LeadStore, error) {
	cfg := applyOpts(opts)
	slog.Debug("store.New: selecting backend", "kind", cfg.Kind, "dsn_set", cfg.DSN != "")
	switch cfg.Kind {
	case "json":
		return NewJSONStore(opts...)
	case "sqlite":
		return NewSQLiteStore(opts...)
	case "postgres":
		return NewPostgresStore(opts...)
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
}
