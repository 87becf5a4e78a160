package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flowoff/flowcloser/internal/models"
)

// Constants for the JSON file store
const (
	// DefaultDirPermissions defines the default permissions for data directories
	DefaultDirPermissions = 0755
	// DefaultFilePermissions defines the permissions of the lead file
	DefaultFilePermissions = 0644
	// JSONSchemaVersion is written into every lead file
	JSONSchemaVersion = 1
	// DefaultLeadsFileName is the lead file name inside the state directory
	DefaultLeadsFileName = "leads.json"
)

// leadFile is the on-disk envelope of the JSON store.
type leadFile struct {
	SchemaVersion int                 `json:"schema_version"`
	Leads         []models.LeadRecord `json:"leads"`
}

// JSONStore keeps every lead in a single JSON file that is rewritten in full on
// each mutation. Reads that fail degrade to an empty collection.
type JSONStore struct {
	path string
	now  func() time.Time
	// mu serializes read-modify-write cycles inside this process. Other
	// processes are kept out by the state-directory lock.
	mu sync.Mutex
}

// NewJSONStore creates the store, making sure the directory and file exist.
func NewJSONStore(opts ...Option) (*JSONStore, error) {
	cfg := applyOpts(opts)
	slog.Debug("NewJSONStore invoked", "path", cfg.DSN)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("lead file path not set")
	}
	s := &JSONStore{path: cfg.DSN, now: cfg.Now}
	if err := s.ensureFile(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the lead file location.
func (s *JSONStore) Path() string { return s.path }

func (s *JSONStore) ensureFile() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("JSONStore: failed to create data directory", "error", err, "dir", dir)
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return s.write(nil)
	}
	return nil
}

// load reads the collection. Both the versioned envelope and a bare array are accepted.
func (s *JSONStore) load() []models.LeadRecord {
	data, err := os.ReadFile(s.path)
	if err != nil {
		slog.Warn("JSONStore.load: failed to read lead file", "error", err, "path", s.path)
		return nil
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '[' {
		var leads []models.LeadRecord
		if err := json.Unmarshal(trimmed, &leads); err != nil {
			slog.Warn("JSONStore.load: failed to decode legacy lead array", "error", err, "path", s.path)
			return nil
		}
		return leads
	}
	var f leadFile
	if err := json.Unmarshal(trimmed, &f); err != nil {
		slog.Warn("JSONStore.load: failed to decode lead file", "error", err, "path", s.path)
		return nil
	}
	if f.SchemaVersion > JSONSchemaVersion {
		slog.Warn("JSONStore.load: lead file has newer schema version", "version", f.SchemaVersion, "supported", JSONSchemaVersion)
	}
	return f.Leads
}

// write replaces the file atomically via a temp file and rename.
func (s *JSONStore) write(leads []models.LeadRecord) error {
	if leads == nil {
		leads = []models.LeadRecord{}
	}
	data, err := json.MarshalIndent(leadFile{SchemaVersion: JSONSchemaVersion, Leads: leads}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode leads: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".leads-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp lead file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp lead file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp lead file: %w", err)
	}
	if err := os.Chmod(tmpName, DefaultFilePermissions); err != nil {
		slog.Warn("JSONStore.write: chmod failed", "error", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace lead file: %w", err)
	}
	return nil
}

// persist writes the collection; failures are logged and otherwise ignored.
func (s *JSONStore) persist(leads []models.LeadRecord) {
	if err := s.write(leads); err != nil {
		slog.Warn("JSONStore.persist: failed to save leads", "error", err, "path", s.path)
	}
}

func indexOf(leads []models.LeadRecord, key models.LeadKey) int {
	for i, l := range leads {
		if l.PageID == key.PageID && l.UserPlatformID == key.UserPlatformID {
			return i
		}
	}
	return -1
}

// UpsertLead implements LeadStore.
func (s *JSONStore) UpsertLead(ctx context.Context, in models.LeadUpsert) (models.LeadRecord, error) {
	if err := in.Validate(); err != nil {
		return models.LeadRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	leads := s.load()
	now := s.now().UTC()
	key := models.LeadKey{PageID: in.NormalizedPageID(), UserPlatformID: in.UserPlatformID}

	var rec models.LeadRecord
	if i := indexOf(leads, key); i >= 0 {
		rec = mergeLead(leads[i], in, now)
		leads[i] = rec
		slog.Debug("JSONStore.UpsertLead: updated lead", "id", rec.ID, "page_id", key.PageID)
	} else {
		rec = newLead(in, now)
		leads = append([]models.LeadRecord{rec}, leads...)
		slog.Debug("JSONStore.UpsertLead: inserted lead", "id", rec.ID, "page_id", key.PageID)
	}
	s.persist(leads)
	return rec, nil
}

// ListLeads implements LeadStore.
func (s *JSONStore) ListLeads(ctx context.Context, filters models.LeadFilters) ([]models.LeadRecord, int, error) {
	s.mu.Lock()
	leads := s.load()
	s.mu.Unlock()
	out, count := filterLeads(leads, filters)
	return out, count, nil
}

// LeadMetrics implements LeadStore.
func (s *JSONStore) LeadMetrics(ctx context.Context, filters models.LeadFilters) (models.LeadMetrics, error) {
	s.mu.Lock()
	leads := s.load()
	s.mu.Unlock()
	return computeMetrics(leads, filters, s.now()), nil
}

// SetLeadCID implements LeadStore.
func (s *JSONStore) SetLeadCID(ctx context.Context, key models.LeadKey, cid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	leads := s.load()
	i := indexOf(leads, key)
	if i < 0 {
		return fmt.Errorf("lead %s/%s not found", key.PageID, key.UserPlatformID)
	}
	leads[i].IPFSCID = cid
	s.persist(leads)
	return nil
}

// DeleteLeadsByUser implements LeadStore.
func (s *JSONStore) DeleteLeadsByUser(ctx context.Context, userPlatformID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	leads := s.load()
	kept := leads[:0]
	removed := 0
	for _, l := range leads {
		if l.UserPlatformID == userPlatformID {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.write(kept); err != nil {
		return 0, err
	}
	return removed, nil
}

// Close is a no-op for the file store.
func (s *JSONStore) Close() error { return nil }
