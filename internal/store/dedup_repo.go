// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"context"
	"sync"
	"time"
)

// DefaultDedupRetention bounds how long the in-memory dedup remembers a message id.
// Meta redelivers unacknowledged webhooks for well under a day.
const DefaultDedupRetention = 24 * time.Hour

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	SenderID    string     `json:"sender_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
type DedupRepo interface {
	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, senderID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error
}

// Compile-time checks that every backend implements DedupRepo.
var (
	_ DedupRepo = (*MemoryDedup)(nil)
	_ DedupRepo = (*SQLiteStore)(nil)
	_ DedupRepo = (*PostgresStore)(nil)
)

// MemoryDedup is a process-local DedupRepo used alongside the JSON lead file.
type MemoryDedup struct {
	mu        sync.Mutex
	seen      map[string]*DedupRecord
	retention time.Duration
	now       func() time.Time
}

// NewMemoryDedup creates an in-memory dedup that forgets ids older than retention.
func NewMemoryDedup(retention time.Duration, opts ...Option) *MemoryDedup {
	cfg := applyOpts(opts)
	if retention <= 0 {
		retention = DefaultDedupRetention
	}
	return &MemoryDedup{seen: make(map[string]*DedupRecord), retention: retention, now: cfg.Now}
}

// RecordInbound implements DedupRepo.
func (d *MemoryDedup) RecordInbound(ctx context.Context, messageID, senderID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	d.evict(now)
	if _, ok := d.seen[messageID]; ok {
		return false, nil
	}
	d.seen[messageID] = &DedupRecord{MessageID: messageID, SenderID: senderID, ReceivedAt: now}
	return true, nil
}

// MarkProcessed implements DedupRepo.
func (d *MemoryDedup) MarkProcessed(ctx context.Context, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.seen[messageID]; ok {
		now := d.now()
		r.ProcessedAt = &now
	}
	return nil
}

func (d *MemoryDedup) evict(now time.Time) {
	cutoff := now.Add(-d.retention)
	for id, r := range d.seen {
		if r.ReceivedAt.Before(cutoff) {
			delete(d.seen, id)
		}
	}
}
