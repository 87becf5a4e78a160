package leads

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/flowoff/flowcloser/internal/metrics"
	"github.com/flowoff/flowcloser/internal/mirror"
	"github.com/flowoff/flowcloser/internal/models"
	"github.com/flowoff/flowcloser/internal/store"
)

// DefaultMirrorTimeout bounds one background mirror upload.
const DefaultMirrorTimeout = 60 * time.Second

// Opts holds configuration options for the lead service.
type Opts struct {
	Uploader      mirror.Uploader
	Now           func() time.Time
	MirrorTimeout time.Duration
}

// Option defines a configuration option for the lead service.
type Option func(*Opts)

// WithUploader enables mirroring every upserted lead to a remote store.
func WithUploader(u mirror.Uploader) Option {
	return func(o *Opts) {
		o.Uploader = u
	}
}

// WithClock overrides the clock used for mirror file names and contact times.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// WithMirrorTimeout overrides DefaultMirrorTimeout.
func WithMirrorTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.MirrorTimeout = d
	}
}

// Service is the lead store component: local persistence plus a best-effort
// remote mirror. Mirror failures never reach callers.
type Service struct {
	store    store.LeadStore
	uploader mirror.Uploader
	now      func() time.Time
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewService creates a lead service over the given store.
func NewService(s store.LeadStore, opts ...Option) *Service {
	cfg := Opts{Now: time.Now, MirrorTimeout: DefaultMirrorTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Service{store: s, uploader: cfg.Uploader, now: cfg.Now, timeout: cfg.MirrorTimeout}
}

// Upsert stores the lead and, when an uploader is configured, mirrors the
// stored record in the background.
func (s *Service) Upsert(ctx context.Context, in models.LeadUpsert) (models.LeadRecord, error) {
	rec, err := s.store.UpsertLead(ctx, in)
	if err != nil {
		slog.Error("Service.Upsert: store failed", "error", err, "user", in.UserPlatformID, "page_id", in.PageID)
		return rec, err
	}
	metrics.LeadUpserts.WithLabelValues(strconv.FormatBool(rec.Qualified)).Inc()
	slog.Info("Service.Upsert: lead saved", "id", rec.ID, "page_id", rec.PageID, "score", rec.Score, "qualified", rec.Qualified)

	if s.uploader != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.mirror(context.WithoutCancel(ctx), rec)
		}()
	}
	return rec, nil
}

// mirror uploads one record and writes the returned identifier back.
func (s *Service) mirror(ctx context.Context, rec models.LeadRecord) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		slog.Warn("Service.mirror: failed to encode lead", "error", err, "id", rec.ID)
		return
	}
	name := mirror.LeadFileName(rec.UserPlatformID, s.now())
	cid, err := s.uploader.Upload(ctx, data, name)
	metrics.MirrorUploads.WithLabelValues(metrics.Outcome(err)).Inc()
	if err != nil {
		slog.Warn("Service.mirror: upload failed, keeping local record only", "error", err, "id", rec.ID)
		return
	}
	if err := s.store.SetLeadCID(ctx, rec.Key(), cid); err != nil {
		slog.Warn("Service.mirror: failed to record cid", "error", err, "id", rec.ID, "cid", cid)
		return
	}
	slog.Debug("Service.mirror: lead mirrored", "id", rec.ID, "cid", cid)
}

// RecordInteraction extracts and scores an inbound message, then upserts the
// lead of its (page, sender) pair.
func (s *Service) RecordInteraction(ctx context.Context, msg models.InboundMessage, history []models.Turn) (models.LeadRecord, error) {
	return s.Upsert(ctx, Interaction(msg, history, s.now()))
}

// Interaction builds the upsert for one inbound message.
func Interaction(msg models.InboundMessage, history []models.Turn, now time.Time) models.LeadUpsert {
	signals := Extract(msg.Text, history)
	score := Score(signals.ScoreInput())
	qualified := IsQualified(score)
	last := now.UTC()
	return models.LeadUpsert{
		UserPlatformID: msg.SenderID,
		PageID:         msg.PageID,
		Platform:       string(msg.Platform),
		AccountName:    msg.AccountName,
		Name:           signals.Name,
		Company:        signals.Company,
		ProjectType:    signals.ProjectType,
		Urgency:        signals.Urgency,
		Score:          &score,
		Qualified:      &qualified,
		LastContactAt:  &last,
	}
}

// List returns filtered leads and the pre-limit count.
func (s *Service) List(ctx context.Context, filters models.LeadFilters) ([]models.LeadRecord, int, error) {
	return s.store.ListLeads(ctx, filters)
}

// Metrics returns total, qualified and today counts.
func (s *Service) Metrics(ctx context.Context, filters models.LeadFilters) (models.LeadMetrics, error) {
	return s.store.LeadMetrics(ctx, filters)
}

// DeleteUser removes every lead of a platform user.
func (s *Service) DeleteUser(ctx context.Context, userPlatformID string) (int, error) {
	n, err := s.store.DeleteLeadsByUser(ctx, userPlatformID)
	if err != nil {
		slog.Error("Service.DeleteUser failed", "error", err, "user", userPlatformID)
		return 0, err
	}
	slog.Info("Service.DeleteUser: leads removed", "user", userPlatformID, "count", n)
	return n, nil
}

// Wait blocks until pending mirror uploads finish.
func (s *Service) Wait() {
	s.wg.Wait()
}
