// Package relay turns inbound platform messages into persona replies and lead records.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowoff/flowcloser/internal/accounts"
	"github.com/flowoff/flowcloser/internal/agent"
	"github.com/flowoff/flowcloser/internal/metrics"
	"github.com/flowoff/flowcloser/internal/models"
	"github.com/flowoff/flowcloser/internal/store"
)

// DefaultHandleTimeout bounds the processing of one inbound message.
const DefaultHandleTimeout = 2 * time.Minute

// Asker produces the persona reply for a message.
type Asker interface {
	Ask(ctx context.Context, message string, opts agent.AskOptions) (string, error)
}

// Replier sends a reply back over the channel the message arrived on.
type Replier interface {
	Reply(ctx context.Context, msg models.InboundMessage, body string) (models.Receipt, error)
}

// Recorder stores the lead signals of an interaction.
type Recorder interface {
	RecordInteraction(ctx context.Context, msg models.InboundMessage, history []models.Turn) (models.LeadRecord, error)
}

// Opts holds optional collaborators of the relay.
type Opts struct {
	Accounts *accounts.Registry
	Dedup    store.DedupRepo
	Sessions agent.SessionStore
	AppName  string
	Timeout  time.Duration
}

// Option defines a configuration option for the relay.
type Option func(*Opts)

// WithAccounts resolves account names and platforms from page ids.
func WithAccounts(r *accounts.Registry) Option {
	return func(o *Opts) {
		o.Accounts = r
	}
}

// WithDedup drops messages whose platform id was already seen.
func WithDedup(d store.DedupRepo) Option {
	return func(o *Opts) {
		o.Dedup = d
	}
}

// WithSessions reads conversation history for lead extraction. appName must
// match the orchestrator's.
func WithSessions(s agent.SessionStore, appName string) Option {
	return func(o *Opts) {
		o.Sessions = s
		o.AppName = appName
	}
}

// WithTimeout overrides DefaultHandleTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// Relay processes inbound messages, each in its own goroutine.
type Relay struct {
	agent   Asker
	replier Replier
	leads   Recorder
	cfg     Opts
	wg      sync.WaitGroup
}

// New creates a relay.
func New(asker Asker, replier Replier, leads Recorder, opts ...Option) *Relay {
	cfg := Opts{AppName: agent.DefaultAppName, Timeout: DefaultHandleTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Relay{agent: asker, replier: replier, leads: leads, cfg: cfg}
}

// Outcome reports what happened to one message.
type Outcome struct {
	Reply     string
	Receipt   *models.Receipt
	Lead      *models.LeadRecord
	Duplicate bool
	AskErr    error
	SendErr   error
	LeadErr   error
}

// Submit processes msg in the background with its own timeout.
func (r *Relay) Submit(msg models.InboundMessage) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
		defer cancel()
		r.Handle(ctx, msg)
	}()
}

// Consume submits every message from ch until it closes or ctx is done.
func (r *Relay) Consume(ctx context.Context, ch <-chan models.InboundMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.Submit(msg)
		}
	}
}

// Wait blocks until every submitted message has been processed.
func (r *Relay) Wait() {
	r.wg.Wait()
}

// resolveAccount fills AccountName and, for page messages, the platform the
// account is registered under.
func (r *Relay) resolveAccount(msg models.InboundMessage) models.InboundMessage {
	acc, ok := r.cfg.Accounts.Resolve(msg.PageID, msg.Platform)
	if !ok {
		return msg
	}
	if msg.AccountName == "" {
		msg.AccountName = acc.AccountName
	}
	if msg.PageID == "" {
		msg.PageID = acc.PageID
	}
	if msg.Platform != models.PlatformWhatsApp && acc.Platform != "" {
		msg.Platform = acc.Platform
	}
	return msg
}

// Handle runs the pipeline for one message synchronously: reply, send, record
// the lead. A failed reply or send never prevents the lead from being recorded.
func (r *Relay) Handle(ctx context.Context, msg models.InboundMessage) Outcome {
	var out Outcome
	if r.isDuplicate(ctx, msg) {
		out.Duplicate = true
		return out
	}

	msg = r.resolveAccount(msg)
	channel := string(msg.Platform)
	if channel == "" {
		channel = agent.DefaultChannel
	}

	var history []models.Turn
	if r.cfg.Sessions != nil {
		h, err := r.cfg.Sessions.Load(ctx, agent.SessionKey(r.cfg.AppName, channel, msg.SenderID))
		if err != nil {
			slog.Warn("Relay.Handle: history load failed", "error", err, "user", msg.SenderID)
		}
		history = h
	}

	reply, err := r.agent.Ask(ctx, msg.Text, agent.AskOptions{
		Channel: channel,
		UserID:  msg.SenderID,
		Context: map[string]any{"pageId": msg.PageID, "accountName": msg.AccountName},
	})
	if err != nil {
		out.AskErr = err
		slog.Error("Relay.Handle: agent failed", "error", err, "platform", msg.Platform, "user", msg.SenderID)
	} else {
		out.Reply = reply
		receipt, err := r.replier.Reply(ctx, msg, reply)
		out.Receipt = &receipt
		if err != nil {
			out.SendErr = err
		}
	}

	rec, err := r.leads.RecordInteraction(ctx, msg, history)
	if err != nil {
		out.LeadErr = err
		slog.Error("Relay.Handle: lead upsert failed", "error", err, "user", msg.SenderID)
	} else {
		out.Lead = &rec
		slog.Info("Relay.Handle: lead recorded", "user", msg.SenderID, "account", rec.AccountName, "score", rec.Score, "qualified", rec.Qualified)
	}

	if r.cfg.Dedup != nil && msg.MessageID != "" {
		if err := r.cfg.Dedup.MarkProcessed(ctx, msg.MessageID); err != nil {
			slog.Warn("Relay.Handle: mark processed failed", "error", err, "message_id", msg.MessageID)
		}
	}
	return out
}

// isDuplicate records the message id; dedup failures let the message through.
func (r *Relay) isDuplicate(ctx context.Context, msg models.InboundMessage) bool {
	if r.cfg.Dedup == nil || msg.MessageID == "" {
		return false
	}
	isNew, err := r.cfg.Dedup.RecordInbound(ctx, msg.MessageID, msg.SenderID)
	if err != nil {
		slog.Warn("Relay.isDuplicate: dedup check failed, processing anyway", "error", err, "message_id", msg.MessageID)
		return false
	}
	if !isNew {
		metrics.DuplicateMessages.Inc()
		slog.Info("Relay.isDuplicate: dropping redelivered message", "message_id", msg.MessageID, "user", msg.SenderID)
		return true
	}
	return false
}
