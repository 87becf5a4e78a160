// Package api provides the HTTP server of FlowCloser: the agent endpoint, the
// Meta and Twilio webhooks, the lead dashboard and the legal/data-deletion
// pages required by the Meta app review.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowoff/flowcloser/internal/agent"
	"github.com/flowoff/flowcloser/internal/api/middleware"
	"github.com/flowoff/flowcloser/internal/models"
)

// Default server configuration.
const (
	DefaultAddr        = ":8042"
	DefaultVerifyToken = "flowcloser_webhook_neo"
	DefaultStorageName = "json"
	// DefaultMaxBodyBytes caps webhook and API request bodies.
	DefaultMaxBodyBytes = 1 << 20
	// DefaultShutdownTimeout bounds graceful shutdown in Run.
	DefaultShutdownTimeout = 30 * time.Second
)

// Agent answers messages sent to the agent endpoint.
type Agent interface {
	Ask(ctx context.Context, message string, opts agent.AskOptions) (string, error)
}

// LeadService lists, summarizes and deletes leads.
type LeadService interface {
	List(ctx context.Context, filters models.LeadFilters) ([]models.LeadRecord, int, error)
	Metrics(ctx context.Context, filters models.LeadFilters) (models.LeadMetrics, error)
	DeleteUser(ctx context.Context, userPlatformID string) (int, error)
}

// Submitter accepts inbound platform messages for background processing.
type Submitter interface {
	Submit(msg models.InboundMessage)
}

// Opts holds configuration options for the API server.
type Opts struct {
	VerifyToken   string
	AppSecret     string
	PublicBaseURL string
	StorageName   string
	Sessions      agent.SessionStore
	TwilioWebhook http.HandlerFunc
	Now           func() time.Time
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithVerifyToken sets the token Meta echoes during webhook verification.
func WithVerifyToken(token string) Option {
	return func(o *Opts) {
		o.VerifyToken = token
	}
}

// WithAppSecret enables X-Hub-Signature-256 checks and signed_request parsing.
func WithAppSecret(secret string) Option {
	return func(o *Opts) {
		o.AppSecret = secret
	}
}

// WithPublicBaseURL sets the externally visible base URL used in data-deletion
// status links. When unset the request host is used.
func WithPublicBaseURL(url string) Option {
	return func(o *Opts) {
		o.PublicBaseURL = url
	}
}

// WithStorageName sets the storage label reported by /api/leads.
func WithStorageName(name string) Option {
	return func(o *Opts) {
		o.StorageName = name
	}
}

// WithSessions lets data deletion drop the user's conversation history too.
func WithSessions(s agent.SessionStore) Option {
	return func(o *Opts) {
		o.Sessions = s
	}
}

// WithTwilioWebhook mounts the Twilio inbound handler at /api/webhooks/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) {
		o.TwilioWebhook = h
	}
}

// WithClock overrides the clock used for timestamps and signed_request expiry.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Server serves the FlowCloser HTTP API.
type Server struct {
	agent     Agent
	leads     LeadService
	relay     Submitter
	cfg       Opts
	deletions *deletionLog
}

// NewServer creates a server. relay may be nil, in which case webhook
// messages are acknowledged and dropped.
func NewServer(a Agent, leads LeadService, relay Submitter, opts ...Option) *Server {
	cfg := Opts{
		VerifyToken: DefaultVerifyToken,
		StorageName: DefaultStorageName,
		Now:         time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.VerifyToken == "" {
		cfg.VerifyToken = DefaultVerifyToken
	}
	slog.Debug("Server.NewServer: configured",
		"app_secret_set", cfg.AppSecret != "",
		"public_base_url", cfg.PublicBaseURL,
		"storage", cfg.StorageName,
		"twilio_webhook", cfg.TwilioWebhook != nil,
		"sessions_set", cfg.Sessions != nil)
	return &Server{agent: a, leads: leads, relay: relay, cfg: cfg, deletions: newDeletionLog()}
}

// Router returns the HTTP handler with every route and middleware mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Metrics)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(DefaultMaxBodyBytes))

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Hub-Signature-256"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/health", s.healthHandler)
	r.Get("/api/agents", s.agentsHandler)
	r.Post("/api/agents/flowcloser/message", s.messageHandler)

	r.Route("/api/webhooks", func(r chi.Router) {
		r.Get("/instagram", s.verifyWebhookHandler)
		r.Post("/instagram", s.instagramWebhookHandler)
		r.Get("/whatsapp", s.verifyWebhookHandler)
		r.Post("/whatsapp", s.whatsappWebhookHandler)
		if s.cfg.TwilioWebhook != nil {
			r.Post("/twilio", s.cfg.TwilioWebhook)
		}
	})

	r.Get("/api/leads", s.leadsHandler)
	r.Get("/dashboard", s.dashboardHandler)

	r.Get("/privacy-policy", privacyPolicyHandler)
	r.Get("/terms-of-service", termsOfServiceHandler)
	r.Post("/api/data-deletion", s.dataDeletionHandler)
	r.Get("/data-deletion-status", s.dataDeletionStatusHandler)

	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Server.Run: server failed", "error", err)
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: forced shutdown", "error", err)
		return err
	}
	slog.Info("Server.Run: stopped")
	return nil
}
