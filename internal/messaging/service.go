package messaging

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/flowoff/flowcloser/internal/models"
	"github.com/flowoff/flowcloser/internal/util"
)

// Constants for channel based services
const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and inbound channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
	// DefaultHTTPTimeout bounds one outbound HTTP call
	DefaultHTTPTimeout = 15 * time.Second
)

var (
	// ErrServiceStopped is returned by a service after Stop.
	ErrServiceStopped = errors.New("messaging service stopped")
	// ErrNotConfigured is returned when no credentials exist for the reply channel.
	ErrNotConfigured = errors.New("messaging channel not configured")
)

// Sender delivers a text reply to a platform user.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Service is a provider that also delivers inbound messages over a channel
// instead of an HTTP webhook handled by the api package.
type Service interface {
	Sender

	// Start begins any background processing (e.g., event subscriptions).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the channels.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Inbound returns a channel of messages received from users.
	Inbound() <-chan models.InboundMessage
}

// Opts holds configuration shared by the messaging providers.
type Opts struct {
	HTTPClient   *http.Client
	GraphBaseURL string
	Retry        []util.RetryOption
}

// Option defines a configuration option for messaging providers.
type Option func(*Opts)

// WithHTTPClient sets the HTTP client used for Graph API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// WithGraphBaseURL overrides DefaultGraphBaseURL.
func WithGraphBaseURL(u string) Option {
	return func(o *Opts) {
		o.GraphBaseURL = u
	}
}

// WithRetry configures retries of outbound sends.
func WithRetry(opts ...util.RetryOption) Option {
	return func(o *Opts) {
		o.Retry = opts
	}
}

func applyOpts(opts []Option) Opts {
	cfg := Opts{GraphBaseURL: DefaultGraphBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return cfg
}
