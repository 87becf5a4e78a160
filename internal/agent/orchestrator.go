// Package agent drives the FlowCloser sales persona: it builds the instruction,
// invokes the primary model, falls back to a secondary model once, and keeps
// conversation history between invocations.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flowoff/flowcloser/internal/metrics"
	"github.com/flowoff/flowcloser/internal/models"
)

// Defaults for the orchestrator.
const (
	DefaultPrimaryModel  = "gpt-4o"
	DefaultFallbackModel = "gemini-2.5-flash"
	DefaultAppName       = "flowcloser"
	DefaultChannel       = "instagram"
	DefaultUserID        = "user"
)

// errorPrefix marks a textual response that is really a failure.
const errorPrefix = "Error:"

// ErrEmptyMessage is returned by Ask for a blank message.
var ErrEmptyMessage = errors.New("message is required")

// Request is one model invocation.
type Request struct {
	Model       string
	Instruction string
	Message     string
	Tools       []Tool
	Session     *Session
}

// Invoker runs a request against a model. The response may be any value;
// non-strings are serialized to JSON by the orchestrator.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (any, error)
}

// FallbackError is returned when both the primary and fallback models fail.
type FallbackError struct {
	PrimaryModel  string
	FallbackModel string
	Primary       error
	Fallback      error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("both models failed. primary: %v. fallback: %v", e.Primary, e.Fallback)
}

func (e *FallbackError) Unwrap() []error { return []error{e.Primary, e.Fallback} }

// Opts holds configuration options for the orchestrator.
type Opts struct {
	PrimaryModel  string
	FallbackModel string
	AppName       string
	Sessions      SessionStore
	Tools         []Tool
	Hooks         []Hook
	PortfolioURL  string
}

// Option defines a configuration option for the orchestrator.
type Option func(*Opts)

// WithModels sets the primary and fallback model names.
func WithModels(primary, fallback string) Option {
	return func(o *Opts) {
		if primary != "" {
			o.PrimaryModel = primary
		}
		if fallback != "" {
			o.FallbackModel = fallback
		}
	}
}

// WithAppName sets the application name used in session keys.
func WithAppName(name string) Option {
	return func(o *Opts) {
		o.AppName = name
	}
}

// WithSessionStore sets where conversation history is kept.
func WithSessionStore(s SessionStore) Option {
	return func(o *Opts) {
		o.Sessions = s
	}
}

// WithTools sets the tools offered to the model.
func WithTools(tools ...Tool) Option {
	return func(o *Opts) {
		o.Tools = tools
	}
}

// WithHooks appends post-response hooks.
func WithHooks(hooks ...Hook) Option {
	return func(o *Opts) {
		o.Hooks = append(o.Hooks, hooks...)
	}
}

// WithPortfolioURL sets the link placed in the instruction.
func WithPortfolioURL(url string) Option {
	return func(o *Opts) {
		o.PortfolioURL = url
	}
}

// Orchestrator asks the primary model and substitutes the fallback model once on failure.
type Orchestrator struct {
	invoker Invoker
	cfg     Opts
}

// NewOrchestrator creates an orchestrator over invoker.
func NewOrchestrator(invoker Invoker, opts ...Option) *Orchestrator {
	cfg := Opts{
		PrimaryModel:  DefaultPrimaryModel,
		FallbackModel: DefaultFallbackModel,
		AppName:       DefaultAppName,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Sessions == nil {
		cfg.Sessions = NewMemorySessionStore(DefaultMaxHistory)
	}
	return &Orchestrator{invoker: invoker, cfg: cfg}
}

// Sessions returns the session store, used by the data-deletion flow.
func (o *Orchestrator) Sessions() SessionStore {
	return o.cfg.Sessions
}

// AskOptions carries the per-call identity and context. Explicit Channel and
// UserID win over the same keys in Context.
type AskOptions struct {
	Channel string
	UserID  string
	Context map[string]any
	// History is used when the session store has none for this conversation.
	History []models.Turn
}

// resolve returns channel and user id: explicit option, then context value, then default.
func (a AskOptions) resolve() (string, string) {
	pick := func(explicit, key, def string) string {
		if explicit != "" {
			return explicit
		}
		if v, ok := a.Context[key].(string); ok && v != "" {
			return v
		}
		return def
	}
	return pick(a.Channel, "channel", DefaultChannel), pick(a.UserID, "userId", DefaultUserID)
}

// Ask returns the persona's reply to message.
func (o *Orchestrator) Ask(ctx context.Context, message string, opts AskOptions) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", ErrEmptyMessage
	}
	channel, userID := opts.resolve()
	key := SessionKey(o.cfg.AppName, channel, userID)

	stage := DetectStage(message)
	slog.Info("Orchestrator.Ask: lead stage", "stage", stage, "channel", channel, "user", userID)

	history, err := o.cfg.Sessions.Load(ctx, key)
	if err != nil {
		slog.Warn("Orchestrator.Ask: session load failed, continuing without history", "error", err, "key", key)
		history = nil
	}
	if len(history) == 0 {
		history = opts.History
	}

	call := attempt{channel: channel, userID: userID, key: key, message: message, history: history, context: opts.Context}

	model := o.cfg.PrimaryModel
	fallbackUsed := false
	text, state, primaryErr := o.try(ctx, model, call)
	if primaryErr != nil {
		metrics.ModelFallbacks.Inc()
		slog.Warn("Orchestrator.Ask: primary model failed, falling back",
			"primary", o.cfg.PrimaryModel, "fallback", o.cfg.FallbackModel, "error", primaryErr)
		model = o.cfg.FallbackModel
		fallbackUsed = true
		var fallbackErr error
		text, state, fallbackErr = o.try(ctx, model, call)
		if fallbackErr != nil {
			slog.Error("Orchestrator.Ask: fallback model also failed", "error", fallbackErr)
			return "", &FallbackError{
				PrimaryModel:  o.cfg.PrimaryModel,
				FallbackModel: o.cfg.FallbackModel,
				Primary:       primaryErr,
				Fallback:      fallbackErr,
			}
		}
		slog.Info("Orchestrator.Ask: fallback model succeeded", "model", model)
	}

	if err := o.cfg.Sessions.Append(ctx, key,
		models.Turn{Role: models.RoleUser, Content: message},
		models.Turn{Role: models.RoleAssistant, Content: text},
	); err != nil {
		slog.Warn("Orchestrator.Ask: session append failed", "error", err, "key", key)
	}

	res := Result{
		Message:      message,
		Response:     text,
		Model:        model,
		FallbackUsed: fallbackUsed,
		Stage:        stage,
		Channel:      channel,
		UserID:       userID,
		State:        state,
	}
	for _, hook := range o.cfg.Hooks {
		hook(ctx, res)
	}
	return text, nil
}

// attempt is the input shared by the primary and fallback tries.
type attempt struct {
	channel string
	userID  string
	key     string
	message string
	history []models.Turn
	context map[string]any
}

// try builds a fresh session and instruction, invokes model once and
// interprets the response.
func (o *Orchestrator) try(ctx context.Context, model string, a attempt) (string, map[string]any, error) {
	sess := &Session{
		Key:     a.key,
		AppName: o.cfg.AppName,
		Channel: a.channel,
		UserID:  a.userID,
		State:   newSessionState(a.channel, a.context),
	}
	name, location := userProfile(a.context)
	stage, _ := a.context["projectStage"].(string)
	instruction := BuildInstruction(InstructionInput{
		Channel:      a.channel,
		UserName:     name,
		Location:     location,
		ProjectStage: stage,
		PortfolioURL: o.cfg.PortfolioURL,
		History:      a.history,
	})

	start := time.Now()
	out, err := o.invoker.Invoke(ctx, Request{
		Model:       model,
		Instruction: instruction,
		Message:     a.message,
		Tools:       o.cfg.Tools,
		Session:     sess,
	})
	metrics.AgentInvocationDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
	if err == nil {
		if s, ok := out.(string); ok && strings.HasPrefix(s, errorPrefix) {
			err = errors.New(s)
		}
	}
	metrics.AgentInvocations.WithLabelValues(model, metrics.Outcome(err)).Inc()
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", model, err)
	}
	text, err := responseText(out)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", model, err)
	}
	return text, sess.State, nil
}

// responseText returns strings unchanged and serializes everything else.
func responseText(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize response: %w", err)
	}
	return string(data), nil
}

// userProfile reads context["user"] as either a map or a typed profile.
func userProfile(ctx map[string]any) (string, string) {
	switch u := ctx["user"].(type) {
	case map[string]any:
		name, _ := u["name"].(string)
		location, _ := u["location"].(string)
		return name, location
	case map[string]string:
		return u["name"], u["location"]
	}
	return "", ""
}
