package agent

import (
	"context"
	"log/slog"
	"strings"
)

// Result describes a successful invocation, handed to post-response hooks.
type Result struct {
	Message      string
	Response     string
	Model        string
	FallbackUsed bool
	Stage        Stage
	Channel      string
	UserID       string
	State        map[string]any
}

// Hook runs after a successful invocation and before the response is returned.
// Hooks may only produce side effects.
type Hook func(ctx context.Context, res Result)

// LogResponseHook logs the outcome and whether the reply carried the portfolio link.
func LogResponseHook(portfolioURL string) Hook {
	return func(ctx context.Context, res Result) {
		withPortfolio := portfolioURL != "" && strings.Contains(res.Response, portfolioURL)
		slog.Info("agent response",
			"stage", res.Stage,
			"model", res.Model,
			"fallback", res.FallbackUsed,
			"channel", res.Channel,
			"user", res.UserID,
			"response_len", len(res.Response),
			"portfolio", withPortfolio)
	}
}
