package genai

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowoff/flowcloser/internal/agent"
)

// Router dispatches a request to the invoker serving its model family.
type Router struct {
	OpenAI agent.Invoker
	Gemini agent.Invoker
}

// Invoke implements agent.Invoker. Models named gemini-* go to Gemini, the rest to OpenAI.
func (r *Router) Invoke(ctx context.Context, req agent.Request) (any, error) {
	inv, family := r.OpenAI, "openai"
	if strings.HasPrefix(strings.ToLower(req.Model), "gemini") {
		inv, family = r.Gemini, "gemini"
	}
	if inv == nil {
		return nil, fmt.Errorf("no %s client configured for model %s", family, req.Model)
	}
	return inv.Invoke(ctx, req)
}
