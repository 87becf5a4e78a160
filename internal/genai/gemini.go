package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowoff/flowcloser/internal/agent"
	gemini "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// contentGenerator is the subset of *gemini.GenerativeModel used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...gemini.Part) (*gemini.GenerateContentResponse, error)
}

// GeminiInvoker implements agent.Invoker on Google Gemini. Tools are not
// offered to Gemini; the persona instruction carries the same guidance.
type GeminiInvoker struct {
	client *gemini.Client
	model  func(name, instruction string) contentGenerator
}

// NewGeminiInvoker creates an invoker authenticated with apiKey.
func NewGeminiInvoker(ctx context.Context, apiKey string) (*GeminiInvoker, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}
	client, err := gemini.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	g := &GeminiInvoker{client: client}
	g.model = func(name, instruction string) contentGenerator {
		m := client.GenerativeModel(name)
		m.SystemInstruction = &gemini.Content{Parts: []gemini.Part{gemini.Text(instruction)}}
		return m
	}
	return g, nil
}

// Invoke implements agent.Invoker.
func (g *GeminiInvoker) Invoke(ctx context.Context, req agent.Request) (any, error) {
	resp, err := g.model(req.Model, req.Instruction).GenerateContent(ctx, gemini.Text(req.Message))
	if err != nil {
		slog.Error("GeminiInvoker.Invoke: generation failed", "model", req.Model, "error", err)
		return nil, err
	}
	text := responseText(resp)
	if text == "" {
		return nil, ErrNoChoicesReturned
	}
	return text, nil
}

// responseText joins the text parts of the first candidate.
func responseText(resp *gemini.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(gemini.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

// Close releases the underlying client.
func (g *GeminiInvoker) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}
