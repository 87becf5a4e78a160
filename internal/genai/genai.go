// Package genai invokes hosted chat models on behalf of the agent.
//
// OpenAIInvoker talks to the OpenAI chat completions API and runs tool calls;
// GeminiInvoker talks to Google Gemini. Router picks one by model name.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/flowoff/flowcloser/internal/agent"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// DefaultMaxToolRounds bounds how many times the model may call tools per request.
const DefaultMaxToolRounds = 3

// ErrNoChoicesReturned is returned when the API answers without choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService defines minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration options for the OpenAI invoker.
type Opts struct {
	APIKey        string
	Organization  string
	Project       string
	MaxToolRounds int
}

// Option defines a configuration option for the OpenAI invoker.
type Option func(*Opts)

// WithAPIKey sets the API key; OPENAI_API_KEY is used when empty.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithOrganization sets the OpenAI organization id.
func WithOrganization(org string) Option {
	return func(o *Opts) {
		o.Organization = org
	}
}

// WithProject sets the OpenAI project id.
func WithProject(project string) Option {
	return func(o *Opts) {
		o.Project = project
	}
}

// WithMaxToolRounds overrides DefaultMaxToolRounds.
func WithMaxToolRounds(n int) Option {
	return func(o *Opts) {
		o.MaxToolRounds = n
	}
}

// OpenAIInvoker implements agent.Invoker on the chat completions API.
type OpenAIInvoker struct {
	chat          chatService
	maxToolRounds int
}

// NewOpenAIInvoker creates an invoker; an API key is required.
func NewOpenAIInvoker(opts ...Option) (*OpenAIInvoker, error) {
	cfg := Opts{MaxToolRounds: DefaultMaxToolRounds}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.Organization))
	}
	if cfg.Project != "" {
		reqOpts = append(reqOpts, option.WithProject(cfg.Project))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("NewOpenAIInvoker: client created", "org_set", cfg.Organization != "", "project_set", cfg.Project != "")
	return &OpenAIInvoker{chat: &cli.Chat.Completions, maxToolRounds: cfg.MaxToolRounds}, nil
}

// toolParams converts agent tools into OpenAI function definitions.
func toolParams(tools []agent.Tool) []openai.ChatCompletionToolParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionToolParam{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		})
	}
	return out
}

// Invoke implements agent.Invoker. Tool calls are executed and fed back until
// the model answers with text or the round limit is reached.
func (c *OpenAIInvoker) Invoke(ctx context.Context, req agent.Request) (any, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(req.Instruction),
		openai.UserMessage(req.Message),
	}
	tools := toolParams(req.Tools)

	for round := 0; ; round++ {
		params := openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(req.Model),
			Messages: messages,
		}
		// The last round withholds tools so the model has to answer in text.
		if round < c.maxToolRounds {
			params.Tools = tools
		}
		resp, err := c.chat.New(ctx, params)
		if err != nil {
			slog.Error("OpenAIInvoker.Invoke: completion failed", "model", req.Model, "round", round, "error", err)
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, ErrNoChoicesReturned
		}
		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			return msg.Content, nil
		}

		slog.Debug("OpenAIInvoker.Invoke: executing tools", "model", req.Model, "round", round, "count", len(msg.ToolCalls))
		messages = append(messages, assistantWithToolCalls(msg))
		for _, call := range msg.ToolCalls {
			result := runTool(ctx, req, call.Function.Name, call.Function.Arguments)
			messages = append(messages, openai.ToolMessage(result, call.ID))
		}
	}
}

// assistantWithToolCalls echoes the model's tool calls back so the tool
// results that follow can reference their ids.
func assistantWithToolCalls(msg openai.ChatCompletionMessage) openai.ChatCompletionMessageParamUnion {
	calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		calls = append(calls, openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	assistant := openai.ChatCompletionAssistantMessageParam{
		Content: openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: param.NewOpt(msg.Content),
		},
		ToolCalls: calls,
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

// runTool executes one call; failures are reported back to the model as text.
func runTool(ctx context.Context, req agent.Request, name, arguments string) string {
	tool, ok := agent.FindTool(req.Tools, name)
	if !ok {
		slog.Warn("runTool: unknown tool", "tool", name)
		return fmt.Sprintf(`{"error":"unknown tool %s"}`, name)
	}
	out, err := tool.Handler(ctx, req.Session, json.RawMessage(arguments))
	if err != nil {
		slog.Warn("runTool: tool failed", "tool", name, "error", err)
		data, _ := json.Marshal(map[string]string{"error": err.Error()})
		return string(data)
	}
	return out
}
