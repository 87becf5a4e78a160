package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/flowoff/flowcloser/internal/models"
)

type invokeResult struct {
	out any
	err error
}

// mockInvoker returns a scripted result per model and records every request.
type mockInvoker struct {
	mu       sync.Mutex
	results  map[string]invokeResult
	requests []Request
}

func (m *mockInvoker) Invoke(ctx context.Context, req Request) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	r := m.results[req.Model]
	return r.out, r.err
}

func (m *mockInvoker) calls(model string) []Request {
	var out []Request
	for _, r := range m.requests {
		if r.Model == model {
			out = append(out, r)
		}
	}
	return out
}

func newTestOrchestrator(inv Invoker, opts ...Option) *Orchestrator {
	return NewOrchestrator(inv, append([]Option{WithModels("primary", "secondary")}, opts...)...)
}

func TestAskPrimarySucceeds(t *testing.T) {
	inv := &mockInvoker{results: map[string]invokeResult{"primary": {out: "E aí! O que te trouxe aqui?"}}}
	var hooked []Result
	o := newTestOrchestrator(inv, WithHooks(func(ctx context.Context, res Result) { hooked = append(hooked, res) }))

	got, err := o.Ask(context.Background(), "oi", AskOptions{Channel: "whatsapp", UserID: "5511"})
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	if got != "E aí! O que te trouxe aqui?" {
		t.Errorf("unexpected reply %q", got)
	}
	if len(inv.calls("secondary")) != 0 {
		t.Error("fallback must not run when primary succeeds")
	}
	if len(hooked) != 1 || hooked[0].Model != "primary" || hooked[0].FallbackUsed || hooked[0].Channel != "whatsapp" {
		t.Errorf("hook not called with primary result: %+v", hooked)
	}
	req := inv.requests[0]
	if req.Session.Key != "flowcloser:whatsapp:5511" || req.Session.State["channel"] != "whatsapp" {
		t.Errorf("unexpected session: %+v", req.Session)
	}
}

func TestAskFallsBackExactlyOnce(t *testing.T) {
	inv := &mockInvoker{results: map[string]invokeResult{
		"primary":   {err: errors.New("rate limited")},
		"secondary": {out: "resposta do fallback"},
	}}
	var hooked []Result
	o := newTestOrchestrator(inv, WithHooks(func(ctx context.Context, res Result) { hooked = append(hooked, res) }))
	askCtx := map[string]any{"page_id": "p1"}

	got, err := o.Ask(context.Background(), "quero um site", AskOptions{UserID: "u", Context: askCtx})
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	if got != "resposta do fallback" {
		t.Errorf("unexpected reply %q", got)
	}
	primary, secondary := inv.calls("primary"), inv.calls("secondary")
	if len(primary) != 1 || len(secondary) != 1 {
		t.Fatalf("expected one call per model, got %d/%d", len(primary), len(secondary))
	}
	if secondary[0].Message != primary[0].Message || secondary[0].Instruction != primary[0].Instruction {
		t.Error("fallback must receive the same message and instruction")
	}
	if secondary[0].Session == primary[0].Session {
		t.Error("fallback must get a fresh session")
	}
	if secondary[0].Session.State["page_id"] != "p1" {
		t.Error("fallback session must carry the same context")
	}
	if len(hooked) != 1 || !hooked[0].FallbackUsed || hooked[0].Model != "secondary" || hooked[0].Stage != StageConversion {
		t.Errorf("unexpected hook result: %+v", hooked)
	}
}

func TestAskErrorPrefixCountsAsFailure(t *testing.T) {
	inv := &mockInvoker{results: map[string]invokeResult{
		"primary":   {out: "Error: model overloaded"},
		"secondary": {out: "ok"},
	}}
	got, err := newTestOrchestrator(inv).Ask(context.Background(), "oi", AskOptions{})
	if err != nil || got != "ok" {
		t.Fatalf("expected fallback reply, got %q, %v", got, err)
	}
}

func TestAskBothFail(t *testing.T) {
	inv := &mockInvoker{results: map[string]invokeResult{
		"primary":   {err: errors.New("primary exploded")},
		"secondary": {out: "Error: secondary quota exceeded"},
	}}
	hookCalled := false
	o := newTestOrchestrator(inv, WithHooks(func(context.Context, Result) { hookCalled = true }))

	_, err := o.Ask(context.Background(), "oi", AskOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	var fe *FallbackError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FallbackError, got %T", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "primary exploded") || !strings.Contains(msg, "secondary quota exceeded") {
		t.Errorf("combined error missing a cause: %s", msg)
	}
	if len(inv.calls("primary")) != 1 || len(inv.calls("secondary")) != 1 {
		t.Error("each model must be tried exactly once")
	}
	if hookCalled {
		t.Error("hooks must not run on failure")
	}
}

func TestAskSerializesNonStringResponses(t *testing.T) {
	inv := &mockInvoker{results: map[string]invokeResult{"primary": {out: map[string]any{"text": "oi"}}}}
	got, err := newTestOrchestrator(inv).Ask(context.Background(), "oi", AskOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got != `{"text":"oi"}` {
		t.Errorf("got %q", got)
	}
}

func TestAskResolvesIdentity(t *testing.T) {
	inv := &mockInvoker{results: map[string]invokeResult{"primary": {out: "ok"}}}
	o := newTestOrchestrator(inv)

	o.Ask(context.Background(), "oi", AskOptions{})
	o.Ask(context.Background(), "oi", AskOptions{Context: map[string]any{"channel": "whatsapp", "userId": "ctx-user"}})
	o.Ask(context.Background(), "oi", AskOptions{Channel: "api", UserID: "explicit", Context: map[string]any{"channel": "whatsapp", "userId": "ctx-user"}})

	want := []string{"flowcloser:instagram:user", "flowcloser:whatsapp:ctx-user", "flowcloser:api:explicit"}
	for i, w := range want {
		if got := inv.requests[i].Session.Key; got != w {
			t.Errorf("call %d key = %s, want %s", i, got, w)
		}
	}
}

func TestAskKeepsHistory(t *testing.T) {
	inv := &mockInvoker{results: map[string]invokeResult{"primary": {out: "Para quando?"}}}
	o := newTestOrchestrator(inv)
	ctx := context.Background()

	o.Ask(ctx, "quero um site", AskOptions{UserID: "u"})
	o.Ask(ctx, "em 2 semanas", AskOptions{UserID: "u"})

	second := inv.requests[1].Instruction
	if !strings.Contains(second, "1. [USER]: quero um site") || !strings.Contains(second, "2. [YOU]: Para quando?") {
		t.Errorf("history missing from second instruction:\n%s", second)
	}
	hist, _ := o.Sessions().Load(ctx, "flowcloser:instagram:u")
	if len(hist) != 4 {
		t.Errorf("expected 4 stored turns, got %d", len(hist))
	}
}

func TestAskUsesCallerHistoryWhenStoreIsEmpty(t *testing.T) {
	inv := &mockInvoker{results: map[string]invokeResult{"primary": {out: "ok"}}}
	o := newTestOrchestrator(inv)
	o.Ask(context.Background(), "oi", AskOptions{History: []models.Turn{{Role: models.RoleUser, Content: "sou a Lia"}}})
	if !strings.Contains(inv.requests[0].Instruction, "[USER]: sou a Lia") {
		t.Error("caller history not used")
	}
}

type failingSessions struct{ *MemorySessionStore }

func (failingSessions) Load(context.Context, string) ([]models.Turn, error) {
	return nil, errors.New("redis down")
}

func TestAskContinuesWhenSessionStoreFails(t *testing.T) {
	inv := &mockInvoker{results: map[string]invokeResult{"primary": {out: "ok"}}}
	o := newTestOrchestrator(inv, WithSessionStore(&failingSessions{NewMemorySessionStore(0)}))
	if _, err := o.Ask(context.Background(), "oi", AskOptions{}); err != nil {
		t.Fatalf("session failure should not fail Ask: %v", err)
	}
}

func TestAskRejectsEmptyMessage(t *testing.T) {
	o := newTestOrchestrator(&mockInvoker{})
	if _, err := o.Ask(context.Background(), "  ", AskOptions{}); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestAskPassesUserProfileToInstruction(t *testing.T) {
	inv := &mockInvoker{results: map[string]invokeResult{"primary": {out: "ok"}}}
	o := newTestOrchestrator(inv)
	o.Ask(context.Background(), "oi", AskOptions{Context: map[string]any{
		"user":         map[string]any{"name": "Duda", "location": "Salvador"},
		"projectStage": "rascunho",
	}})
	instr := inv.requests[0].Instruction
	for _, want := range []string{"Nome: Duda", "Localização: Salvador", "Estágio do projeto: rascunho"} {
		if !strings.Contains(instr, want) {
			t.Errorf("instruction missing %q", want)
		}
	}
}
