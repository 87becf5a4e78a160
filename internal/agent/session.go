package agent

import (
	"context"
	"strings"
	"sync"

	"github.com/flowoff/flowcloser/internal/models"
)

// DefaultMaxHistory is how many turns a session store keeps per conversation.
const DefaultMaxHistory = 20

// Session is the per-invocation state handed to the model invoker and its tools.
// A new Session is built for every attempt; attempts never share one.
type Session struct {
	Key     string
	AppName string
	Channel string
	UserID  string
	State   map[string]any
}

// SessionKey identifies a conversation as <app>:<channel>:<user>.
func SessionKey(app, channel, userID string) string {
	return app + ":" + channel + ":" + userID
}

// newSessionState seeds the state the way every conversation starts, then
// merges the caller context over it.
func newSessionState(channel string, extra map[string]any) map[string]any {
	state := map[string]any{
		"channel":     channel,
		"lead_intent": "unknown",
		"lead": map[string]any{
			"intent":     "unknown",
			"painPoints": []string{},
			"source":     channel,
		},
		"micro_offers": []string{},
	}
	for k, v := range extra {
		state[k] = v
	}
	return state
}

// SessionStore persists conversation turns across invocations.
type SessionStore interface {
	// Load returns the stored turns, oldest first.
	Load(ctx context.Context, key string) ([]models.Turn, error)
	// Append adds turns and trims the history to the store's bound.
	Append(ctx context.Context, key string, turns ...models.Turn) error
	// Delete removes every conversation of a user, across apps and channels.
	Delete(ctx context.Context, userID string) error
}

// MemorySessionStore keeps bounded histories in process memory.
type MemorySessionStore struct {
	mu      sync.Mutex
	max     int
	history map[string][]models.Turn
}

// NewMemorySessionStore creates a store that keeps the last maxTurns turns per key.
func NewMemorySessionStore(maxTurns int) *MemorySessionStore {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxHistory
	}
	return &MemorySessionStore{max: maxTurns, history: make(map[string][]models.Turn)}
}

// Load implements SessionStore.
func (m *MemorySessionStore) Load(ctx context.Context, key string) ([]models.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[key]
	out := make([]models.Turn, len(h))
	copy(out, h)
	return out, nil
}

// Append implements SessionStore.
func (m *MemorySessionStore) Append(ctx context.Context, key string, turns ...models.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.history[key], turns...)
	if len(h) > m.max {
		h = append([]models.Turn(nil), h[len(h)-m.max:]...)
	}
	m.history[key] = h
	return nil
}

// Delete implements SessionStore.
func (m *MemorySessionStore) Delete(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.history {
		if strings.HasSuffix(key, ":"+userID) {
			delete(m.history, key)
		}
	}
	return nil
}
