package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flowoff/flowcloser/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultSessionTTL is how long an idle conversation is kept in Redis.
const DefaultSessionTTL = 7 * 24 * time.Hour

// RedisSessionStore keeps each conversation as a Redis list of JSON turns.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
	max    int
	ttl    time.Duration
}

// NewRedisSessionStore connects to redisURL and verifies the connection.
func NewRedisSessionStore(ctx context.Context, redisURL string, maxTurns int, ttl time.Duration) (*RedisSessionStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxHistory
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	slog.Debug("NewRedisSessionStore: connected", "addr", opts.Addr, "max_turns", maxTurns, "ttl", ttl)
	return &RedisSessionStore{client: client, prefix: "session:", max: maxTurns, ttl: ttl}, nil
}

func (s *RedisSessionStore) redisKey(key string) string {
	return s.prefix + key
}

// Load implements SessionStore.
func (s *RedisSessionStore) Load(ctx context.Context, key string) ([]models.Turn, error) {
	raw, err := s.client.LRange(ctx, s.redisKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", key, err)
	}
	turns := make([]models.Turn, 0, len(raw))
	for _, item := range raw {
		var t models.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			slog.Warn("RedisSessionStore.Load: skipping malformed turn", "error", err, "key", key)
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Append implements SessionStore.
func (s *RedisSessionStore) Append(ctx context.Context, key string, turns ...models.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(turns))
	for _, t := range turns {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to encode turn: %w", err)
		}
		values = append(values, data)
	}
	rk := s.redisKey(key)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, rk, values...)
	pipe.LTrim(ctx, rk, int64(-s.max), -1)
	pipe.Expire(ctx, rk, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append session %s: %w", key, err)
	}
	return nil
}

// globEscaper quotes the characters SCAN MATCH treats as wildcards.
var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// userPattern matches every session key of userID, whatever the app and channel.
func userPattern(prefix, userID string) string {
	return globEscaper.Replace(prefix) + "*:" + globEscaper.Replace(userID)
}

// Delete implements SessionStore.
func (s *RedisSessionStore) Delete(ctx context.Context, userID string) error {
	iter := s.client.Scan(ctx, 0, userPattern(s.prefix, userID), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan sessions of %s: %w", userID, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete sessions of %s: %w", userID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}
