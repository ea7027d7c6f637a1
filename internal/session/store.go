// Package session supplies the access token the chat client forwards to the
// backend. It stands in for the browser cookie jar: tokens are stored, read
// fresh on every use and treated as missing once expired.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"medchat/internal/chat"
)

// TokenSource yields the current access token. Implementations return an
// error wrapping chat.ErrAuthMissing when there is none.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed token, mostly for tests and one-shot CLI use.
type Static string

func (s Static) Token(_ context.Context) (string, error) {
	return usable(string(s), time.Now())
}

// MemoryStore keeps the token in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	token string
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (m *MemoryStore) Save(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

func (m *MemoryStore) Token(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return usable(m.token, m.now())
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	return nil
}

const sessionPrefix = "session:"

// redisClient is the subset of *redis.Client the store uses.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore keeps one session's token in redis so several processes (CLI,
// load generator workers) can share a login.
type RedisStore struct {
	rdb       redisClient
	sessionID string
	now       func() time.Time
}

func NewRedisStore(rdb redisClient, sessionID string) *RedisStore {
	return &RedisStore{rdb: rdb, sessionID: sessionID, now: time.Now}
}

func (s *RedisStore) key() string {
	return sessionPrefix + s.sessionID
}

// Save stores the token, expiring the key together with the token's exp
// claim when it has one.
func (s *RedisStore) Save(ctx context.Context, token string) error {
	var ttl time.Duration
	if claims, err := ParseClaims(token); err == nil && !claims.ExpiresAt.IsZero() {
		ttl = claims.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return fmt.Errorf("save session: %w: token already expired", chat.ErrAuthMissing)
		}
	}
	if err := s.rdb.Set(ctx, s.key(), token, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisStore) Token(ctx context.Context) (string, error) {
	token, err := s.rdb.Get(ctx, s.key()).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("session %s: %w", s.sessionID, chat.ErrAuthMissing)
	}
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	return usable(token, s.now())
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key()).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// usable rejects empty and expired tokens. Opaque (non-JWT) tokens are
// passed through since only the backend can judge them.
func usable(token string, now time.Time) (string, error) {
	if token == "" {
		return "", chat.ErrAuthMissing
	}
	if claims, err := ParseClaims(token); err == nil && claims.Expired(now) {
		return "", fmt.Errorf("token expired at %s: %w", claims.ExpiresAt.Format(time.RFC3339), chat.ErrAuthMissing)
	}
	return token, nil
}
