// Package guard holds short-lived anti-abuse state: seen nonces and
// fixed-window rate limits.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceGuard records a nonce as used. Claim returns false when it was
// already claimed within ttl.
type NonceGuard interface {
	Claim(ctx context.Context, scope, nonce string, ttl time.Duration) (bool, error)
}

// RateLimiter counts events per key in fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

func nonceKey(scope, nonce string) string {
	return "nonce:" + scope + ":" + nonce
}

func rateKey(key string) string {
	return "ratelimit:" + key
}

type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Claim(ctx context.Context, scope, nonce string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, nonceKey(scope, nonce), "1", ttl).Result()
}

func (r *Redis) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	k := rateKey(key)
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= int64(limit), nil
}

// Memory is the in-process implementation used with the memory store and in
// tests. State is lost on restart.
type Memory struct {
	mu      sync.Mutex
	nonces  map[string]time.Time
	windows map[string]window
	nowF    func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		nonces:  make(map[string]time.Time),
		windows: make(map[string]window),
		nowF:    time.Now,
	}
}

func (m *Memory) Claim(_ context.Context, scope, nonce string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowF()
	m.evictLocked(now)
	k := nonceKey(scope, nonce)
	if exp, ok := m.nonces[k]; ok && now.Before(exp) {
		return false, nil
	}
	m.nonces[k] = now.Add(ttl)
	return true, nil
}

func (m *Memory) Allow(_ context.Context, key string, limit int, win time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowF()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = window{resetAt: now.Add(win)}
	}
	w.count++
	m.windows[key] = w
	return w.count <= limit, nil
}

func (m *Memory) evictLocked(now time.Time) {
	for k, exp := range m.nonces {
		if !now.Before(exp) {
			delete(m.nonces, k)
		}
	}
}
