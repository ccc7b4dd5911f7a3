// internal/monitor/seen.go
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeenStore remembers processed transaction signatures.
type SeenStore interface {
	// MarkSeen claims key and reports whether this call was the first to do so.
	MarkSeen(ctx context.Context, key string) (bool, error)
	// Forget releases a claim so the key can be processed again.
	Forget(ctx context.Context, key string) error
}

// MemorySeen is a process-local SeenStore with per-key expiry.
type MemorySeen struct {
	mu        sync.Mutex
	ttl       time.Duration
	entries   map[string]time.Time
	now       func() time.Time
	lastSweep time.Time
}

func NewMemorySeen(ttl time.Duration) *MemorySeen {
	return &MemorySeen{ttl: ttl, entries: make(map[string]time.Time), now: time.Now}
}

func (s *MemorySeen) MarkSeen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) >= s.ttl {
		for k, exp := range s.entries {
			if !now.Before(exp) {
				delete(s.entries, k)
			}
		}
		s.lastSweep = now
	}

	if exp, ok := s.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.entries[key] = now.Add(s.ttl)
	return true, nil
}

func (s *MemorySeen) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemorySeen) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RedisSeen shares the seen set across restarts.
type RedisSeen struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisSeen(ctx context.Context, opts *redis.Options, prefix string, ttl time.Duration) (*RedisSeen, error) {
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return &RedisSeen{client: client, prefix: prefix + "seen:", ttl: ttl}, nil
}

func (s *RedisSeen) MarkSeen(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark seen %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisSeen) Forget(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("forget %s: %w", key, err)
	}
	return nil
}

func (s *RedisSeen) Close() error {
	return s.client.Close()
}
