package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/redis"
)

// Store persists the latest accepted timestamp per key.
type Store interface {
	// Last returns the stored timestamp, or the zero Unix time when absent.
	Last(ctx context.Context, key string) (time.Time, error)
	// Put overwrites the stored timestamp.
	Put(ctx context.Context, key string, ts time.Time) error
	// PutIfElapsed stores now only if now minus the stored timestamp is at
	// least window. It returns the time left in the window when it refuses.
	PutIfElapsed(ctx context.Context, key string, now time.Time, window time.Duration) (time.Duration, error)
	// DeleteIfEqual removes the entry only while it still holds ts.
	DeleteIfEqual(ctx context.Context, key string, ts time.Time) error
}

// putIfElapsed runs as one Redis script so no other client can interleave
// between the read and the write. Values are unix milliseconds as strings.
var putIfElapsed = redis.NewScript(`
local last = tonumber(redis.call('GET', KEYS[1])) or 0
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local elapsed = now - last
if elapsed < window then
  return window - elapsed
end
redis.call('SET', KEYS[1], ARGV[1])
return 0
`)

var deleteIfEqual = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore keeps entries as plain string keys with no expiry.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Store backed by Redis.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Last(ctx context.Context, key string) (time.Time, error) {
	v, err := s.client.Get(ctx, key)
	if err != nil {
		if redis.IsNilError(err) {
			return time.UnixMilli(0), nil
		}
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp for %s: %w", key, err)
	}
	return time.UnixMilli(ms), nil
}

func (s *RedisStore) Put(ctx context.Context, key string, ts time.Time) error {
	return s.client.Set(ctx, key, formatMillis(ts), 0)
}

func (s *RedisStore) PutIfElapsed(ctx context.Context, key string, now time.Time, window time.Duration) (time.Duration, error) {
	remaining, err := s.client.RunInt(ctx, putIfElapsed, []string{key}, formatMillis(now), window.Milliseconds())
	if err != nil {
		return 0, err
	}
	return time.Duration(remaining) * time.Millisecond, nil
}

func (s *RedisStore) DeleteIfEqual(ctx context.Context, key string, ts time.Time) error {
	_, err := s.client.RunInt(ctx, deleteIfEqual, []string{key}, formatMillis(ts))
	return err
}

func formatMillis(ts time.Time) string {
	return strconv.FormatInt(ts.UnixMilli(), 10)
}

// MemoryStore is a process-local Store for single-instance runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]int64)}
}

func (s *MemoryStore) Last(_ context.Context, key string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.UnixMilli(s.entries[key]), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = ts.UnixMilli()
	return nil
}

func (s *MemoryStore) PutIfElapsed(_ context.Context, key string, now time.Time, window time.Duration) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := now.UnixMilli() - s.entries[key]
	if w := window.Milliseconds(); elapsed < w {
		return time.Duration(w-elapsed) * time.Millisecond, nil
	}
	s.entries[key] = now.UnixMilli()
	return 0, nil
}

func (s *MemoryStore) DeleteIfEqual(_ context.Context, key string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.entries[key]; ok && v == ts.UnixMilli() {
		delete(s.entries, key)
	}
	return nil
}
