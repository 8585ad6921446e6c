package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/redis"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{Addr: mr.Addr(), PoolSize: 4})
	if err != nil {
		t.Fatalf("connecting to miniredis: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func newLimiter(t *testing.T, store Store, mode string) (*Limiter, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewNop()
	return New(store, config.RateLimitConfig{Window: time.Minute, Mode: mode}, m), m
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	rs, _ := newRedisStore(t)
	return map[string]Store{"redis": rs, "memory": NewMemoryStore()}
}

func TestCheckAndReserveBoundary(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l, _ := newLimiter(t, store, config.RateLimitModeCheckThenRecord)

			if err := l.CheckAndReserve(ctx, ActionQuestion, "u1", t0); err != nil {
				t.Fatalf("first action should pass: %v", err)
			}
			if err := l.Record(ctx, ActionQuestion, "u1", t0); err != nil {
				t.Fatalf("record: %v", err)
			}

			err := l.CheckAndReserve(ctx, ActionQuestion, "u1", t0.Add(30*time.Second))
			var rejected *RejectedError
			if !errors.As(err, &rejected) {
				t.Fatalf("expected RejectedError, got %v", err)
			}
			if rejected.RemainingSeconds != 30 {
				t.Errorf("remaining = %d, want 30", rejected.RemainingSeconds)
			}

			if err := l.CheckAndReserve(ctx, ActionQuestion, "u1", t0.Add(61*time.Second)); err != nil {
				t.Errorf("expected pass after window, got %v", err)
			}
			if err := l.CheckAndReserve(ctx, ActionAnswer, "u1", t0.Add(time.Second)); err != nil {
				t.Errorf("answers are limited separately: %v", err)
			}
			if err := l.CheckAndReserve(ctx, ActionQuestion, "u2", t0.Add(time.Second)); err != nil {
				t.Errorf("identities are limited separately: %v", err)
			}
		})
	}
}

func TestRemainingSecondsRoundsUp(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(t, NewMemoryStore(), config.RateLimitModeCheckThenRecord)
	_ = l.Record(ctx, ActionAnswer, "u1", t0)

	err := l.CheckAndReserve(ctx, ActionAnswer, "u1", t0.Add(59*time.Second+100*time.Millisecond))
	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.RemainingSeconds != 1 {
		t.Fatalf("expected 1 remaining second, got %v", err)
	}
}

func TestAcquireBoundary(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l, m := newLimiter(t, store, config.RateLimitModeAtomic)

			if err := l.Acquire(ctx, ActionQuestion, "u1", t0); err != nil {
				t.Fatalf("first acquire: %v", err)
			}
			err := l.Acquire(ctx, ActionQuestion, "u1", t0.Add(30*time.Second))
			var rejected *RejectedError
			if !errors.As(err, &rejected) || rejected.RemainingSeconds != 30 {
				t.Fatalf("expected 30s rejection, got %v", err)
			}
			if err := l.Acquire(ctx, ActionQuestion, "u1", t0.Add(60*time.Second)); err != nil {
				t.Fatalf("acquire exactly at window end: %v", err)
			}

			last, err := store.Last(ctx, Key(ActionQuestion, "u1"))
			if err != nil || !last.Equal(t0.Add(60*time.Second)) {
				t.Errorf("stored = %v, %v", last, err)
			}
			if got := testutil.ToFloat64(m.RateLimitDecisions.WithLabelValues(ActionQuestion, "rejected")); got != 1 {
				t.Errorf("rejected decisions = %v, want 1", got)
			}
		})
	}
}

func TestAcquireIsAtomicUnderContention(t *testing.T) {
	store, _ := newRedisStore(t)
	l, _ := newLimiter(t, store, config.RateLimitModeAtomic)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background(), ActionQuestion, "racer", t0); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if accepted != 1 {
		t.Fatalf("expected exactly one accepted action, got %d", accepted)
	}
}

func TestRedisStoreKeyFormat(t *testing.T) {
	store, mr := newRedisStore(t)
	l, _ := newLimiter(t, store, config.RateLimitModeAtomic)
	if err := l.Acquire(context.Background(), ActionAnswer, "alice", t0); err != nil {
		t.Fatal(err)
	}
	got, err := mr.Get("answer-alice")
	if err != nil {
		t.Fatalf("key missing: %v", err)
	}
	if got != "1700000000000" {
		t.Errorf("stored value = %q, want unix millis", got)
	}
	if mr.TTL("answer-alice") != 0 {
		t.Error("entries must not expire")
	}
}

func TestReserveModes(t *testing.T) {
	ctx := context.Background()

	t.Run("atomic reserves immediately", func(t *testing.T) {
		l, _ := newLimiter(t, NewMemoryStore(), config.RateLimitModeAtomic)
		r, err := l.Reserve(ctx, ActionQuestion, "u1", t0)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := l.Reserve(ctx, ActionQuestion, "u1", t0.Add(time.Second)); err == nil {
			t.Fatal("second reservation should be rejected before commit")
		}
		if err := r.Commit(ctx); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("atomic cancel frees the slot", func(t *testing.T) {
		l, _ := newLimiter(t, NewMemoryStore(), config.RateLimitModeAtomic)
		r, err := l.Reserve(ctx, ActionQuestion, "u1", t0)
		if err != nil {
			t.Fatal(err)
		}
		if err := r.Cancel(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := l.Reserve(ctx, ActionQuestion, "u1", t0.Add(time.Second)); err != nil {
			t.Fatalf("slot should be free after cancel: %v", err)
		}
	})

	t.Run("check-then-record records on commit", func(t *testing.T) {
		l, _ := newLimiter(t, NewMemoryStore(), config.RateLimitModeCheckThenRecord)
		r, err := l.Reserve(ctx, ActionQuestion, "u1", t0)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := l.Reserve(ctx, ActionQuestion, "u1", t0.Add(time.Second)); err != nil {
			t.Fatalf("nothing recorded yet, second check should pass: %v", err)
		}
		if err := r.Commit(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := l.Reserve(ctx, ActionQuestion, "u1", t0.Add(2*time.Second)); err == nil {
			t.Fatal("expected rejection after commit")
		}
	})
}

func TestCancelDoesNotRemoveNewerEntry(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	l, _ := newLimiter(t, store, config.RateLimitModeAtomic)

	r, err := l.Reserve(ctx, ActionQuestion, "u1", t0)
	if err != nil {
		t.Fatal(err)
	}
	_ = l.Record(ctx, ActionQuestion, "u1", t0.Add(time.Second))
	if err := r.Cancel(ctx); err != nil {
		t.Fatal(err)
	}
	last, _ := store.Last(ctx, Key(ActionQuestion, "u1"))
	if !last.Equal(t0.Add(time.Second)) {
		t.Errorf("newer entry was removed, stored = %v", last)
	}
}

func TestRejectedErrorMessage(t *testing.T) {
	err := error(&RejectedError{Action: ActionQuestion, Window: time.Minute, RemainingSeconds: 42})
	if !errors.Is(err, apperrors.ErrRateLimited) {
		t.Error("RejectedError must wrap ErrRateLimited")
	}
	want := "Only one question per minute. Please try again in 42 seconds"
	if got := apperrors.PublicMessage(err); got != want {
		t.Errorf("message = %q, want %q", got, want)
	}
	if apperrors.HTTPStatusCode(err) != 429 {
		t.Errorf("status = %d", apperrors.HTTPStatusCode(err))
	}
}

func TestLastOnEmptyStoreIsEpoch(t *testing.T) {
	store, _ := newRedisStore(t)
	last, err := store.Last(context.Background(), "question-nobody")
	if err != nil {
		t.Fatal(err)
	}
	if last.UnixMilli() != 0 {
		t.Errorf("expected epoch, got %v", last)
	}
}
