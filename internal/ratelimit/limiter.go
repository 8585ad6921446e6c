// Package ratelimit enforces a cooldown between accepted write actions of the
// same type by the same identity. State lives in a shared Store so every
// server instance sees the same timestamps.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/metrics"
)

// Action types guarded by the limiter.
const (
	ActionQuestion = "question"
	ActionAnswer   = "answer"
)

// DefaultWindow is the cooldown used when none is configured.
const DefaultWindow = time.Minute

// RejectedError is returned when an action falls inside the cooldown window.
type RejectedError struct {
	Action           string
	Window           time.Duration
	RemainingSeconds int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected by rate limit: retry in %ds", e.Action, e.RemainingSeconds)
}

func (e *RejectedError) Unwrap() error {
	return apperrors.ErrRateLimited
}

// PublicMessage is the text returned to clients.
func (e *RejectedError) PublicMessage() string {
	return fmt.Sprintf("Only one %s per %s. Please try again in %d seconds",
		e.Action, windowName(e.Window), e.RemainingSeconds)
}

func windowName(d time.Duration) string {
	switch d {
	case time.Second:
		return "second"
	case time.Minute:
		return "minute"
	case time.Hour:
		return "hour"
	default:
		return d.String()
	}
}

// Key returns the store key for an (action, identity) pair.
func Key(action, identity string) string {
	return action + "-" + identity
}

// Limiter applies the cooldown. It offers two APIs:
//
//   - CheckAndReserve followed by Record. The two calls are separate round
//     trips, so two concurrent requests from one identity can both pass the
//     check before either records. Kept for the check-then-record mode.
//   - Acquire, a single conditional write executed atomically by the store.
type Limiter struct {
	store   Store
	window  time.Duration
	mode    string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Limiter. A zero window falls back to DefaultWindow and an
// empty mode to atomic.
func New(store Store, cfg config.RateLimitConfig, m *metrics.Metrics) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Mode == "" {
		cfg.Mode = config.RateLimitModeAtomic
	}
	return &Limiter{
		store:   store,
		window:  cfg.Window,
		mode:    cfg.Mode,
		metrics: m,
		logger:  slog.Default().With("component", "ratelimit", "mode", cfg.Mode),
	}
}

// Window returns the configured cooldown.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// CheckAndReserve reports whether identity may perform action at now. A
// missing entry counts as the epoch. It does not write anything; callers
// must call Record once the guarded action has completed.
func (l *Limiter) CheckAndReserve(ctx context.Context, action, identity string, now time.Time) error {
	last, err := l.store.Last(ctx, Key(action, identity))
	if err != nil {
		l.observe(action, "error")
		return fmt.Errorf("reading rate limit entry: %w", err)
	}
	elapsed := now.Sub(last)
	if elapsed < l.window {
		l.observe(action, "rejected")
		return l.rejected(action, l.window-elapsed)
	}
	l.observe(action, "allowed")
	return nil
}

// Record overwrites the stored timestamp for (action, identity).
func (l *Limiter) Record(ctx context.Context, action, identity string, ts time.Time) error {
	if err := l.store.Put(ctx, Key(action, identity), ts); err != nil {
		return fmt.Errorf("recording rate limit entry: %w", err)
	}
	return nil
}

// Acquire atomically stores now as the latest accepted action if at least
// one window has passed since the stored timestamp, and rejects otherwise.
func (l *Limiter) Acquire(ctx context.Context, action, identity string, now time.Time) error {
	remaining, err := l.store.PutIfElapsed(ctx, Key(action, identity), now, l.window)
	if err != nil {
		l.observe(action, "error")
		return fmt.Errorf("acquiring rate limit slot: %w", err)
	}
	if remaining > 0 {
		l.observe(action, "rejected")
		return l.rejected(action, remaining)
	}
	l.observe(action, "allowed")
	return nil
}

// Reservation is an accepted slot. Commit must be called after the guarded
// write succeeds and Cancel after it fails; calling neither leaves the slot
// consumed in atomic mode and unrecorded in check-then-record mode.
type Reservation struct {
	l        *Limiter
	action   string
	identity string
	at       time.Time
	held     bool
}

// Commit records the action if the configured mode has not already done so.
func (r *Reservation) Commit(ctx context.Context) error {
	if r == nil || r.held {
		return nil
	}
	return r.l.Record(ctx, r.action, r.identity, r.at)
}

// Cancel returns a slot taken by Acquire, provided no other write replaced
// it in the meantime.
func (r *Reservation) Cancel(ctx context.Context) error {
	if r == nil || !r.held {
		return nil
	}
	if err := r.l.store.DeleteIfEqual(ctx, Key(r.action, r.identity), r.at); err != nil {
		return fmt.Errorf("releasing rate limit slot: %w", err)
	}
	return nil
}

// Reserve applies the configured mode: Acquire in atomic mode, or
// CheckAndReserve with Record deferred to Commit in check-then-record mode.
func (l *Limiter) Reserve(ctx context.Context, action, identity string, now time.Time) (*Reservation, error) {
	r := &Reservation{l: l, action: action, identity: identity, at: now}
	if l.mode == config.RateLimitModeCheckThenRecord {
		if err := l.CheckAndReserve(ctx, action, identity, now); err != nil {
			return nil, err
		}
		return r, nil
	}
	if err := l.Acquire(ctx, action, identity, now); err != nil {
		return nil, err
	}
	r.held = true
	return r, nil
}

func (l *Limiter) rejected(action string, remaining time.Duration) *RejectedError {
	secs := int(math.Ceil(remaining.Seconds()))
	l.logger.Debug("action rejected", "action", action, "remaining_seconds", secs)
	return &RejectedError{Action: action, Window: l.window, RemainingSeconds: secs}
}

func (l *Limiter) observe(action, result string) {
	l.metrics.RateLimitDecisions.WithLabelValues(action, result).Inc()
}
