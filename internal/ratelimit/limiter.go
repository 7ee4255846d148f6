// Package ratelimit bounds outbound calls to the external analysis service
// on two axes: a sliding-window request rate and a token budget per period.
// Cost is charged pessimistically when a grant is acquired and reconciled
// once the real call's cost is known.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Errors returned by Acquire.
var (
	// ErrInvalidConfig is returned by New for unusable limits.
	ErrInvalidConfig = errors.New("invalid rate limiter configuration")

	// ErrRateLimitExceeded is returned when the caller's deadline elapsed
	// while waiting for a request slot. Retryable by the caller.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrBudgetExhausted is returned immediately when the period token
	// budget cannot cover the requested cost. Not retryable until the
	// next budget period; callers must not queue behind it.
	ErrBudgetExhausted = errors.New("token budget exhausted for current period")
)

// window is the rolling interval over which the request count is enforced.
const window = time.Minute

// Config holds limiter construction settings.
type Config struct {
	// RequestsPerMinute caps grants inside any rolling one-minute window.
	RequestsPerMinute int

	// BudgetTokens is the token budget per budget period.
	BudgetTokens int64

	// BudgetPeriod is the span over which BudgetTokens applies
	// (typically 24h). The budget resets when a period elapses.
	BudgetPeriod time.Duration
}

// QuotaState is a read-only view of the limiter's accounting. Values are
// monotonic within a period and never negative.
type QuotaState struct {
	WindowStart    time.Time `json:"window_start"`
	CallsMade      int       `json:"calls_made"`
	TokensUsed     int64     `json:"tokens_used"`
	LimitPerWindow int       `json:"limit_per_window"`
}

// Limiter implements the dual request/token accounting. A single mutex
// owns the window slice and the period counters; every mutation path goes
// through it.
type Limiter struct {
	mu          sync.Mutex
	cfg         Config
	grants      []time.Time // grant timestamps inside the rolling window
	periodStart time.Time
	tokensUsed  int64
	logger      *slog.Logger
}

// Grant represents one admitted request with its pessimistic token charge.
type Grant struct {
	lim        *Limiter
	charged    int64
	reconciled bool
}

// New builds a limiter.
func New(cfg Config, logger *slog.Logger) (*Limiter, error) {
	if cfg.RequestsPerMinute <= 0 {
		return nil, fmt.Errorf("%w: requests per minute must be positive, got %d",
			ErrInvalidConfig, cfg.RequestsPerMinute)
	}
	if cfg.BudgetTokens <= 0 {
		return nil, fmt.Errorf("%w: budget tokens must be positive, got %d",
			ErrInvalidConfig, cfg.BudgetTokens)
	}
	if cfg.BudgetPeriod <= 0 {
		return nil, fmt.Errorf("%w: budget period must be positive, got %s",
			ErrInvalidConfig, cfg.BudgetPeriod)
	}
	return &Limiter{
		cfg:         cfg,
		periodStart: time.Now(),
		logger:      logger.With("component", "ratelimit"),
	}, nil
}

// Acquire blocks until a request slot is free or ctx expires, charging
// cost tokens pessimistically on success. Budget exhaustion fails fast
// without waiting, leaving tokens_used untouched; no call may be made for
// a refused acquire.
func (l *Limiter) Acquire(ctx context.Context, cost int64) (*Grant, error) {
	if cost < 0 {
		cost = 0
	}
	for {
		l.mu.Lock()
		now := time.Now()
		l.rollPeriodLocked(now)

		if l.tokensUsed+cost > l.cfg.BudgetTokens {
			used := l.tokensUsed
			l.mu.Unlock()
			return nil, fmt.Errorf("%w: need %d tokens, %d of %d used",
				ErrBudgetExhausted, cost, used, l.cfg.BudgetTokens)
		}

		l.pruneWindowLocked(now)
		if len(l.grants) < l.cfg.RequestsPerMinute {
			l.grants = append(l.grants, now)
			l.tokensUsed += cost
			l.mu.Unlock()
			return &Grant{lim: l, charged: cost}, nil
		}

		// Window full: the next slot frees when the oldest grant ages out.
		wait := l.grants[0].Add(window).Sub(now)
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			// Retry with fresh accounting.
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", ErrRateLimitExceeded, ctx.Err())
		}
	}
}

// Reconcile adjusts the grant's pessimistic charge to the actual cost of
// the call. A failed call reconciles with zero to refund the full charge.
// The period's tokens_used never drops below zero, and a grant reconciles
// at most once.
func (g *Grant) Reconcile(actual int64) {
	if g == nil {
		return
	}
	if actual < 0 {
		actual = 0
	}

	g.lim.mu.Lock()
	defer g.lim.mu.Unlock()
	if g.reconciled {
		return
	}
	g.reconciled = true

	g.lim.tokensUsed += actual - g.charged
	if g.lim.tokensUsed < 0 {
		g.lim.tokensUsed = 0
	}
}

// Remaining returns the tokens left in the current budget period.
func (l *Limiter) Remaining() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollPeriodLocked(time.Now())
	return l.cfg.BudgetTokens - l.tokensUsed
}

// State returns a copy of the current quota accounting.
func (l *Limiter) State() QuotaState {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.rollPeriodLocked(now)
	l.pruneWindowLocked(now)

	windowStart := l.periodStart
	if len(l.grants) > 0 {
		windowStart = l.grants[0]
	}
	return QuotaState{
		WindowStart:    windowStart,
		CallsMade:      len(l.grants),
		TokensUsed:     l.tokensUsed,
		LimitPerWindow: l.cfg.RequestsPerMinute,
	}
}

// rollPeriodLocked resets the token accounting when a budget period has
// fully elapsed. Callers hold the mutex.
func (l *Limiter) rollPeriodLocked(now time.Time) {
	if now.Sub(l.periodStart) >= l.cfg.BudgetPeriod {
		l.logger.Info("budget period rolled over",
			"tokens_used", l.tokensUsed,
			"budget", l.cfg.BudgetTokens)
		l.periodStart = now
		l.tokensUsed = 0
	}
}

// pruneWindowLocked drops grant timestamps older than the rolling window.
// Callers hold the mutex.
func (l *Limiter) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-window)
	idx := 0
	for idx < len(l.grants) && !l.grants[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.grants = append(l.grants[:0], l.grants[idx:]...)
	}
}
