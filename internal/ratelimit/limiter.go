// Package ratelimit provides a sliding-window rate limiter for the
// authentication endpoints. The limiter is advisory: it slows abuse
// down, while the lockout engine provides the hard per-identity
// guarantee. A broken limiter store therefore fails open instead of
// taking logins down with it.
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Store counts events in a sliding window. Add records one event under
// the key and returns the number of events currently inside the window
// together with the oldest event's timestamp.
type Store interface {
	Add(ctx context.Context, key string, now time.Time, window time.Duration) (count int64, oldest time.Time, err error)
}

// Rule is the limit applied to one endpoint class.
type Rule struct {
	// Limit is the number of attempts allowed per window.
	Limit int
	// Window is the sliding window length.
	Window time.Duration
	// ChallengeAfter, when positive, marks decisions past this count as
	// requiring an additional challenge even while still allowed.
	ChallengeAfter int
}

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed           bool
	Remaining         int
	RetryAfter        time.Duration
	ChallengeRequired bool
}

// Limiter applies rules against a store.
type Limiter struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLimiter creates a limiter over the given store.
func NewLimiter(store Store, logger *slog.Logger) *Limiter {
	return &Limiter{store: store, logger: logger, now: time.Now}
}

// Allow records one attempt under the key and decides whether it may
// proceed. Attempts are counted even when denied, so hammering a denied
// endpoint extends the denial. A store failure allows the attempt and
// logs; the hard lockout path does not run through here.
func (l *Limiter) Allow(ctx context.Context, key string, rule Rule) Decision {
	now := l.now()

	count, oldest, err := l.store.Add(ctx, key, now, rule.Window)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, allowing request", "key", key, "error", err)
		return Decision{Allowed: true, Remaining: rule.Limit}
	}

	d := Decision{
		Allowed:   count <= int64(rule.Limit),
		Remaining: rule.Limit - int(count),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = oldest.Add(rule.Window).Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	if rule.ChallengeAfter > 0 && count >= int64(rule.ChallengeAfter) {
		d.ChallengeRequired = true
	}
	return d
}
