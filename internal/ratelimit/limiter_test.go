package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fixedClockLimiter struct {
	limiter *Limiter
	store   *MemoryStore
	mu      sync.Mutex
	now     time.Time
}

func newFixedClockLimiter(t *testing.T) *fixedClockLimiter {
	t.Helper()
	f := &fixedClockLimiter{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	f.store = NewMemoryStore(time.Minute)
	t.Cleanup(f.store.Stop)
	f.limiter = NewLimiter(f.store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.limiter.now = func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.now
	}
	return f
}

func (f *fixedClockLimiter) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestLimiterAllowsUnderLimit(t *testing.T) {
	f := newFixedClockLimiter(t)
	ctx := context.Background()
	rule := Rule{Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		d := f.limiter.Allow(ctx, "login:user@example.com", rule)
		if !d.Allowed {
			t.Fatalf("attempt %d denied under the limit", i+1)
		}
		if d.Remaining != 3-(i+1) {
			t.Errorf("attempt %d remaining = %d, want %d", i+1, d.Remaining, 3-(i+1))
		}
		f.advance(time.Second)
	}

	d := f.limiter.Allow(ctx, "login:user@example.com", rule)
	if d.Allowed {
		t.Fatal("attempt over the limit allowed")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want within (0, 1m]", d.RetryAfter)
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	f := newFixedClockLimiter(t)
	ctx := context.Background()
	rule := Rule{Limit: 2, Window: time.Minute}

	f.limiter.Allow(ctx, "k", rule)
	f.limiter.Allow(ctx, "k", rule)
	if d := f.limiter.Allow(ctx, "k", rule); d.Allowed {
		t.Fatal("third attempt inside window allowed")
	}

	// Once the first attempts slide out, capacity returns.
	f.advance(61 * time.Second)
	if d := f.limiter.Allow(ctx, "k", rule); !d.Allowed {
		t.Fatal("attempt after window slid denied")
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	f := newFixedClockLimiter(t)
	ctx := context.Background()
	rule := Rule{Limit: 1, Window: time.Minute}

	f.limiter.Allow(ctx, "login:a@example.com", rule)
	if d := f.limiter.Allow(ctx, "login:a@example.com", rule); d.Allowed {
		t.Fatal("second attempt for a allowed")
	}
	if d := f.limiter.Allow(ctx, "login:b@example.com", rule); !d.Allowed {
		t.Fatal("first attempt for b denied by a's limit")
	}
}

func TestLimiterChallengeThreshold(t *testing.T) {
	f := newFixedClockLimiter(t)
	ctx := context.Background()
	rule := Rule{Limit: 10, Window: time.Minute, ChallengeAfter: 3}

	for i := 1; i <= 5; i++ {
		d := f.limiter.Allow(ctx, "k", rule)
		if !d.Allowed {
			t.Fatalf("attempt %d denied under the limit", i)
		}
		want := i >= 3
		if d.ChallengeRequired != want {
			t.Errorf("attempt %d challenge = %v, want %v", i, d.ChallengeRequired, want)
		}
	}
}

type brokenStore struct{}

func (brokenStore) Add(context.Context, string, time.Time, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("store down")
}

func TestLimiterFailsOpen(t *testing.T) {
	limiter := NewLimiter(brokenStore{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	d := limiter.Allow(context.Background(), "k", Rule{Limit: 1, Window: time.Minute})
	if !d.Allowed {
		t.Fatal("limiter failed closed on a broken store")
	}
}

func TestMemoryStoreConcurrentAdds(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	t.Cleanup(store.Stop)
	ctx := context.Background()

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Add(ctx, "k", time.Now(), time.Minute)
		}()
	}
	wg.Wait()

	count, _, err := store.Add(ctx, "k", time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if count != n+1 {
		t.Fatalf("count = %d, want %d", count, n+1)
	}
}
