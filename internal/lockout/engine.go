package lockout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/marketlens/backend/internal/repository"
)

// Status describes the current lock state of an identity.
type Status struct {
	Locked     bool
	Permanent  bool
	Tier       int
	RetryAfter time.Duration
}

// Engagement reports the outcome of recording one failed attempt.
type Engagement struct {
	FailureCount int
	Engaged      bool
	Status       Status
}

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	// Window is the rolling window failed attempts are counted in.
	Window time.Duration
	// EscalationCooldown is how long a prior lockout keeps counting
	// toward permanent escalation.
	EscalationCooldown time.Duration
	// PermanentAfterLockouts escalates to a permanent lock when this
	// many lockouts engage within the cooldown of one another.
	PermanentAfterLockouts int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 15 * time.Minute
	}
	if c.EscalationCooldown <= 0 {
		c.EscalationCooldown = 24 * time.Hour
	}
	if c.PermanentAfterLockouts <= 0 {
		c.PermanentAfterLockouts = 3
	}
	return c
}

// Engine applies the escalation schedule on top of the lockout
// repository. All counter math happens in single conditional statements
// in the repository, so concurrent failures for one identity never lose
// updates and each threshold engages its lock exactly once.
type Engine struct {
	repo   repository.LockoutRepository
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a lockout engine.
func NewEngine(repo repository.LockoutRepository, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		repo:   repo,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// Check returns the identity's current lock status. A repository error
// is returned as-is: the caller must treat it as locked, not fall
// through to credential verification.
func (e *Engine) Check(ctx context.Context, identityID uuid.UUID) (Status, error) {
	state, err := e.repo.Get(ctx, identityID)
	if err != nil {
		if errors.Is(err, repository.ErrLockoutStateNotFound) {
			return Status{}, nil
		}
		return Status{}, fmt.Errorf("load lockout state: %w", err)
	}
	return e.statusOf(state), nil
}

// RecordFailure counts one failed attempt and engages the scheduled
// lock when the counter lands exactly on a threshold. Counting and
// engagement are each a single guarded statement, so among racing
// failures exactly one engages each lock.
func (e *Engine) RecordFailure(ctx context.Context, identityID uuid.UUID) (Engagement, error) {
	now := e.now()

	state, err := e.repo.IncrementFailure(ctx, identityID, now.Add(-e.cfg.Window))
	if err != nil {
		return Engagement{}, fmt.Errorf("count failure: %w", err)
	}

	result := Engagement{FailureCount: state.FailureCount, Status: e.statusOf(state)}

	th := thresholdFor(state.FailureCount)
	if th == nil {
		return result, nil
	}

	tier := th.tier
	var until *time.Time
	if e.escalatesToPermanent(state, now) {
		tier = repository.TierPermanent
	} else {
		t := now.Add(th.duration)
		until = &t
	}

	engaged, err := e.repo.EngageLock(ctx, identityID, state.FailureCount, until, tier)
	if err != nil {
		return Engagement{}, fmt.Errorf("engage lock: %w", err)
	}
	if !engaged {
		// A concurrent attempt on the same count won the guard.
		return result, nil
	}

	result.Engaged = true
	result.Status = Status{
		Locked:    true,
		Permanent: tier == repository.TierPermanent,
		Tier:      tier,
	}
	if until != nil {
		result.Status.RetryAfter = until.Sub(now)
	}

	e.logger.Warn("account lockout engaged",
		"identity_id", identityID,
		"failure_count", state.FailureCount,
		"tier", tier,
		"permanent", result.Status.Permanent,
	)
	return result, nil
}

// RecordSuccess clears the failure counter after a successful
// authentication. It never clears an active lock, and it leaves the
// lockout history intact while the escalation cooldown is running.
func (e *Engine) RecordSuccess(ctx context.Context, identityID uuid.UUID) error {
	err := e.repo.ResetOnSuccess(ctx, identityID, e.now().Add(-e.cfg.EscalationCooldown))
	if err != nil && !errors.Is(err, repository.ErrLockoutStateNotFound) {
		return fmt.Errorf("reset lockout state: %w", err)
	}
	return nil
}

// Unlock clears any lock, including a permanent one. Reserved for
// administrative use.
func (e *Engine) Unlock(ctx context.Context, identityID uuid.UUID) error {
	err := e.repo.Unlock(ctx, identityID)
	if err != nil {
		if errors.Is(err, repository.ErrLockoutStateNotFound) {
			return nil
		}
		return fmt.Errorf("unlock: %w", err)
	}
	e.logger.Info("account unlocked by administrator", "identity_id", identityID)
	return nil
}

func (e *Engine) statusOf(state *repository.LockoutState) Status {
	if state.Tier == repository.TierPermanent {
		return Status{Locked: true, Permanent: true, Tier: state.Tier}
	}
	if state.LockedUntil == nil {
		return Status{Tier: state.Tier}
	}
	remaining := state.LockedUntil.Sub(e.now())
	if remaining <= 0 {
		return Status{Tier: state.Tier}
	}
	return Status{Locked: true, Tier: state.Tier, RetryAfter: remaining}
}

// escalatesToPermanent reports whether the lock about to engage would
// be the identity's Nth lockout within the escalation cooldown.
func (e *Engine) escalatesToPermanent(state *repository.LockoutState, now time.Time) bool {
	if state.LockoutCount+1 < e.cfg.PermanentAfterLockouts {
		return false
	}
	return state.LastLockoutAt != nil && now.Sub(*state.LastLockoutAt) <= e.cfg.EscalationCooldown
}
