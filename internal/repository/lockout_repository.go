package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Lockout repository errors
var (
	ErrLockoutStateNotFound = errors.New("lockout state not found")
)

// LockoutRepository persists per-identity failure counters. Every
// mutation is a single conditional statement; the counter is never read
// in one round trip and written back in another.
type LockoutRepository interface {
	Get(ctx context.Context, identityID uuid.UUID) (*LockoutState, error)
	// IncrementFailure atomically bumps the failure counter, restarting
	// the rolling window when it has lapsed (windowCutoff = now-window),
	// and returns the resulting state.
	IncrementFailure(ctx context.Context, identityID uuid.UUID, windowCutoff time.Time) (*LockoutState, error)
	// EngageLock sets the lock for the request that crossed a threshold.
	// The atCount guard makes engagement exactly-once: only the caller
	// whose increment produced that count wins. A nil until together
	// with TierPermanent is the indefinite lock.
	EngageLock(ctx context.Context, identityID uuid.UUID, atCount int, until *time.Time, tier int) (bool, error)
	// ResetOnSuccess clears the counter after a verified login. It never
	// fires while the identity is locked, and it retains the escalation
	// tier until the cooldown has passed (cooldownCutoff = now-cooldown).
	ResetOnSuccess(ctx context.Context, identityID uuid.UUID, cooldownCutoff time.Time) error
	// Unlock clears everything, including the permanent tier. Admin only.
	Unlock(ctx context.Context, identityID uuid.UUID) error
}

type lockoutRepository struct {
	pool *pgxpool.Pool
}

// NewLockoutRepository creates a new LockoutRepository instance
func NewLockoutRepository(pool *pgxpool.Pool) LockoutRepository {
	return &lockoutRepository{pool: pool}
}

func (r *lockoutRepository) Get(ctx context.Context, identityID uuid.UUID) (*LockoutState, error) {
	query := `
		SELECT identity_id, failure_count, window_started_at, locked_until,
		       tier, lockout_count, last_lockout_at, updated_at
		FROM lockout_states
		WHERE identity_id = $1
	`

	st := &LockoutState{}
	err := r.pool.QueryRow(ctx, query, identityID).Scan(
		&st.IdentityID,
		&st.FailureCount,
		&st.WindowStartedAt,
		&st.LockedUntil,
		&st.Tier,
		&st.LockoutCount,
		&st.LastLockoutAt,
		&st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLockoutStateNotFound
		}
		return nil, err
	}
	return st, nil
}

func (r *lockoutRepository) IncrementFailure(ctx context.Context, identityID uuid.UUID, windowCutoff time.Time) (*LockoutState, error) {
	query := `
		INSERT INTO lockout_states AS ls
			(identity_id, failure_count, window_started_at, tier, lockout_count, updated_at)
		VALUES ($1, 1, now(), 0, 0, now())
		ON CONFLICT (identity_id) DO UPDATE SET
			failure_count     = CASE WHEN ls.window_started_at <= $2 AND (ls.locked_until IS NULL OR ls.locked_until <= now())
			                         THEN 1 ELSE ls.failure_count + 1 END,
			window_started_at = CASE WHEN ls.window_started_at <= $2 AND (ls.locked_until IS NULL OR ls.locked_until <= now())
			                         THEN now() ELSE ls.window_started_at END,
			updated_at        = now()
		RETURNING identity_id, failure_count, window_started_at, locked_until,
		          tier, lockout_count, last_lockout_at, updated_at
	`

	st := &LockoutState{}
	err := r.pool.QueryRow(ctx, query, identityID, windowCutoff).Scan(
		&st.IdentityID,
		&st.FailureCount,
		&st.WindowStartedAt,
		&st.LockedUntil,
		&st.Tier,
		&st.LockoutCount,
		&st.LastLockoutAt,
		&st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (r *lockoutRepository) EngageLock(ctx context.Context, identityID uuid.UUID, atCount int, until *time.Time, tier int) (bool, error) {
	query := `
		UPDATE lockout_states
		SET locked_until    = $3,
		    tier            = GREATEST(tier, $4),
		    lockout_count   = lockout_count + 1,
		    last_lockout_at = now(),
		    updated_at      = now()
		WHERE identity_id = $1
		  AND failure_count = $2
		  AND tier < $5
		  AND (locked_until IS NULL OR locked_until <= now())
	`

	result, err := r.pool.Exec(ctx, query, identityID, atCount, until, tier, TierPermanent)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (r *lockoutRepository) ResetOnSuccess(ctx context.Context, identityID uuid.UUID, cooldownCutoff time.Time) error {
	query := `
		UPDATE lockout_states
		SET failure_count     = 0,
		    window_started_at = now(),
		    locked_until      = NULL,
		    tier          = CASE WHEN last_lockout_at IS NULL OR last_lockout_at <= $2 THEN 0 ELSE tier END,
		    lockout_count = CASE WHEN last_lockout_at IS NULL OR last_lockout_at <= $2 THEN 0 ELSE lockout_count END,
		    updated_at        = now()
		WHERE identity_id = $1
		  AND tier < $3
		  AND (locked_until IS NULL OR locked_until <= now())
	`

	_, err := r.pool.Exec(ctx, query, identityID, cooldownCutoff, TierPermanent)
	return err
}

func (r *lockoutRepository) Unlock(ctx context.Context, identityID uuid.UUID) error {
	query := `
		UPDATE lockout_states
		SET failure_count = 0, window_started_at = now(), locked_until = NULL,
		    tier = 0, lockout_count = 0, last_lockout_at = NULL, updated_at = now()
		WHERE identity_id = $1
	`

	result, err := r.pool.Exec(ctx, query, identityID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrLockoutStateNotFound
	}
	return nil
}
