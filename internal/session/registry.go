package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/marketlens/backend/internal/repository"
)

// Session lifecycle errors
var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionRevoked         = errors.New("session has been revoked")
	ErrSessionExpired         = errors.New("session has expired")
	ErrTokenReuseDetected     = errors.New("refresh token reuse detected")
	ErrSessionHijackSuspected = errors.New("session hijack suspected")
)

// Hijack handling modes.
const (
	HijackModeFlag  = "flag"
	HijackModeBlock = "block"
)

// Revocation reasons recorded on terminated sessions.
const (
	ReasonLogout          = "logout"
	ReasonLogoutAll       = "logout_all"
	ReasonReuseDetected   = "refresh_reuse_detected"
	ReasonHijackSuspected = "hijack_suspected"
	ReasonAdminRevoked    = "admin_revoked"
	ReasonUserRevoked     = "user_revoked"
)

// Config tunes the registry.
type Config struct {
	// TTL is the session lifetime, normally matching the refresh TTL.
	TTL time.Duration
	// RekeyInterval is how often a session id is regenerated during
	// continuous use.
	RekeyInterval time.Duration
	// HijackMode selects what a suspected hijack does: "flag" downgrades
	// trust and lets the request through, "block" revokes the session.
	HijackMode string
	// FingerprintWindow is the trailing window inside which a
	// fingerprint change counts as suspicious rather than as ordinary
	// client churn.
	FingerprintWindow time.Duration
	// RevokeAllOnReuse widens reuse-detection revocation from the
	// affected session to every session of the identity.
	RevokeAllOnReuse bool
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 7 * 24 * time.Hour
	}
	if c.RekeyInterval <= 0 {
		c.RekeyInterval = 30 * time.Minute
	}
	if c.HijackMode != HijackModeBlock {
		c.HijackMode = HijackModeFlag
	}
	if c.FingerprintWindow <= 0 {
		c.FingerprintWindow = 5 * time.Minute
	}
	return c
}

// TouchResult reports the outcome of marking a session as seen.
type TouchResult struct {
	Session         *repository.Session
	HijackSuspected bool
}

// Registry manages session records. The current-refresh-jti pointer is
// only ever moved through the repository's conditional statements, so
// two concurrent rotations of the same token produce exactly one winner.
type Registry struct {
	sessions repository.SessionRepository
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry creates a session registry.
func NewRegistry(sessions repository.SessionRepository, cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		sessions: sessions,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// Create opens a new session holding the given refresh jti as its
// current one. The jti must be installed here, before any token carrying
// it is signed.
func (r *Registry) Create(ctx context.Context, identityID uuid.UUID, refreshJTI string, fp Fingerprint) (*repository.Session, error) {
	norm := fp.Normalize()
	sess := &repository.Session{
		ID:                  uuid.New(),
		IdentityID:          identityID,
		CurrentRefreshJTI:   refreshJTI,
		FingerprintIP:       norm.IPPrefix,
		FingerprintUAFamily: norm.UAFamily,
		TrustLevel:          repository.TrustFull,
		ExpiresAt:           r.now().Add(r.cfg.TTL),
	}
	if err := r.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Touch marks the session as seen and runs hijack detection. A material
// fingerprint change inside the trailing window downgrades trust in
// flag mode, or revokes the session and fails in block mode. Changes
// outside the window are treated as ordinary client churn and stored.
func (r *Registry) Touch(ctx context.Context, sessionID uuid.UUID, fp Fingerprint) (*TouchResult, error) {
	// Touch runs on every authenticated request: bound the store calls
	// so a stalled pool fails the request instead of hanging it.
	ctx, cancel := repository.WithTimeout(ctx)
	defer cancel()

	sess, err := r.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	norm := fp.Normalize()
	changed := norm.IPPrefix != sess.FingerprintIP || norm.UAFamily != sess.FingerprintUAFamily
	suspicious := changed && now.Sub(sess.LastSeenAt) <= r.cfg.FingerprintWindow

	trust := sess.TrustLevel
	if suspicious {
		r.logger.Warn("session fingerprint changed inside detection window",
			"session_id", sessionID,
			"identity_id", sess.IdentityID,
			"old_ip_prefix", sess.FingerprintIP,
			"new_ip_prefix", norm.IPPrefix,
		)
		if r.cfg.HijackMode == HijackModeBlock {
			if err := r.Revoke(ctx, sessionID, ReasonHijackSuspected); err != nil {
				return nil, err
			}
			return nil, ErrSessionHijackSuspected
		}
		trust = repository.TrustDegraded
	}

	if err := r.sessions.UpdateSeen(ctx, sessionID, norm.IPPrefix, norm.UAFamily, trust); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}

	sess.LastSeenAt = now
	sess.FingerprintIP = norm.IPPrefix
	sess.FingerprintUAFamily = norm.UAFamily
	sess.TrustLevel = trust
	return &TouchResult{Session: sess, HijackSuspected: suspicious}, nil
}

// RotateRefresh atomically moves the session's current refresh jti from
// oldJTI to newJTI. identityID is the token's subject, needed to revoke
// the chain when the session row itself is gone. When the conditional
// swap touches no row, the session is inspected to classify the
// failure: a live session whose pointer moved past oldJTI, or a missing
// session, is a replay of an already-spent token and revokes the chain.
func (r *Registry) RotateRefresh(ctx context.Context, sessionID, identityID uuid.UUID, oldJTI, newJTI string) (*repository.Session, error) {
	ctx, cancel := repository.WithTimeout(ctx)
	defer cancel()

	rows, err := r.sessions.RotateRefreshJTI(ctx, sessionID, oldJTI, newJTI)
	if err != nil {
		return nil, fmt.Errorf("rotate refresh jti: %w", err)
	}
	if rows == 1 {
		// Reload without liveness classification: the swap won, and a
		// concurrent revocation landing after the win must not turn the
		// winner into a loser.
		sess, err := r.sessions.GetByID(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		return sess, nil
	}

	sess, err := r.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			// A signed, unexpired refresh token referencing a session
			// that no longer exists is a replay of a spent chain. Re-
			// keying moves the row to a fresh id, so the live successor
			// cannot be located from here; revoke every session of the
			// identity to be sure the compromised chain dies with them.
			r.logger.Error("refresh token replay against missing session",
				"session_id", sessionID,
				"identity_id", identityID,
			)
			if _, err := r.sessions.RevokeAll(ctx, identityID, ReasonReuseDetected); err != nil {
				r.logger.Error("revoke all sessions after reuse failed", "identity_id", identityID, "error", err)
			}
			return nil, ErrTokenReuseDetected
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	switch {
	case sess.Revoked():
		return nil, ErrSessionRevoked
	case sess.Expired(r.now()):
		return nil, ErrSessionExpired
	default:
		return nil, r.handleReuse(ctx, sess)
	}
}

// handleReuse revokes the compromised chain and reports the reuse. The
// returned error is always ErrTokenReuseDetected.
func (r *Registry) handleReuse(ctx context.Context, sess *repository.Session) error {
	r.logger.Error("refresh token reuse detected",
		"session_id", sess.ID,
		"identity_id", sess.IdentityID,
		"rotation_seq", sess.RotationSeq,
	)

	if r.cfg.RevokeAllOnReuse {
		if _, err := r.sessions.RevokeAll(ctx, sess.IdentityID, ReasonReuseDetected); err != nil {
			r.logger.Error("revoke all sessions after reuse failed", "identity_id", sess.IdentityID, "error", err)
		}
	} else if err := r.Revoke(ctx, sess.ID, ReasonReuseDetected); err != nil {
		r.logger.Error("revoke session after reuse failed", "session_id", sess.ID, "error", err)
	}
	return ErrTokenReuseDetected
}

// RegenerateIfDue swaps the session id for a fresh one when the re-key
// interval has elapsed. It returns the session with its current id and
// whether a swap happened. Losing the swap race to a concurrent request
// is not an error, the winner's new id takes effect.
func (r *Registry) RegenerateIfDue(ctx context.Context, sess *repository.Session) (*repository.Session, bool, error) {
	now := r.now()
	if now.Sub(sess.RekeyedAt) < r.cfg.RekeyInterval {
		return sess, false, nil
	}

	newID := uuid.New()
	swapped, err := r.sessions.Rekey(ctx, sess.ID, newID)
	if err != nil {
		return nil, false, fmt.Errorf("rekey session: %w", err)
	}
	if !swapped {
		return sess, false, nil
	}

	r.logger.Info("session re-keyed", "old_session_id", sess.ID, "new_session_id", newID, "identity_id", sess.IdentityID)
	sess.ID = newID
	sess.RekeyedAt = now
	return sess, true, nil
}

// Revoke terminates one session. Revoking an already-revoked session is
// a no-op, so logout is idempotent.
func (r *Registry) Revoke(ctx context.Context, sessionID uuid.UUID, reason string) error {
	err := r.sessions.Revoke(ctx, sessionID, reason)
	if err != nil {
		if errors.Is(err, repository.ErrSessionAlreadyRevoked) {
			return nil
		}
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeAll terminates every active session of an identity and returns
// how many were revoked.
func (r *Registry) RevokeAll(ctx context.Context, identityID uuid.UUID, reason string) (int64, error) {
	n, err := r.sessions.RevokeAll(ctx, identityID, reason)
	if err != nil {
		return 0, fmt.Errorf("revoke all sessions: %w", err)
	}
	return n, nil
}

// Get returns a live session, classifying dead ones precisely.
func (r *Registry) Get(ctx context.Context, sessionID uuid.UUID) (*repository.Session, error) {
	return r.get(ctx, sessionID)
}

// List returns the user-facing view of an identity's active sessions.
func (r *Registry) List(ctx context.Context, identityID uuid.UUID) ([]repository.SessionSummary, error) {
	sessions, err := r.sessions.ListActive(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	summaries := make([]repository.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, repository.SessionSummary{
			ID:         s.ID,
			IPAddress:  s.FingerprintIP,
			UserAgent:  s.FingerprintUAFamily,
			TrustLevel: s.TrustLevel,
			CreatedAt:  s.CreatedAt,
			LastSeenAt: s.LastSeenAt,
			ExpiresAt:  s.ExpiresAt,
		})
	}
	return summaries, nil
}

// DeleteExpired removes sessions whose expiry passed before the cutoff.
// Used by the background sweeper.
func (r *Registry) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	return r.sessions.DeleteExpired(ctx, before)
}

func (r *Registry) get(ctx context.Context, sessionID uuid.UUID) (*repository.Session, error) {
	sess, err := r.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess.Revoked() {
		return nil, ErrSessionRevoked
	}
	if sess.Expired(r.now()) {
		return nil, ErrSessionExpired
	}
	return sess, nil
}
