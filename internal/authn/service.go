package authn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/marketlens/backend/internal/audit"
	"github.com/marketlens/backend/internal/credential"
	"github.com/marketlens/backend/internal/identity"
	"github.com/marketlens/backend/internal/lockout"
	"github.com/marketlens/backend/internal/metrics"
	"github.com/marketlens/backend/internal/ratelimit"
	"github.com/marketlens/backend/internal/repository"
	"github.com/marketlens/backend/internal/session"
	"github.com/marketlens/backend/internal/token"
)

// Service-level errors
var (
	ErrForbidden = errors.New("caller does not own the resource")
	ErrNotFound  = errors.New("resource not found")

	// ErrStoreUnavailable tags infrastructure failures on the critical
	// authentication path. Those requests fail closed, and the client
	// sees an unavailability answer rather than an internal error.
	ErrStoreUnavailable = errors.New("authentication store unavailable")
)

func storeUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStoreUnavailable, err))
}

// AccountLockedError carries the retry hint for a locked account. The
// message never goes beyond "locked": tier and history stay internal.
type AccountLockedError struct {
	RetryAfter time.Duration
	Permanent  bool
}

func (e *AccountLockedError) Error() string { return "account is locked" }

// RateLimitedError carries the retry hint for a throttled attempt.
type RateLimitedError struct {
	RetryAfter        time.Duration
	ChallengeRequired bool
}

func (e *RateLimitedError) Error() string { return "rate limited" }

// Error codes for API responses
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeEmailExists        = "EMAIL_EXISTS"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeAccountLocked      = "ACCOUNT_LOCKED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeReusedPassword     = "REUSED_PASSWORD"
	CodeWeakPassword       = "WEAK_PASSWORD"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeTokenReuseDetected = "TOKEN_REUSE_DETECTED"
	CodeSessionRevoked     = "SESSION_REVOKED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// Config tunes the service-level limits applied per identity, on top of
// the per-IP limits enforced in middleware.
type Config struct {
	LoginRule    ratelimit.Rule
	RefreshRule  ratelimit.Rule
	PasswordRule ratelimit.Rule
}

// Service implements the authentication operations.
type Service struct {
	credentials *credential.Store
	lockouts    *lockout.Engine
	sessions    *session.Registry
	tokens      *token.Service
	limiter     *ratelimit.Limiter
	recorder    *audit.Recorder
	identities  repository.IdentityRepository
	events      *repository.EventQueryStore
	cfg         Config
	logger      *slog.Logger
}

// NewService creates the authentication service.
func NewService(
	credentials *credential.Store,
	lockouts *lockout.Engine,
	sessions *session.Registry,
	tokens *token.Service,
	limiter *ratelimit.Limiter,
	recorder *audit.Recorder,
	identities repository.IdentityRepository,
	events *repository.EventQueryStore,
	cfg Config,
	logger *slog.Logger,
) *Service {
	return &Service{
		credentials: credentials,
		lockouts:    lockouts,
		sessions:    sessions,
		tokens:      tokens,
		limiter:     limiter,
		recorder:    recorder,
		identities:  identities,
		events:      events,
		cfg:         cfg,
		logger:      logger,
	}
}

// Register creates an identity and logs it straight in.
func (s *Service) Register(ctx context.Context, req RegisterRequest, ip, userAgent string) (*AuthResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, err
	}

	ident, err := s.credentials.Create(ctx, req.Email, req.Password, "member")
	if err != nil {
		return nil, err
	}

	s.recorder.Record(audit.Event{
		Category:  audit.CategoryLogin,
		Outcome:   audit.OutcomeSuccess,
		IPAddress: ip,
		UserAgent: userAgent,
	}.ForIdentity(ident.ID).With("registered", true))

	return s.openSession(ctx, ident, ip, userAgent)
}

// Login authenticates an email/password pair and opens a session.
// Checks run in a fixed order: rate limit, lockout, credentials. A
// failing credential check feeds the lockout counter; a lockout or
// limiter store failure fails closed.
func (s *Service) Login(ctx context.Context, req LoginRequest, ip, userAgent string) (*AuthResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, err
	}

	// One throttle window per account, whatever casing the client sent.
	email := credential.NormalizeEmail(req.Email)

	d := s.limiter.Allow(ctx, "login:email:"+email, s.cfg.LoginRule)
	if !d.Allowed {
		metrics.LoginsTotal.WithLabelValues("rate_limited").Inc()
		s.recorder.Record(audit.Event{
			Category:  audit.CategoryLogin,
			Outcome:   audit.OutcomeFailure,
			IPAddress: ip,
			UserAgent: userAgent,
		}.With("reason", "rate_limited").With("email", email))
		return nil, &RateLimitedError{RetryAfter: d.RetryAfter, ChallengeRequired: d.ChallengeRequired}
	}

	// The lockout check needs the identity id, so an internal lookup
	// runs first. Its outcome is never surfaced: unknown emails proceed
	// to the credential check, which burns a hash and fails uniformly.
	ident, err := s.identities.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, repository.ErrIdentityNotFound) {
		return nil, storeUnavailable("lookup identity", err)
	}

	if ident != nil {
		status, err := s.lockouts.Check(ctx, ident.ID)
		if err != nil {
			// Fail closed: unknown lockout state must not admit logins.
			return nil, storeUnavailable("check lockout", err)
		}
		if status.Locked {
			metrics.LoginsTotal.WithLabelValues("locked").Inc()
			s.recorder.Record(audit.Event{
				Category:  audit.CategoryLogin,
				Outcome:   audit.OutcomeFailure,
				IPAddress: ip,
				UserAgent: userAgent,
			}.ForIdentity(ident.ID).With("reason", "account_locked"))
			return nil, &AccountLockedError{RetryAfter: status.RetryAfter, Permanent: status.Permanent}
		}
	}

	verified, err := s.credentials.Verify(ctx, email, req.Password)
	if err != nil {
		if errors.Is(err, credential.ErrInvalidCredentials) {
			return nil, s.failLogin(ctx, ident, ip, userAgent)
		}
		return nil, storeUnavailable("verify credentials", err)
	}

	if err := s.lockouts.RecordSuccess(ctx, verified.ID); err != nil {
		s.logger.Warn("lockout reset after successful login failed", "identity_id", verified.ID, "error", err)
	}

	metrics.LoginsTotal.WithLabelValues("success").Inc()
	s.recorder.Record(audit.Event{
		Category:  audit.CategoryLogin,
		Outcome:   audit.OutcomeSuccess,
		IPAddress: ip,
		UserAgent: userAgent,
	}.ForIdentity(verified.ID))

	return s.openSession(ctx, verified, ip, userAgent)
}

// failLogin counts the failure against the identity, engages any due
// lock, and returns the uniform credential error.
func (s *Service) failLogin(ctx context.Context, ident *repository.Identity, ip, userAgent string) error {
	metrics.LoginsTotal.WithLabelValues("failure").Inc()

	event := audit.Event{
		Category:  audit.CategoryLogin,
		Outcome:   audit.OutcomeFailure,
		IPAddress: ip,
		UserAgent: userAgent,
	}

	if ident == nil {
		s.recorder.Record(event.With("reason", "unknown_email"))
		return credential.ErrInvalidCredentials
	}

	eng, err := s.lockouts.RecordFailure(ctx, ident.ID)
	if err != nil {
		// The failure still fails the login; losing the count is logged
		// and visible in the audit trail.
		s.logger.Error("recording login failure failed", "identity_id", ident.ID, "error", err)
		s.recorder.Record(event.ForIdentity(ident.ID).With("reason", "wrong_password"))
		return credential.ErrInvalidCredentials
	}

	s.recorder.Record(event.ForIdentity(ident.ID).
		With("reason", "wrong_password").
		With("failure_count", eng.FailureCount))

	if eng.Engaged {
		metrics.LockoutsEngagedTotal.WithLabelValues(strconv.Itoa(eng.Status.Tier)).Inc()
		s.recorder.Record(audit.Event{
			Category:  audit.CategoryLockout,
			Outcome:   audit.OutcomeEngaged,
			IPAddress: ip,
			UserAgent: userAgent,
		}.ForIdentity(ident.ID).
			With("tier", eng.Status.Tier).
			With("permanent", eng.Status.Permanent).
			With("failure_count", eng.FailureCount))
	}

	return credential.ErrInvalidCredentials
}

// openSession creates the session row first, then mints tokens carrying
// its id and refresh jti, so the jti a token carries is always already
// the session's current one.
func (s *Service) openSession(ctx context.Context, ident *repository.Identity, ip, userAgent string) (*AuthResponse, error) {
	jti := token.NewJTI()
	fp := session.Fingerprint{IP: ip, UserAgent: userAgent}

	sess, err := s.sessions.Create(ctx, ident.ID, jti, fp)
	if err != nil {
		return nil, err
	}

	pair, err := s.tokens.Issue(token.IssueParams{
		IdentityID:  ident.ID,
		Role:        ident.Role,
		SessionID:   sess.ID,
		RefreshJTI:  jti,
		RotationSeq: sess.RotationSeq,
	})
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}

	s.recorder.Record(audit.Event{
		Category:  audit.CategoryToken,
		Outcome:   audit.OutcomeIssued,
		IPAddress: ip,
		UserAgent: userAgent,
	}.ForIdentity(ident.ID).With("session_id", sess.ID.String()))

	return s.authResponse(ident, pair), nil
}

// Refresh exchanges a refresh token for a fresh pair. The registry swap
// is the linearization point: among concurrent calls with the same
// token, exactly one swap succeeds.
func (s *Service) Refresh(ctx context.Context, req RefreshRequest, ip, userAgent string) (*AuthResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, err
	}

	claims, err := s.tokens.VerifyRefresh(req.RefreshToken)
	if err != nil {
		return nil, err
	}

	identityID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, token.ErrTokenInvalid
	}

	// Throttled per session: the key survives jti rotation, so one
	// chain hammering the endpoint cannot hide behind fresh tokens.
	d := s.limiter.Allow(ctx, "refresh:session:"+claims.SessionID.String(), s.cfg.RefreshRule)
	if !d.Allowed {
		return nil, &RateLimitedError{RetryAfter: d.RetryAfter, ChallengeRequired: d.ChallengeRequired}
	}

	newJTI := token.NewJTI()
	sess, err := s.sessions.RotateRefresh(ctx, claims.SessionID, identityID, claims.ID, newJTI)
	if err != nil {
		if errors.Is(err, session.ErrTokenReuseDetected) {
			metrics.TokenReuseDetectedTotal.Inc()
			metrics.SessionsRevokedTotal.WithLabelValues(session.ReasonReuseDetected).Inc()
			s.recorder.Record(audit.Event{
				Category:  audit.CategoryToken,
				Outcome:   audit.OutcomeReuseDetected,
				IPAddress: ip,
				UserAgent: userAgent,
			}.ForIdentity(identityID).
				With("session_id", claims.SessionID.String()).
				With("rotation_seq", claims.RotationSeq))
		}
		return nil, err
	}

	// Periodic re-keying rides along with rotation: each refresh is a
	// natural point to swap a long-lived session id. A failed swap is
	// not fatal, the rotation already succeeded under the old id.
	if rekeyedSess, rekeyed, rkErr := s.sessions.RegenerateIfDue(ctx, sess); rkErr != nil {
		s.logger.Warn("session re-key failed", "session_id", sess.ID, "error", rkErr)
	} else if rekeyed {
		sess = rekeyedSess
		s.recorder.Record(audit.Event{
			Category:  audit.CategorySession,
			Outcome:   audit.OutcomeRotated,
			IPAddress: ip,
			UserAgent: userAgent,
		}.ForIdentity(sess.IdentityID).With("session_id", sess.ID.String()))
	}

	ident, err := s.identities.GetByID(ctx, sess.IdentityID)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	pair, err := s.tokens.Issue(token.IssueParams{
		IdentityID:  ident.ID,
		Role:        ident.Role,
		SessionID:   sess.ID,
		RefreshJTI:  newJTI,
		RotationSeq: sess.RotationSeq,
	})
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}

	metrics.TokenRotationsTotal.Inc()
	s.recorder.Record(audit.Event{
		Category:  audit.CategoryToken,
		Outcome:   audit.OutcomeRotated,
		IPAddress: ip,
		UserAgent: userAgent,
	}.ForIdentity(ident.ID).
		With("session_id", sess.ID.String()).
		With("rotation_seq", sess.RotationSeq))

	return s.authResponse(ident, pair), nil
}

// Logout revokes the caller's session. Idempotent.
func (s *Service) Logout(ctx context.Context, identityID identity.ID, sessionID uuid.UUID, ip, userAgent string) error {
	err := s.sessions.Revoke(ctx, sessionID, session.ReasonLogout)
	if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		return err
	}

	metrics.SessionsRevokedTotal.WithLabelValues(session.ReasonLogout).Inc()
	s.recorder.Record(audit.Event{
		Category:  audit.CategorySession,
		Outcome:   audit.OutcomeRevoked,
		IPAddress: ip,
		UserAgent: userAgent,
	}.ForIdentity(identityID.UUID()).
		With("session_id", sessionID.String()).
		With("reason", session.ReasonLogout))
	return nil
}

// LogoutAll revokes every session of the caller.
func (s *Service) LogoutAll(ctx context.Context, identityID identity.ID, ip, userAgent string) (int64, error) {
	n, err := s.sessions.RevokeAll(ctx, identityID.UUID(), session.ReasonLogoutAll)
	if err != nil {
		return 0, err
	}

	metrics.SessionsRevokedTotal.WithLabelValues(session.ReasonLogoutAll).Add(float64(n))
	s.recorder.Record(audit.Event{
		Category:  audit.CategorySession,
		Outcome:   audit.OutcomeRevoked,
		IPAddress: ip,
		UserAgent: userAgent,
	}.ForIdentity(identityID.UUID()).
		With("reason", session.ReasonLogoutAll).
		With("revoked_count", n))
	return n, nil
}

// ChangePassword rotates the caller's password after verifying the
// current one and the history rule.
func (s *Service) ChangePassword(ctx context.Context, identityID identity.ID, req ChangePasswordRequest, ip, userAgent string) error {
	if err := validate.Struct(req); err != nil {
		return err
	}

	d := s.limiter.Allow(ctx, "password:identity:"+identityID.String(), s.cfg.PasswordRule)
	if !d.Allowed {
		return &RateLimitedError{RetryAfter: d.RetryAfter, ChallengeRequired: d.ChallengeRequired}
	}

	if err := s.credentials.ChangePassword(ctx, identityID, req.CurrentPassword, req.NewPassword); err != nil {
		return err
	}

	s.recorder.Record(audit.Event{
		Category:  audit.CategoryPasswordChanged,
		Outcome:   audit.OutcomeSuccess,
		IPAddress: ip,
		UserAgent: userAgent,
	}.ForIdentity(identityID.UUID()))
	return nil
}

// Me returns the caller's identity summary.
func (s *Service) Me(ctx context.Context, identityID identity.ID) (*IdentitySummary, error) {
	ident, err := s.identities.GetByID(ctx, identityID.UUID())
	if err != nil {
		if errors.Is(err, repository.ErrIdentityNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	summary := s.identitySummary(ident)
	return &summary, nil
}

// Sessions lists the caller's active sessions.
func (s *Service) Sessions(ctx context.Context, identityID identity.ID) ([]repository.SessionSummary, error) {
	return s.sessions.List(ctx, identityID.UUID())
}

// RevokeSession revokes one of the caller's sessions. Revoking a
// session someone else owns fails regardless of whether it exists.
func (s *Service) RevokeSession(ctx context.Context, caller identity.ID, sessionID uuid.UUID, ip, userAgent string) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrSessionRevoked) || errors.Is(err, session.ErrSessionExpired) {
			return ErrNotFound
		}
		return err
	}

	if !identity.OwnsResource(caller, identity.FromUUID(sess.IdentityID)) {
		return ErrForbidden
	}

	if err := s.sessions.Revoke(ctx, sessionID, session.ReasonUserRevoked); err != nil {
		return err
	}

	metrics.SessionsRevokedTotal.WithLabelValues(session.ReasonUserRevoked).Inc()
	s.recorder.Record(audit.Event{
		Category:  audit.CategorySession,
		Outcome:   audit.OutcomeRevoked,
		IPAddress: ip,
		UserAgent: userAgent,
	}.ForIdentity(caller.UUID()).
		With("session_id", sessionID.String()).
		With("reason", session.ReasonUserRevoked))
	return nil
}

// UnlockAccount clears any lock on the identity, including a permanent
// one. Admin only; the route enforces the role.
func (s *Service) UnlockAccount(ctx context.Context, admin identity.ID, identityID identity.ID, ip, userAgent string) error {
	if _, err := s.identities.GetByID(ctx, identityID.UUID()); err != nil {
		if errors.Is(err, repository.ErrIdentityNotFound) {
			return ErrNotFound
		}
		return err
	}

	if err := s.lockouts.Unlock(ctx, identityID.UUID()); err != nil {
		return err
	}

	s.recorder.Record(audit.Event{
		Category:  audit.CategoryAdmin,
		Outcome:   audit.OutcomeUnlocked,
		IPAddress: ip,
		UserAgent: userAgent,
	}.ForIdentity(identityID.UUID()).With("admin_id", admin.String()))

	s.recorder.Record(audit.Event{
		Category:  audit.CategoryLockout,
		Outcome:   audit.OutcomeCleared,
		IPAddress: ip,
		UserAgent: userAgent,
	}.ForIdentity(identityID.UUID()))
	return nil
}

// SecurityEvents lists audit events for the admin dashboard.
func (s *Service) SecurityEvents(ctx context.Context, filter SecurityEventFilter) ([]repository.SecurityEvent, error) {
	return s.events.List(ctx, repository.EventFilter{
		IdentityID: filter.IdentityID,
		Category:   filter.Category,
		Outcome:    filter.Outcome,
		From:       filter.From,
		To:         filter.To,
		Limit:      filter.Limit,
	})
}

func (s *Service) authResponse(ident *repository.Identity, pair *token.Pair) *AuthResponse {
	return &AuthResponse{
		Identity: s.identitySummary(ident),
		Tokens: TokenResponse{
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
			ExpiresIn:    int64(time.Until(pair.AccessExpiresAt).Seconds()),
			TokenType:    "Bearer",
		},
	}
}

func (s *Service) identitySummary(ident *repository.Identity) IdentitySummary {
	return IdentitySummary{
		ID:        ident.ID.String(),
		Email:     ident.Email,
		Role:      ident.Role,
		CreatedAt: ident.CreatedAt,
	}
}
