package repository

import (
	"time"

	"github.com/google/uuid"
)

// Lockout tiers, ordered. A state's tier never decreases while the
// escalation cooldown is running; TierPermanent is cleared only by an
// administrative unlock.
const (
	TierNone      = 0
	Tier5Min      = 1
	Tier15Min     = 2
	Tier1Hour     = 3
	Tier24Hour    = 4
	TierPermanent = 5
)

// Session trust levels.
const (
	TrustFull     = "full"
	TrustDegraded = "degraded"
)

// Identity represents a user account in the database
type Identity struct {
	ID                uuid.UUID `db:"id"`
	Email             string    `db:"email"`
	Role              string    `db:"role"`
	PasswordHash      string    `db:"password_hash"`
	PasswordChangedAt time.Time `db:"password_changed_at"`
	IsActive          bool      `db:"is_active"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// PasswordHistoryEntry is one retained previous password hash
type PasswordHistoryEntry struct {
	ID           uuid.UUID `db:"id"`
	IdentityID   uuid.UUID `db:"identity_id"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
}

// LockoutState tracks failed authentication attempts for one identity
type LockoutState struct {
	IdentityID      uuid.UUID  `db:"identity_id"`
	FailureCount    int        `db:"failure_count"`
	WindowStartedAt time.Time  `db:"window_started_at"`
	LockedUntil     *time.Time `db:"locked_until"`
	Tier            int        `db:"tier"`
	LockoutCount    int        `db:"lockout_count"`
	LastLockoutAt   *time.Time `db:"last_lockout_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// Session represents an authentication session in the database. Only the
// jti of the session's current refresh token is stored, never the token
// itself.
type Session struct {
	ID                  uuid.UUID  `db:"id"`
	IdentityID          uuid.UUID  `db:"identity_id"`
	CurrentRefreshJTI   string     `db:"current_refresh_jti"`
	RotationSeq         int64      `db:"rotation_seq"`
	FingerprintIP       string     `db:"fingerprint_ip"`
	FingerprintUAFamily string     `db:"fingerprint_ua_family"`
	TrustLevel          string     `db:"trust_level"`
	CreatedAt           time.Time  `db:"created_at"`
	LastSeenAt          time.Time  `db:"last_seen_at"`
	RekeyedAt           time.Time  `db:"rekeyed_at"`
	ExpiresAt           time.Time  `db:"expires_at"`
	RevokedAt           *time.Time `db:"revoked_at"`
	RevokeReason        *string    `db:"revoke_reason"`
}

// Revoked reports whether the session has been terminated.
func (s *Session) Revoked() bool {
	return s.RevokedAt != nil
}

// Expired reports whether the session has passed its expiry.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// SecurityEvent is one append-only audit trail entry
type SecurityEvent struct {
	ID         int64          `db:"id" json:"id"`
	OccurredAt time.Time      `db:"occurred_at" json:"occurred_at"`
	IdentityID *uuid.UUID     `db:"identity_id" json:"identity_id,omitempty"`
	Category   string         `db:"category" json:"category"`
	Outcome    string         `db:"outcome" json:"outcome"`
	IPAddress  string         `db:"ip_address" json:"ip_address"`
	UserAgent  string         `db:"user_agent" json:"user_agent"`
	Metadata   map[string]any `db:"metadata" json:"metadata,omitempty"`
}

// SessionSummary is the user-facing view of an active session
type SessionSummary struct {
	ID         uuid.UUID `json:"id"`
	IPAddress  string    `json:"ip_address"`
	UserAgent  string    `json:"user_agent"`
	TrustLevel string    `json:"trust_level"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
