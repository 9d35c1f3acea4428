package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Session repository errors
var (
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionAlreadyRevoked = errors.New("session already revoked")
)

// SessionRepository persists session records. The current-refresh-jti
// pointer is mutated only through the conditional RotateRefreshJTI and
// Rekey statements.
type SessionRepository interface {
	Create(ctx context.Context, session *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	// RotateRefreshJTI swaps the current refresh jti if and only if
	// oldJTI is still current and the session is live. Returns the
	// number of rows updated; 0 means the caller lost the race or the
	// token was replayed.
	RotateRefreshJTI(ctx context.Context, id uuid.UUID, oldJTI, newJTI string) (int64, error)
	// UpdateSeen bumps last-seen and stores the latest fingerprint and
	// trust level.
	UpdateSeen(ctx context.Context, id uuid.UUID, ip, uaFamily, trust string) error
	// Rekey replaces the session id, bounding the lifetime of any leaked
	// id. Conditional on the current id so only one caller wins.
	Rekey(ctx context.Context, oldID, newID uuid.UUID) (bool, error)
	Revoke(ctx context.Context, id uuid.UUID, reason string) error
	RevokeAll(ctx context.Context, identityID uuid.UUID, reason string) (int64, error)
	ListActive(ctx context.Context, identityID uuid.UUID) ([]Session, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type sessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository instance
func NewSessionRepository(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepository{pool: pool}
}

const sessionColumns = `
	id, identity_id, current_refresh_jti, rotation_seq,
	fingerprint_ip, fingerprint_ua_family, trust_level,
	created_at, last_seen_at, rekeyed_at, expires_at, revoked_at, revoke_reason
`

func (r *sessionRepository) Create(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions
			(id, identity_id, current_refresh_jti, rotation_seq,
			 fingerprint_ip, fingerprint_ua_family, trust_level,
			 last_seen_at, rekeyed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now(), $8)
		RETURNING created_at, last_seen_at, rekeyed_at
	`

	return r.pool.QueryRow(ctx, query,
		session.ID,
		session.IdentityID,
		session.CurrentRefreshJTI,
		session.RotationSeq,
		session.FingerprintIP,
		session.FingerprintUAFamily,
		session.TrustLevel,
		session.ExpiresAt,
	).Scan(&session.CreatedAt, &session.LastSeenAt, &session.RekeyedAt)
}

func (r *sessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	session := &Session{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&session.ID,
		&session.IdentityID,
		&session.CurrentRefreshJTI,
		&session.RotationSeq,
		&session.FingerprintIP,
		&session.FingerprintUAFamily,
		&session.TrustLevel,
		&session.CreatedAt,
		&session.LastSeenAt,
		&session.RekeyedAt,
		&session.ExpiresAt,
		&session.RevokedAt,
		&session.RevokeReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return session, nil
}

func (r *sessionRepository) RotateRefreshJTI(ctx context.Context, id uuid.UUID, oldJTI, newJTI string) (int64, error) {
	query := `
		UPDATE sessions
		SET current_refresh_jti = $3,
		    rotation_seq = rotation_seq + 1,
		    last_seen_at = now()
		WHERE id = $1
		  AND current_refresh_jti = $2
		  AND revoked_at IS NULL
		  AND expires_at > now()
	`

	result, err := r.pool.Exec(ctx, query, id, oldJTI, newJTI)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func (r *sessionRepository) UpdateSeen(ctx context.Context, id uuid.UUID, ip, uaFamily, trust string) error {
	query := `
		UPDATE sessions
		SET last_seen_at = now(),
		    fingerprint_ip = $2,
		    fingerprint_ua_family = $3,
		    trust_level = $4
		WHERE id = $1 AND revoked_at IS NULL
	`

	result, err := r.pool.Exec(ctx, query, id, ip, uaFamily, trust)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *sessionRepository) Rekey(ctx context.Context, oldID, newID uuid.UUID) (bool, error) {
	query := `
		UPDATE sessions
		SET id = $2, rekeyed_at = now()
		WHERE id = $1 AND revoked_at IS NULL AND expires_at > now()
	`

	result, err := r.pool.Exec(ctx, query, oldID, newID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (r *sessionRepository) Revoke(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE sessions
		SET revoked_at = now(), revoke_reason = $2
		WHERE id = $1 AND revoked_at IS NULL
	`

	result, err := r.pool.Exec(ctx, query, id, reason)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		// Distinguish a repeat revoke from a session that never existed.
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return ErrSessionAlreadyRevoked
	}
	return nil
}

func (r *sessionRepository) RevokeAll(ctx context.Context, identityID uuid.UUID, reason string) (int64, error) {
	query := `
		UPDATE sessions
		SET revoked_at = now(), revoke_reason = $2
		WHERE identity_id = $1 AND revoked_at IS NULL
	`

	result, err := r.pool.Exec(ctx, query, identityID, reason)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func (r *sessionRepository) ListActive(ctx context.Context, identityID uuid.UUID) ([]Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE identity_id = $1 AND revoked_at IS NULL AND expires_at > now()
		ORDER BY last_seen_at DESC
	`

	rows, err := r.pool.Query(ctx, query, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		err := rows.Scan(
			&s.ID,
			&s.IdentityID,
			&s.CurrentRefreshJTI,
			&s.RotationSeq,
			&s.FingerprintIP,
			&s.FingerprintUAFamily,
			&s.TrustLevel,
			&s.CreatedAt,
			&s.LastSeenAt,
			&s.RekeyedAt,
			&s.ExpiresAt,
			&s.RevokedAt,
			&s.RevokeReason,
		)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *sessionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM sessions WHERE expires_at < $1`

	result, err := r.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
