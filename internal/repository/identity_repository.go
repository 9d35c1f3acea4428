package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Identity repository errors
var (
	ErrIdentityNotFound   = errors.New("identity not found")
	ErrEmailAlreadyExists = errors.New("email already exists")
)

// IdentityRepository defines data access for identities and their
// password history. The history is owned by the credential store and is
// mutated only through SwapPassword.
type IdentityRepository interface {
	Create(ctx context.Context, ident *Identity) error
	GetByID(ctx context.Context, id uuid.UUID) (*Identity, error)
	GetByEmail(ctx context.Context, email string) (*Identity, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	// UpdatePasswordHash replaces only the stored hash, used for
	// opportunistic rehashing after a work-factor change. It does not
	// touch the history.
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error
	// SwapPassword atomically sets a new current hash, appends the old
	// one to the history, and evicts entries beyond historyDepth.
	SwapPassword(ctx context.Context, id uuid.UUID, newHash string, historyDepth int) error
	// RecentPasswordHashes returns up to n retained history hashes,
	// newest first. The current hash is not included.
	RecentPasswordHashes(ctx context.Context, id uuid.UUID, n int) ([]string, error)
}

type identityRepository struct {
	pool *pgxpool.Pool
}

// NewIdentityRepository creates a new IdentityRepository instance
func NewIdentityRepository(pool *pgxpool.Pool) IdentityRepository {
	return &identityRepository{pool: pool}
}

func (r *identityRepository) Create(ctx context.Context, ident *Identity) error {
	query := `
		INSERT INTO identities (id, email, role, password_hash, password_changed_at, is_active)
		VALUES ($1, $2, $3, $4, now(), true)
		RETURNING created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		ident.ID,
		strings.ToLower(ident.Email),
		ident.Role,
		ident.PasswordHash,
	).Scan(&ident.CreatedAt, &ident.UpdatedAt)

	if err != nil {
		if strings.Contains(err.Error(), "idx_identities_email") {
			return ErrEmailAlreadyExists
		}
		return err
	}

	ident.IsActive = true
	return nil
}

func (r *identityRepository) GetByID(ctx context.Context, id uuid.UUID) (*Identity, error) {
	query := `
		SELECT id, email, role, password_hash, password_changed_at, is_active, created_at, updated_at
		FROM identities
		WHERE id = $1
	`
	return r.scanIdentity(r.pool.QueryRow(ctx, query, id))
}

func (r *identityRepository) GetByEmail(ctx context.Context, email string) (*Identity, error) {
	query := `
		SELECT id, email, role, password_hash, password_changed_at, is_active, created_at, updated_at
		FROM identities
		WHERE email = $1
	`
	return r.scanIdentity(r.pool.QueryRow(ctx, query, strings.ToLower(email)))
}

func (r *identityRepository) scanIdentity(row pgx.Row) (*Identity, error) {
	ident := &Identity{}
	err := row.Scan(
		&ident.ID,
		&ident.Email,
		&ident.Role,
		&ident.PasswordHash,
		&ident.PasswordChangedAt,
		&ident.IsActive,
		&ident.CreatedAt,
		&ident.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIdentityNotFound
		}
		return nil, err
	}
	return ident, nil
}

func (r *identityRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM identities WHERE email = $1)`

	var exists bool
	err := r.pool.QueryRow(ctx, query, strings.ToLower(email)).Scan(&exists)
	return exists, err
}

func (r *identityRepository) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	query := `UPDATE identities SET password_hash = $2, updated_at = now() WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, hash)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

func (r *identityRepository) SwapPassword(ctx context.Context, id uuid.UUID, newHash string, historyDepth int) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Row lock serializes concurrent password changes for the same
	// identity; the swap and the history append commit together.
	var oldHash string
	err = tx.QueryRow(ctx, `
		SELECT password_hash FROM identities WHERE id = $1 FOR UPDATE
	`, id).Scan(&oldHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrIdentityNotFound
		}
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE identities
		SET password_hash = $2, password_changed_at = now(), updated_at = now()
		WHERE id = $1
	`, id, newHash)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO password_history (id, identity_id, password_hash)
		VALUES ($1, $2, $3)
	`, uuid.New(), id, oldHash)
	if err != nil {
		return err
	}

	// Evict entries beyond the retained depth, oldest first.
	_, err = tx.Exec(ctx, `
		DELETE FROM password_history
		WHERE identity_id = $1
		  AND id NOT IN (
			SELECT id FROM password_history
			WHERE identity_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		  )
	`, id, historyDepth)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *identityRepository) RecentPasswordHashes(ctx context.Context, id uuid.UUID, n int) ([]string, error) {
	query := `
		SELECT password_hash
		FROM password_history
		WHERE identity_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, id, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// touchTimeout bounds critical-path repository calls so a slow store
// fails closed instead of hanging the request.
const touchTimeout = 5 * time.Second

// WithTimeout derives a bounded context for a store call.
func WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, touchTimeout)
}
