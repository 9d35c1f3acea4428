package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/marketlens/backend/internal/identity"
	"github.com/marketlens/backend/internal/repository"
)

// Credential errors
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrReusedPassword     = errors.New("password was used recently")
)

// Store verifies and changes credentials on top of the identity
// repository. It never exposes stored hashes to callers.
type Store struct {
	identities   repository.IdentityRepository
	hasher       *Hasher
	historyDepth int
	logger       *slog.Logger
}

// NewStore creates a credential store. historyDepth is the number of
// prior hashes (plus the current one) a new password is checked against.
func NewStore(identities repository.IdentityRepository, hasher *Hasher, historyDepth int, logger *slog.Logger) *Store {
	return &Store{
		identities:   identities,
		hasher:       hasher,
		historyDepth: historyDepth,
		logger:       logger,
	}
}

// Create registers a new identity after validating password complexity.
func (s *Store) Create(ctx context.Context, email, password, role string) (*repository.Identity, error) {
	email = NormalizeEmail(email)
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	ident := &repository.Identity{
		ID:           identity.New().UUID(),
		Email:        email,
		Role:         role,
		PasswordHash: hash,
		IsActive:     true,
	}
	if err := s.identities.Create(ctx, ident); err != nil {
		return nil, err
	}
	return ident, nil
}

// Verify checks an email/password pair. Unknown emails and wrong
// passwords both return ErrInvalidCredentials; an unknown email still
// burns a hash verification so the two cases are not distinguishable by
// timing. On success the stored hash is upgraded in place when it uses
// an outdated scheme or work factor.
func (s *Store) Verify(ctx context.Context, email, password string) (*repository.Identity, error) {
	email = NormalizeEmail(email)

	ident, err := s.identities.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrIdentityNotFound) {
			s.hasher.VerifyDummy(password)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup identity: %w", err)
	}

	ok, err := s.hasher.Verify(password, ident.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	if s.hasher.NeedsRehash(ident.PasswordHash) {
		s.rehash(ctx, ident, password)
	}
	return ident, nil
}

// ChangePassword verifies the current password, checks the candidate
// against the retained history, and swaps the hash atomically. The old
// hash enters the history and entries beyond the retention depth are
// pruned in the same transaction.
func (s *Store) ChangePassword(ctx context.Context, identityID identity.ID, currentPassword, newPassword string) error {
	ident, err := s.identities.GetByID(ctx, identityID.UUID())
	if err != nil {
		return err
	}

	ok, err := s.hasher.Verify(currentPassword, ident.PasswordHash)
	if err != nil {
		return fmt.Errorf("verify current password: %w", err)
	}
	if !ok {
		return ErrInvalidCredentials
	}

	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	reused, err := s.inHistory(ctx, ident, newPassword)
	if err != nil {
		return err
	}
	if reused {
		return ErrReusedPassword
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	return s.identities.SwapPassword(ctx, identityID.UUID(), newHash, s.historyDepth)
}

// inHistory checks the candidate against the current hash and the
// retained history. Each retained hash carries its own salt, so this
// costs one key derivation per entry.
func (s *Store) inHistory(ctx context.Context, ident *repository.Identity, candidate string) (bool, error) {
	ok, err := s.hasher.Verify(candidate, ident.PasswordHash)
	if err != nil && !errors.Is(err, ErrUnknownHashScheme) {
		return false, fmt.Errorf("check current hash: %w", err)
	}
	if ok {
		return true, nil
	}

	hashes, err := s.identities.RecentPasswordHashes(ctx, ident.ID, s.historyDepth)
	if err != nil {
		return false, fmt.Errorf("load password history: %w", err)
	}
	for _, h := range hashes {
		ok, err := s.hasher.Verify(candidate, h)
		if err != nil {
			if errors.Is(err, ErrUnknownHashScheme) || errors.Is(err, ErrMalformedHash) {
				continue
			}
			return false, fmt.Errorf("check history hash: %w", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// rehash upgrades a stored hash after a successful verification. Losing
// the race to a concurrent password change is fine, the next login
// upgrades again.
func (s *Store) rehash(ctx context.Context, ident *repository.Identity, password string) {
	newHash, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Warn("password rehash failed", "identity_id", ident.ID, "error", err)
		return
	}
	if err := s.identities.UpdatePasswordHash(ctx, ident.ID, newHash); err != nil {
		s.logger.Warn("password rehash update failed", "identity_id", ident.ID, "error", err)
		return
	}
	s.logger.Info("password hash upgraded", "identity_id", ident.ID)
}

// NormalizeEmail lowercases and trims an address. Lookups and rate
// limit keys derived from a client-supplied email go through it so the
// same account cannot be addressed under casing variants.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
