// Package credential owns password verification, hashing, and
// password-history enforcement.
package credential

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Hash encoding errors
var (
	ErrUnknownHashScheme = errors.New("unknown password hash scheme")
	ErrMalformedHash     = errors.New("malformed password hash")
)

const (
	argon2Prefix  = "$argon2id$"
	argon2SaltLen = 16
	argon2KeyLen  = 32
)

// Argon2Params is the work factor for newly created hashes. Existing
// hashes carry their own parameters in the encoding, so the factor can
// be raised at any time without invalidating them; verification reads
// the parameters back out of the stored string.
type Argon2Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
}

// DefaultArgon2Params is a reasonable interactive-login work factor.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Memory: 64 * 1024, Iterations: 3, Parallelism: 2}
}

// Hasher hashes and verifies passwords. New hashes use argon2id; bcrypt
// hashes from the previous scheme remain verifiable and are upgraded
// opportunistically on successful login.
type Hasher struct {
	params Argon2Params
}

// NewHasher creates a Hasher with the given work factor.
func NewHasher(params Argon2Params) *Hasher {
	if params.Memory == 0 || params.Iterations == 0 || params.Parallelism == 0 {
		params = DefaultArgon2Params()
	}
	return &Hasher{params: params}
}

// Hash derives an argon2id hash in PHC string format.
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, argon2KeyLen)

	encoded := fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Prefix,
		argon2.Version,
		h.params.Memory,
		h.params.Iterations,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
	return encoded, nil
}

// Verify compares a plaintext password against a stored hash of any
// supported scheme. The comparison is constant time; the plaintext is
// never logged or retained.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	switch {
	case strings.HasPrefix(encoded, argon2Prefix):
		return verifyArgon2(password, encoded)
	case strings.HasPrefix(encoded, "$2a$"), strings.HasPrefix(encoded, "$2b$"), strings.HasPrefix(encoded, "$2y$"):
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		if err != nil {
			if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	default:
		return false, ErrUnknownHashScheme
	}
}

// NeedsRehash reports whether a stored hash should be upgraded: either
// it uses the legacy bcrypt scheme, or its argon2 parameters differ from
// the currently configured work factor.
func (h *Hasher) NeedsRehash(encoded string) bool {
	if !strings.HasPrefix(encoded, argon2Prefix) {
		return true
	}
	params, _, _, err := decodeArgon2(encoded)
	if err != nil {
		return true
	}
	return params != h.params
}

// VerifyDummy burns one hash verification against a throwaway hash. It
// keeps the failure path for unknown accounts on the same timing profile
// as a wrong password for a known account.
func (h *Hasher) VerifyDummy(password string) {
	salt := make([]byte, argon2SaltLen)
	argon2.IDKey([]byte(password), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, argon2KeyLen)
}

func verifyArgon2(password, encoded string) (bool, error) {
	params, salt, key, err := decodeArgon2(encoded)
	if err != nil {
		return false, err
	}

	derived := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(derived, key) == 1, nil
}

func decodeArgon2(encoded string) (Argon2Params, []byte, []byte, error) {
	// $argon2id$v=19$m=65536,t=3,p=2$<salt>$<key>
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return Argon2Params{}, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return Argon2Params{}, nil, nil, ErrMalformedHash
	}
	if version != argon2.Version {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: unsupported argon2 version %d", ErrMalformedHash, version)
	}

	var params Argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Iterations, &params.Parallelism); err != nil {
		return Argon2Params{}, nil, nil, ErrMalformedHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Argon2Params{}, nil, nil, ErrMalformedHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return Argon2Params{}, nil, nil, ErrMalformedHash
	}

	return params, salt, key, nil
}
