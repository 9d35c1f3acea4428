// Package identity defines the canonical identity ID used for every
// equality check in the authentication subsystem. IDs are parsed once at
// the boundary and compared as a single type everywhere else; raw strings
// or numbers are never compared directly.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidID is returned when a value cannot be canonicalized.
var ErrInvalidID = errors.New("invalid identity id")

// legacyNamespace maps pre-migration numeric user ids into UUID space.
// The namespace is fixed so the same numeric id always canonicalizes to
// the same UUID.
var legacyNamespace = uuid.MustParse("6f1c24b2-9d1e-4c3a-8f5e-2b7a0d9c4e11")

// ID is the canonical identity identifier.
type ID struct {
	u uuid.UUID
}

// Zero is the zero ID; it never identifies a real identity.
var Zero ID

// Parse canonicalizes an external id value. It accepts the native UUID
// form as well as legacy numeric ids, which are deterministically mapped
// into a fixed UUID namespace.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, ErrInvalidID
	}
	if u, err := uuid.Parse(s); err == nil {
		return ID{u: u}, nil
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return FromLegacyNumeric(n), nil
	}
	return Zero, fmt.Errorf("%w: %q", ErrInvalidID, s)
}

// MustParse is Parse for tests and static wiring; it panics on error.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// FromUUID wraps an existing UUID.
func FromUUID(u uuid.UUID) ID {
	return ID{u: u}
}

// FromLegacyNumeric canonicalizes a numeric user id from the legacy
// scheme.
func FromLegacyNumeric(n uint64) ID {
	return ID{u: uuid.NewSHA1(legacyNamespace, []byte(strconv.FormatUint(n, 10)))}
}

// New returns a fresh random ID.
func New() ID {
	return ID{u: uuid.New()}
}

// Equal reports whether two canonical ids identify the same identity.
func (id ID) Equal(other ID) bool {
	return id.u == other.u
}

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool {
	return id.u == uuid.Nil
}

// UUID returns the underlying UUID for persistence.
func (id ID) UUID() uuid.UUID {
	return id.u
}

func (id ID) String() string {
	return id.u.String()
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, canonicalizing on
// the way in.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// OwnsResource reports whether the caller owns a resource, comparing
// both sides as canonical ids. A zero id on either side never matches.
func OwnsResource(caller, owner ID) bool {
	if caller.IsZero() || owner.IsZero() {
		return false
	}
	return caller.Equal(owner)
}
