// Package audit writes the append-only security event trail. Recording
// is fire-and-forget: a slow or failing event store never blocks the
// login and token paths that produce events.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event categories.
const (
	CategoryLogin           = "login"
	CategoryLockout         = "lockout"
	CategoryPasswordChanged = "password_changed"
	CategoryToken           = "token"
	CategorySession         = "session"
	CategoryAdmin           = "admin"
)

// Event outcomes.
const (
	OutcomeSuccess         = "success"
	OutcomeFailure         = "failure"
	OutcomeEngaged         = "engaged"
	OutcomeCleared         = "cleared"
	OutcomeIssued          = "issued"
	OutcomeRotated         = "rotated"
	OutcomeReuseDetected   = "reuse_detected"
	OutcomeHijackSuspected = "hijack_suspected"
	OutcomeRevoked         = "revoked"
	OutcomeUnlocked        = "unlocked"
)

// Event is one security-relevant transition to be recorded.
// OccurredAt is filled in at enqueue time when the producer leaves it
// zero, so the stored timestamp reflects when the transition happened,
// not when the background worker got around to writing it.
type Event struct {
	OccurredAt time.Time
	IdentityID *uuid.UUID
	Category   string
	Outcome    string
	IPAddress  string
	UserAgent  string
	Metadata   map[string]any
}

// ForIdentity sets the subject identity and returns the event for
// chaining at call sites.
func (e Event) ForIdentity(id uuid.UUID) Event {
	e.IdentityID = &id
	return e
}

// With adds one metadata entry and returns the event.
func (e Event) With(key string, value any) Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}
