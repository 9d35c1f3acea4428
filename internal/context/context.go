// Package context holds the typed request-context keys shared between the
// authorization gate and the handlers behind it.
package context

import (
	"context"

	"github.com/marketlens/backend/internal/identity"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// IdentityIDKey is the context key for the caller's canonical identity id
	IdentityIDKey ContextKey = "identity_id"
	// SessionIDKey is the context key for the caller's session id
	SessionIDKey ContextKey = "session_id"
	// RoleKey is the context key for the caller's role
	RoleKey ContextKey = "role"
	// SessionTrustKey is the context key for the session trust level
	SessionTrustKey ContextKey = "session_trust"
)

// WithIdentity stores the authenticated caller in the context.
func WithIdentity(ctx context.Context, id identity.ID, role string) context.Context {
	ctx = context.WithValue(ctx, IdentityIDKey, id)
	return context.WithValue(ctx, RoleKey, role)
}

// WithSession stores the caller's session id and trust level in the context.
func WithSession(ctx context.Context, sessionID string, trust string) context.Context {
	ctx = context.WithValue(ctx, SessionIDKey, sessionID)
	return context.WithValue(ctx, SessionTrustKey, trust)
}

// IdentityID extracts the caller's canonical identity id.
func IdentityID(ctx context.Context) (identity.ID, bool) {
	id, ok := ctx.Value(IdentityIDKey).(identity.ID)
	return id, ok
}

// SessionID extracts the caller's session id.
func SessionID(ctx context.Context) (string, bool) {
	sid, ok := ctx.Value(SessionIDKey).(string)
	return sid, ok
}

// Role extracts the caller's role.
func Role(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(RoleKey).(string)
	return role, ok
}

// SessionTrust extracts the session trust level, if the gate recorded one.
func SessionTrust(ctx context.Context) (string, bool) {
	trust, ok := ctx.Value(SessionTrustKey).(string)
	return trust, ok
}
