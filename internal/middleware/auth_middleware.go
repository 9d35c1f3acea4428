// Package middleware provides the HTTP authorization gate, rate
// limiting, and request logging for the auth service.
package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marketlens/backend/internal/audit"
	appctx "github.com/marketlens/backend/internal/context"
	"github.com/marketlens/backend/internal/identity"
	"github.com/marketlens/backend/internal/metrics"
	"github.com/marketlens/backend/internal/session"
	"github.com/marketlens/backend/internal/token"
)

// Error codes emitted by the gate
const (
	CodeAuthTokenMissing       = "AUTH_TOKEN_MISSING"
	CodeAuthTokenInvalid       = "AUTH_TOKEN_INVALID"
	CodeTokenExpired           = "TOKEN_EXPIRED"
	CodeSessionRevoked         = "SESSION_REVOKED"
	CodeSessionHijackSuspected = "SESSION_HIJACK_SUSPECTED"
	CodeForbidden              = "FORBIDDEN"
	CodeServiceUnavailable     = "SERVICE_UNAVAILABLE"
)

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Gate authenticates requests and optionally pins them to a live
// session. Authenticate alone is signature-and-expiry only and never
// touches the registry; handlers that mutate security state add
// RequireSession on top.
type Gate struct {
	tokens   *token.Service
	sessions *session.Registry
	recorder *audit.Recorder
}

// NewGate creates the authorization gate.
func NewGate(tokens *token.Service, sessions *session.Registry, recorder *audit.Recorder) *Gate {
	return &Gate{tokens: tokens, sessions: sessions, recorder: recorder}
}

// Authenticate validates the bearer access token and injects the
// caller's identity, role, and session id into the request context.
func (g *Gate) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, CodeAuthTokenMissing, "Authorization header is required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid authorization header format")
			return
		}

		claims, err := g.tokens.VerifyAccess(parts[1])
		if err != nil {
			if errors.Is(err, token.ErrTokenExpired) {
				writeError(w, http.StatusUnauthorized, CodeTokenExpired, "Access token has expired")
				return
			}
			writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid access token")
			return
		}

		callerID, err := identity.Parse(claims.Subject)
		if err != nil {
			writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid access token")
			return
		}

		ctx := appctx.WithIdentity(r.Context(), callerID, claims.Role)
		ctx = appctx.WithSession(ctx, claims.SessionID.String(), "")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireSession confirms the caller's session is still live, marks it
// seen, and runs hijack detection. It must run after Authenticate.
// Security-sensitive handlers sit behind this; read-only high-rate
// endpoints can rely on Authenticate alone.
func (g *Gate) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sidStr, ok := appctx.SessionID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, CodeAuthTokenMissing, "Authentication required")
			return
		}
		sid, err := uuid.Parse(sidStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid access token")
			return
		}

		fp := session.Fingerprint{IP: clientIP(r), UserAgent: r.UserAgent()}
		res, err := g.sessions.Touch(r.Context(), sid, fp)
		if err != nil {
			g.rejectDeadSession(w, r, sid, err)
			return
		}

		if res.HijackSuspected {
			metrics.SessionHijacksFlaggedTotal.Inc()
			g.recorder.Record(audit.Event{
				Category:  audit.CategorySession,
				Outcome:   audit.OutcomeHijackSuspected,
				IPAddress: fp.IP,
				UserAgent: fp.UserAgent,
			}.ForIdentity(res.Session.IdentityID).With("session_id", sid.String()))
		}

		ctx := appctx.WithSession(r.Context(), res.Session.ID.String(), res.Session.TrustLevel)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gate) rejectDeadSession(w http.ResponseWriter, r *http.Request, sid uuid.UUID, err error) {
	switch {
	case errors.Is(err, session.ErrSessionHijackSuspected):
		metrics.SessionHijacksFlaggedTotal.Inc()
		g.recorder.Record(audit.Event{
			Category:  audit.CategorySession,
			Outcome:   audit.OutcomeHijackSuspected,
			IPAddress: clientIP(r),
			UserAgent: r.UserAgent(),
		}.With("session_id", sid.String()).With("action", "blocked"))
		writeError(w, http.StatusUnauthorized, CodeSessionHijackSuspected, "Session terminated, please log in again")
	case errors.Is(err, session.ErrSessionRevoked), errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusUnauthorized, CodeSessionRevoked, "Session is no longer valid, please log in again")
	case errors.Is(err, session.ErrSessionExpired):
		writeError(w, http.StatusUnauthorized, CodeTokenExpired, "Session has expired, please log in again")
	default:
		writeError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, "Service temporarily unavailable")
	}
}

// RequireRole rejects callers whose role does not match. It must run
// after Authenticate.
func (g *Gate) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			callerRole, ok := appctx.Role(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, CodeAuthTokenMissing, "Authentication required")
				return
			}
			if callerRole != role {
				writeError(w, http.StatusForbidden, CodeForbidden, "Insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(ErrorResponse{
		Success: false,
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	})
}

// clientIP extracts the client address, honoring proxy headers set by
// the ingress in front of the service.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.Index(xff, ","); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}
