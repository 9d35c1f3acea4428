package authn

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	appctx "github.com/marketlens/backend/internal/context"
	"github.com/marketlens/backend/internal/credential"
	"github.com/marketlens/backend/internal/identity"
	"github.com/marketlens/backend/internal/repository"
	"github.com/marketlens/backend/internal/session"
	"github.com/marketlens/backend/internal/token"
)

// APIResponse is the standard response envelope.
type APIResponse struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// APIError carries the machine-readable error payload.
type APIError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

// Handler exposes the authentication endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates the HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register handles POST /auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	resp, err := h.service.Register(r.Context(), req, getClientIP(r), r.UserAgent())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusCreated, resp)
}

// Login handles POST /auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	resp, err := h.service.Login(r.Context(), req, getClientIP(r), r.UserAgent())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, resp)
}

// Refresh handles POST /auth/refresh.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	resp, err := h.service.Refresh(r.Context(), req, getClientIP(r), r.UserAgent())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, resp)
}

// Logout handles POST /auth/logout.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	identityID, sessionID, ok := h.callerSession(w, r)
	if !ok {
		return
	}

	if err := h.service.Logout(r.Context(), identityID, sessionID, getClientIP(r), r.UserAgent()); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

// LogoutAll handles POST /auth/logout-all.
func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	identityID, ok := appctx.IdentityID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Authentication required", nil)
		return
	}

	n, err := h.service.LogoutAll(r.Context(), identityID, getClientIP(r), r.UserAgent())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{"message": "Logged out everywhere", "revoked_sessions": n})
}

// ChangePassword handles POST /auth/change-password.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	identityID, ok := appctx.IdentityID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Authentication required", nil)
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	if err := h.service.ChangePassword(r.Context(), identityID, req, getClientIP(r), r.UserAgent()); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]string{"message": "Password changed"})
}

// Me handles GET /auth/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	identityID, ok := appctx.IdentityID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Authentication required", nil)
		return
	}

	summary, err := h.service.Me(r.Context(), identityID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, summary)
}

// ListSessions handles GET /auth/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	identityID, ok := appctx.IdentityID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Authentication required", nil)
		return
	}

	sessions, err := h.service.Sessions(r.Context(), identityID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// RevokeSession handles DELETE /auth/sessions/{sessionID}.
func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	identityID, ok := appctx.IdentityID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Authentication required", nil)
		return
	}

	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid session id", nil)
		return
	}

	if err := h.service.RevokeSession(r.Context(), identityID, sessionID, getClientIP(r), r.UserAgent()); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]string{"message": "Session revoked"})
}

// AdminUnlock handles POST /admin/identities/{identityID}/unlock.
func (h *Handler) AdminUnlock(w http.ResponseWriter, r *http.Request) {
	adminID, ok := appctx.IdentityID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Authentication required", nil)
		return
	}

	identityID, err := identity.Parse(chi.URLParam(r, "identityID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid identity id", nil)
		return
	}

	if err := h.service.UnlockAccount(r.Context(), adminID, identityID, getClientIP(r), r.UserAgent()); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]string{"message": "Account unlocked"})
}

// AdminSecurityEvents handles GET /admin/security-events.
func (h *Handler) AdminSecurityEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, err.Error(), nil)
		return
	}

	events, err := h.service.SecurityEvents(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{"events": events})
}

func parseEventFilter(r *http.Request) (SecurityEventFilter, error) {
	q := r.URL.Query()
	filter := SecurityEventFilter{
		Category: q.Get("category"),
		Outcome:  q.Get("outcome"),
		Limit:    100,
	}

	if v := q.Get("identity_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return filter, errors.New("invalid identity_id")
		}
		filter.IdentityID = &id
	}
	if v := q.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("invalid from timestamp")
		}
		filter.From = &ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("invalid to timestamp")
		}
		filter.To = &ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			return filter, errors.New("invalid limit")
		}
		filter.Limit = n
	}
	return filter, nil
}

func (h *Handler) callerSession(w http.ResponseWriter, r *http.Request) (identity.ID, uuid.UUID, bool) {
	identityID, ok := appctx.IdentityID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Authentication required", nil)
		return identity.ID{}, uuid.Nil, false
	}

	sid, ok := appctx.SessionID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Authentication required", nil)
		return identity.ID{}, uuid.Nil, false
	}

	sessionID, err := uuid.Parse(sid)
	if err != nil {
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Authentication required", nil)
		return identity.ID{}, uuid.Nil, false
	}

	return identityID, sessionID, true
}

// writeServiceError maps service errors onto the response envelope.
// Lock and throttle responses include a retry hint; credential failures
// stay uniform regardless of cause.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	var locked *AccountLockedError
	var limited *RateLimitedError

	switch {
	case errors.As(err, &verrs):
		writeError(w, http.StatusBadRequest, CodeValidationError, "Validation failed", validationDetails(err))

	case errors.As(err, &locked):
		details := map[string][]string{}
		if locked.Permanent {
			details["permanent"] = []string{"true"}
		} else {
			details["retry_after_seconds"] = []string{strconv.Itoa(int(locked.RetryAfter.Seconds()))}
		}
		writeError(w, http.StatusForbidden, CodeAccountLocked, "Account is temporarily locked", details)

	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds())))
		details := map[string][]string{
			"retry_after_seconds": {strconv.Itoa(int(limited.RetryAfter.Seconds()))},
		}
		if limited.ChallengeRequired {
			details["challenge_required"] = []string{"true"}
		}
		writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many attempts", details)

	case errors.Is(err, credential.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid email or password", nil)

	case errors.Is(err, repository.ErrEmailAlreadyExists):
		writeError(w, http.StatusConflict, CodeEmailExists, "Email is already registered", nil)

	case errors.Is(err, credential.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, CodeWeakPassword, err.Error(), nil)

	case errors.Is(err, credential.ErrReusedPassword):
		writeError(w, http.StatusBadRequest, CodeReusedPassword, "Password was used recently", nil)

	case errors.Is(err, token.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, CodeTokenExpired, "Token has expired", nil)

	case errors.Is(err, token.ErrTokenInvalid), errors.Is(err, token.ErrWrongTokenType):
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid token", nil)

	case errors.Is(err, session.ErrTokenReuseDetected):
		writeError(w, http.StatusUnauthorized, CodeTokenReuseDetected, "Refresh token already used", nil)

	case errors.Is(err, session.ErrSessionRevoked), errors.Is(err, session.ErrSessionExpired), errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusUnauthorized, CodeSessionRevoked, "Session is no longer active", nil)

	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, CodeForbidden, "Access denied", nil)

	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, "Resource not found", nil)

	case errors.Is(err, ErrStoreUnavailable):
		h.logger.Error("authentication store unavailable", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, "Service temporarily unavailable", nil)

	default:
		h.logger.Error("unhandled service error", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "An internal error occurred", nil)
	}
}

func writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

func writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	})
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return strings.Trim(host, "[]")
}
