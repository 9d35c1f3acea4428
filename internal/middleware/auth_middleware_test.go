package middleware

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/marketlens/backend/internal/audit"
	appctx "github.com/marketlens/backend/internal/context"
	"github.com/marketlens/backend/internal/repository"
	"github.com/marketlens/backend/internal/session"
	"github.com/marketlens/backend/internal/token"
)

// memorySessionRepo is a minimal in-memory session store for gate tests.
type memorySessionRepo struct {
	sessions map[uuid.UUID]*repository.Session
}

func newMemorySessionRepo() *memorySessionRepo {
	return &memorySessionRepo{sessions: make(map[uuid.UUID]*repository.Session)}
}

func (m *memorySessionRepo) Create(_ context.Context, s *repository.Session) error {
	now := time.Now()
	s.CreatedAt = now
	s.LastSeenAt = now
	s.RekeyedAt = now
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memorySessionRepo) GetByID(_ context.Context, id uuid.UUID) (*repository.Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memorySessionRepo) RotateRefreshJTI(_ context.Context, id uuid.UUID, oldJTI, newJTI string) (int64, error) {
	s, ok := m.sessions[id]
	if !ok || s.CurrentRefreshJTI != oldJTI || s.RevokedAt != nil {
		return 0, nil
	}
	s.CurrentRefreshJTI = newJTI
	s.RotationSeq++
	return 1, nil
}

func (m *memorySessionRepo) UpdateSeen(_ context.Context, id uuid.UUID, ip, uaFamily, trust string) error {
	s, ok := m.sessions[id]
	if !ok || s.RevokedAt != nil {
		return repository.ErrSessionNotFound
	}
	s.LastSeenAt = time.Now()
	s.FingerprintIP = ip
	s.FingerprintUAFamily = uaFamily
	s.TrustLevel = trust
	return nil
}

func (m *memorySessionRepo) Rekey(_ context.Context, oldID, newID uuid.UUID) (bool, error) {
	s, ok := m.sessions[oldID]
	if !ok {
		return false, nil
	}
	delete(m.sessions, oldID)
	s.ID = newID
	m.sessions[newID] = s
	return true, nil
}

func (m *memorySessionRepo) Revoke(_ context.Context, id uuid.UUID, reason string) error {
	s, ok := m.sessions[id]
	if !ok {
		return repository.ErrSessionNotFound
	}
	if s.RevokedAt != nil {
		return repository.ErrSessionAlreadyRevoked
	}
	now := time.Now()
	s.RevokedAt = &now
	s.RevokeReason = &reason
	return nil
}

func (m *memorySessionRepo) RevokeAll(_ context.Context, identityID uuid.UUID, reason string) (int64, error) {
	var n int64
	now := time.Now()
	for _, s := range m.sessions {
		if s.IdentityID == identityID && s.RevokedAt == nil {
			s.RevokedAt = &now
			s.RevokeReason = &reason
			n++
		}
	}
	return n, nil
}

func (m *memorySessionRepo) ListActive(_ context.Context, identityID uuid.UUID) ([]repository.Session, error) {
	var out []repository.Session
	for _, s := range m.sessions {
		if s.IdentityID == identityID && s.RevokedAt == nil {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memorySessionRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type nullEventRepo struct{}

func (nullEventRepo) Insert(context.Context, *repository.SecurityEvent) error { return nil }
func (nullEventRepo) SelectOlderThan(context.Context, time.Time, int) ([]repository.SecurityEvent, error) {
	return nil, nil
}
func (nullEventRepo) DeleteUpTo(context.Context, int64, time.Time) (int64, error) { return 0, nil }

type gateFixture struct {
	gate     *Gate
	tokens   *token.Service
	registry *session.Registry
	repo     *memorySessionRepo
	recorder *audit.Recorder
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := newMemorySessionRepo()
	registry := session.NewRegistry(repo, session.Config{}, log)
	tokens := token.NewService(token.Config{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "marketlens",
	})
	recorder := audit.NewRecorder(nullEventRepo{}, 16, log)
	t.Cleanup(recorder.Close)
	return &gateFixture{
		gate:     NewGate(tokens, registry, recorder),
		tokens:   tokens,
		registry: registry,
		repo:     repo,
		recorder: recorder,
	}
}

// login creates a session and mints an access token for it.
func (f *gateFixture) login(t *testing.T, role string) (string, *repository.Session) {
	t.Helper()
	identityID := uuid.New()
	sess, err := f.registry.Create(context.Background(), identityID, "jti-1",
		session.Fingerprint{IP: "203.0.113.10", UserAgent: "Mozilla/5.0"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	pair, err := f.tokens.Issue(token.IssueParams{
		IdentityID: identityID,
		Role:       role,
		SessionID:  sess.ID,
		RefreshJTI: "jti-1",
	})
	if err != nil {
		t.Fatalf("issue tokens: %v", err)
	}
	return pair.AccessToken, sess
}

func doRequest(handler http.Handler, accessToken string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.RemoteAddr = "203.0.113.10:51234"
	req.Header.Set("User-Agent", "Mozilla/5.0")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp.Error.Code
}

func TestAuthenticate(t *testing.T) {
	f := newGateFixture(t)

	var gotIdentity bool
	handler := f.gate.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, gotIdentity = appctx.IdentityID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := doRequest(handler, "")
	if code := errorCode(t, rec); rec.Code != http.StatusUnauthorized || code != CodeAuthTokenMissing {
		t.Errorf("missing header: status=%d code=%s", rec.Code, code)
	}

	rec = doRequest(handler, "not-a-token")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: status=%d, want 401", rec.Code)
	}

	accessToken, _ := f.login(t, "member")
	rec = doRequest(handler, accessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status=%d, want 200", rec.Code)
	}
	if !gotIdentity {
		t.Error("identity not injected into context")
	}
}

func TestRequireSession(t *testing.T) {
	f := newGateFixture(t)

	handler := f.gate.Authenticate(f.gate.RequireSession(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})))

	accessToken, sess := f.login(t, "member")
	if rec := doRequest(handler, accessToken); rec.Code != http.StatusOK {
		t.Fatalf("live session: status=%d, want 200", rec.Code)
	}

	// The access token stays verifiable, but the session behind it is
	// gone, so the gate rejects.
	if err := f.registry.Revoke(context.Background(), sess.ID, session.ReasonLogout); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	rec := doRequest(handler, accessToken)
	if code := errorCode(t, rec); rec.Code != http.StatusUnauthorized || code != CodeSessionRevoked {
		t.Errorf("revoked session: status=%d code=%s, want 401 %s", rec.Code, code, CodeSessionRevoked)
	}
}

func TestRequireRole(t *testing.T) {
	f := newGateFixture(t)

	handler := f.gate.Authenticate(f.gate.RequireRole("admin")(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})))

	memberToken, _ := f.login(t, "member")
	rec := doRequest(handler, memberToken)
	if code := errorCode(t, rec); rec.Code != http.StatusForbidden || code != CodeForbidden {
		t.Errorf("member hitting admin route: status=%d code=%s", rec.Code, code)
	}

	adminToken, _ := f.login(t, "admin")
	if rec := doRequest(handler, adminToken); rec.Code != http.StatusOK {
		t.Errorf("admin hitting admin route: status=%d, want 200", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		realIP     string
		want       string
	}{
		{"remote addr only", "203.0.113.10:51234", "", "", "203.0.113.10"},
		{"xff wins", "10.0.0.1:80", "198.51.100.7, 10.0.0.1", "", "198.51.100.7"},
		{"single xff", "10.0.0.1:80", "198.51.100.7", "", "198.51.100.7"},
		{"real ip", "10.0.0.1:80", "", "198.51.100.9", "198.51.100.9"},
		{"ipv6 remote", "[2001:db8::1]:443", "", "", "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
