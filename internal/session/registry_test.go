package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"pgregory.net/rapid"

	"github.com/marketlens/backend/internal/repository"
)

// mockSessionRepository mirrors the conditional-update semantics of the
// SQL implementation behind a mutex.
type mockSessionRepository struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*repository.Session
	now      func() time.Time

	lastCtxBounded bool // whether the last hot-path call carried a deadline
}

func newMockSessionRepository(now func() time.Time) *mockSessionRepository {
	return &mockSessionRepository{sessions: make(map[uuid.UUID]*repository.Session), now: now}
}

func (m *mockSessionRepository) Create(_ context.Context, session *repository.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	session.CreatedAt = now
	session.LastSeenAt = now
	session.RekeyedAt = now
	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

func (m *mockSessionRepository) GetByID(_ context.Context, id uuid.UUID) (*repository.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *mockSessionRepository) RotateRefreshJTI(ctx context.Context, id uuid.UUID, oldJTI, newJTI string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, m.lastCtxBounded = ctx.Deadline()
	sess, ok := m.sessions[id]
	if !ok || sess.CurrentRefreshJTI != oldJTI || sess.RevokedAt != nil || !sess.ExpiresAt.After(m.now()) {
		return 0, nil
	}
	sess.CurrentRefreshJTI = newJTI
	sess.RotationSeq++
	sess.LastSeenAt = m.now()
	return 1, nil
}

func (m *mockSessionRepository) UpdateSeen(ctx context.Context, id uuid.UUID, ip, uaFamily, trust string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, m.lastCtxBounded = ctx.Deadline()
	sess, ok := m.sessions[id]
	if !ok || sess.RevokedAt != nil {
		return repository.ErrSessionNotFound
	}
	sess.LastSeenAt = m.now()
	sess.FingerprintIP = ip
	sess.FingerprintUAFamily = uaFamily
	sess.TrustLevel = trust
	return nil
}

func (m *mockSessionRepository) Rekey(_ context.Context, oldID, newID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[oldID]
	if !ok || sess.RevokedAt != nil || !sess.ExpiresAt.After(m.now()) {
		return false, nil
	}
	delete(m.sessions, oldID)
	sess.ID = newID
	sess.RekeyedAt = m.now()
	m.sessions[newID] = sess
	return true, nil
}

func (m *mockSessionRepository) Revoke(_ context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return repository.ErrSessionNotFound
	}
	if sess.RevokedAt != nil {
		return repository.ErrSessionAlreadyRevoked
	}
	now := m.now()
	sess.RevokedAt = &now
	sess.RevokeReason = &reason
	return nil
}

func (m *mockSessionRepository) RevokeAll(_ context.Context, identityID uuid.UUID, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := m.now()
	for _, sess := range m.sessions {
		if sess.IdentityID == identityID && sess.RevokedAt == nil {
			sess.RevokedAt = &now
			sess.RevokeReason = &reason
			n++
		}
	}
	return n, nil
}

func (m *mockSessionRepository) ListActive(_ context.Context, identityID uuid.UUID) ([]repository.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.Session
	now := m.now()
	for _, sess := range m.sessions {
		if sess.IdentityID == identityID && sess.RevokedAt == nil && sess.ExpiresAt.After(now) {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (m *mockSessionRepository) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, sess := range m.sessions {
		if sess.ExpiresAt.Before(before) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

type registryFixture struct {
	registry *Registry
	repo     *mockSessionRepository
	nowMu    sync.Mutex
	now      time.Time
}

func newRegistryFixture(cfg Config) *registryFixture {
	f := &registryFixture{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time {
		f.nowMu.Lock()
		defer f.nowMu.Unlock()
		return f.now
	}
	f.repo = newMockSessionRepository(clock)
	f.registry = NewRegistry(f.repo, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.registry.now = clock
	return f
}

func (f *registryFixture) advance(d time.Duration) {
	f.nowMu.Lock()
	defer f.nowMu.Unlock()
	f.now = f.now.Add(d)
}

var testFP = Fingerprint{IP: "203.0.113.10", UserAgent: "Mozilla/5.0 (X11)"}

func TestRegistryCreateAndTouch(t *testing.T) {
	f := newRegistryFixture(Config{})
	ctx := context.Background()
	identityID := uuid.New()

	sess, err := f.registry.Create(ctx, identityID, "jti-1", testFP)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sess.TrustLevel != repository.TrustFull {
		t.Errorf("new session trust = %q, want full", sess.TrustLevel)
	}

	f.advance(time.Minute)
	res, err := f.registry.Touch(ctx, sess.ID, testFP)
	if err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if res.HijackSuspected {
		t.Error("Touch() with unchanged fingerprint flagged hijack")
	}
	if !res.Session.LastSeenAt.After(sess.CreatedAt) {
		t.Error("Touch() did not advance last seen")
	}
}

func TestRegistryHijackFlagMode(t *testing.T) {
	f := newRegistryFixture(Config{HijackMode: HijackModeFlag, FingerprintWindow: 5 * time.Minute})
	ctx := context.Background()

	sess, err := f.registry.Create(ctx, uuid.New(), "jti-1", testFP)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// A subnet change a minute after the last request is suspicious:
	// trust is downgraded but the request goes through.
	f.advance(time.Minute)
	moved := Fingerprint{IP: "198.51.100.7", UserAgent: testFP.UserAgent}
	res, err := f.registry.Touch(ctx, sess.ID, moved)
	if err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if !res.HijackSuspected {
		t.Error("fingerprint change inside window not flagged")
	}
	if res.Session.TrustLevel != repository.TrustDegraded {
		t.Errorf("trust = %q, want degraded", res.Session.TrustLevel)
	}
}

func TestRegistryHijackBlockMode(t *testing.T) {
	f := newRegistryFixture(Config{HijackMode: HijackModeBlock, FingerprintWindow: 5 * time.Minute})
	ctx := context.Background()

	sess, err := f.registry.Create(ctx, uuid.New(), "jti-1", testFP)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	f.advance(time.Minute)
	moved := Fingerprint{IP: "198.51.100.7", UserAgent: testFP.UserAgent}
	if _, err := f.registry.Touch(ctx, sess.ID, moved); !errors.Is(err, ErrSessionHijackSuspected) {
		t.Fatalf("Touch() error = %v, want ErrSessionHijackSuspected", err)
	}

	// Block mode revokes the session outright.
	if _, err := f.registry.Touch(ctx, sess.ID, moved); !errors.Is(err, ErrSessionRevoked) {
		t.Errorf("Touch() after block error = %v, want ErrSessionRevoked", err)
	}
}

func TestRegistryFingerprintChurnOutsideWindow(t *testing.T) {
	f := newRegistryFixture(Config{FingerprintWindow: 5 * time.Minute})
	ctx := context.Background()

	sess, err := f.registry.Create(ctx, uuid.New(), "jti-1", testFP)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// The same change an hour later is ordinary churn, e.g. a phone
	// moving networks overnight.
	f.advance(time.Hour)
	moved := Fingerprint{IP: "198.51.100.7", UserAgent: testFP.UserAgent}
	res, err := f.registry.Touch(ctx, sess.ID, moved)
	if err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if res.HijackSuspected {
		t.Error("fingerprint change outside window flagged as hijack")
	}
	if res.Session.TrustLevel != repository.TrustFull {
		t.Errorf("trust = %q, want full", res.Session.TrustLevel)
	}
}

func TestRegistryRotateRefresh(t *testing.T) {
	f := newRegistryFixture(Config{})
	ctx := context.Background()

	sess, err := f.registry.Create(ctx, uuid.New(), "jti-1", testFP)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	rotated, err := f.registry.RotateRefresh(ctx, sess.ID, sess.IdentityID, "jti-1", "jti-2")
	if err != nil {
		t.Fatalf("RotateRefresh() error = %v", err)
	}
	if rotated.CurrentRefreshJTI != "jti-2" || rotated.RotationSeq != 1 {
		t.Errorf("rotated jti=%q seq=%d, want jti-2 seq=1", rotated.CurrentRefreshJTI, rotated.RotationSeq)
	}

	// Replaying the spent jti revokes the session.
	if _, err := f.registry.RotateRefresh(ctx, sess.ID, sess.IdentityID, "jti-1", "jti-3"); !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("RotateRefresh() replay error = %v, want ErrTokenReuseDetected", err)
	}

	// The chain is dead: even the current jti no longer rotates.
	if _, err := f.registry.RotateRefresh(ctx, sess.ID, sess.IdentityID, "jti-2", "jti-4"); !errors.Is(err, ErrSessionRevoked) {
		t.Errorf("RotateRefresh() after reuse error = %v, want ErrSessionRevoked", err)
	}
	if _, err := f.registry.Get(ctx, sess.ID); !errors.Is(err, ErrSessionRevoked) {
		t.Errorf("Get() after reuse error = %v, want ErrSessionRevoked", err)
	}
}

func TestRegistryRotateRevokesAllWhenConfigured(t *testing.T) {
	f := newRegistryFixture(Config{RevokeAllOnReuse: true})
	ctx := context.Background()
	identityID := uuid.New()

	a, err := f.registry.Create(ctx, identityID, "jti-a1", testFP)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	b, err := f.registry.Create(ctx, identityID, "jti-b1", testFP)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := f.registry.RotateRefresh(ctx, a.ID, identityID, "jti-a1", "jti-a2"); err != nil {
		t.Fatalf("RotateRefresh() error = %v", err)
	}
	if _, err := f.registry.RotateRefresh(ctx, a.ID, identityID, "jti-a1", "jti-a3"); !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("RotateRefresh() replay error = %v, want ErrTokenReuseDetected", err)
	}

	// Every session of the identity is gone, not just the abused one.
	if _, err := f.registry.Get(ctx, b.ID); !errors.Is(err, ErrSessionRevoked) {
		t.Errorf("sibling session after identity-wide revocation error = %v, want ErrSessionRevoked", err)
	}
}

func TestRegistryRotateMissingSessionIsReuse(t *testing.T) {
	f := newRegistryFixture(Config{})
	ctx := context.Background()
	identityID := uuid.New()

	live, err := f.registry.Create(ctx, identityID, "jti-live", testFP)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := f.registry.RotateRefresh(ctx, uuid.New(), identityID, "jti-x", "jti-y"); !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("RotateRefresh() missing session error = %v, want ErrTokenReuseDetected", err)
	}

	// A replay naming a vanished session cannot be traced to its live
	// successor, so the identity's sessions die with it.
	if _, err := f.registry.Get(ctx, live.ID); !errors.Is(err, ErrSessionRevoked) {
		t.Errorf("Get() sibling after missing-session replay error = %v, want ErrSessionRevoked", err)
	}
}

func TestRegistryReplayAfterRekeyKillsChain(t *testing.T) {
	f := newRegistryFixture(Config{RekeyInterval: 30 * time.Minute})
	ctx := context.Background()
	identityID := uuid.New()

	sess, err := f.registry.Create(ctx, identityID, "jti-1", testFP)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	oldID := sess.ID

	rotated, err := f.registry.RotateRefresh(ctx, oldID, identityID, "jti-1", "jti-2")
	if err != nil {
		t.Fatalf("RotateRefresh() error = %v", err)
	}

	f.advance(31 * time.Minute)
	rekeyed, changed, err := f.registry.RegenerateIfDue(ctx, rotated)
	if err != nil || !changed {
		t.Fatalf("RegenerateIfDue() = (changed=%v, err=%v), want a re-key", changed, err)
	}
	if rekeyed.ID == oldID {
		t.Fatal("re-key kept the old session id")
	}

	// A pre-re-key token still names the old id. Replaying it must not
	// leave the re-keyed successor usable.
	if _, err := f.registry.RotateRefresh(ctx, oldID, identityID, "jti-1", "jti-x"); !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("RotateRefresh() stale-id replay error = %v, want ErrTokenReuseDetected", err)
	}
	if _, err := f.registry.RotateRefresh(ctx, rekeyed.ID, identityID, "jti-2", "jti-3"); !errors.Is(err, ErrSessionRevoked) {
		t.Errorf("RotateRefresh() on re-keyed session after replay error = %v, want ErrSessionRevoked", err)
	}
}

func TestRegistryHotPathCallsCarryDeadline(t *testing.T) {
	f := newRegistryFixture(Config{})
	ctx := context.Background()

	sess, err := f.registry.Create(ctx, uuid.New(), "jti-1", testFP)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := f.registry.RotateRefresh(ctx, sess.ID, sess.IdentityID, "jti-1", "jti-2"); err != nil {
		t.Fatalf("RotateRefresh() error = %v", err)
	}
	f.repo.mu.Lock()
	bounded := f.repo.lastCtxBounded
	f.repo.mu.Unlock()
	if !bounded {
		t.Error("rotate hit the store without a deadline")
	}

	if _, err := f.registry.Touch(ctx, sess.ID, testFP); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	f.repo.mu.Lock()
	bounded = f.repo.lastCtxBounded
	f.repo.mu.Unlock()
	if !bounded {
		t.Error("touch hit the store without a deadline")
	}
}

func TestRegistryRegenerateIfDue(t *testing.T) {
	f := newRegistryFixture(Config{RekeyInterval: 30 * time.Minute})
	ctx := context.Background()

	sess, err := f.registry.Create(ctx, uuid.New(), "jti-1", testFP)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	oldID := sess.ID

	sess, changed, err := f.registry.RegenerateIfDue(ctx, sess)
	if err != nil {
		t.Fatalf("RegenerateIfDue() error = %v", err)
	}
	if changed {
		t.Error("session re-keyed before the interval elapsed")
	}

	f.advance(31 * time.Minute)
	sess, changed, err = f.registry.RegenerateIfDue(ctx, sess)
	if err != nil {
		t.Fatalf("RegenerateIfDue() error = %v", err)
	}
	if !changed || sess.ID == oldID {
		t.Fatalf("session not re-keyed after interval: changed=%v id=%v", changed, sess.ID)
	}

	// The old id is dead, the new one carries the session onward.
	if _, err := f.registry.Get(ctx, oldID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() old id error = %v, want ErrSessionNotFound", err)
	}
	if _, err := f.registry.Get(ctx, sess.ID); err != nil {
		t.Errorf("Get() new id error = %v", err)
	}
}

func TestRegistryRevokeIdempotent(t *testing.T) {
	f := newRegistryFixture(Config{})
	ctx := context.Background()

	sess, err := f.registry.Create(ctx, uuid.New(), "jti-1", testFP)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := f.registry.Revoke(ctx, sess.ID, ReasonLogout); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if err := f.registry.Revoke(ctx, sess.ID, ReasonLogout); err != nil {
		t.Errorf("second Revoke() error = %v, want nil", err)
	}
}

func TestRotationLinearizable(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		contenders := rapid.IntRange(2, 8).Draw(t, "contenders")

		f := newRegistryFixture(Config{})
		ctx := context.Background()

		sess, err := f.registry.Create(ctx, uuid.New(), "jti-0", testFP)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		// All contenders race with the same spent-after-first-use token.
		results := make([]error, contenders)
		var wg sync.WaitGroup
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := f.registry.RotateRefresh(ctx, sess.ID, sess.IdentityID, "jti-0", "jti-new-"+string(rune('a'+i)))
				results[i] = err
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range results {
			if err == nil {
				wins++
			} else if !errors.Is(err, ErrTokenReuseDetected) && !errors.Is(err, ErrSessionRevoked) {
				t.Fatalf("unexpected rotate error: %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("winners = %d, want exactly 1 of %d contenders", wins, contenders)
		}
	})
}
