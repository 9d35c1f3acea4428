package token

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testService() (*Service, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc := NewService(Config{
		AccessSecret:  "test-access-secret",
		RefreshSecret: "test-refresh-secret",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "marketlens",
	})
	svc.now = clock.Now
	return svc, clock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testParams() IssueParams {
	return IssueParams{
		IdentityID:  uuid.New(),
		Role:        "member",
		SessionID:   uuid.New(),
		RefreshJTI:  NewJTI(),
		RotationSeq: 0,
	}
}

func TestIssueAndVerify(t *testing.T) {
	svc, _ := testService()
	params := testParams()

	pair, err := svc.Issue(params)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	access, err := svc.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess() error = %v", err)
	}
	if access.Subject != params.IdentityID.String() {
		t.Errorf("access subject = %q, want %q", access.Subject, params.IdentityID)
	}
	if access.SessionID != params.SessionID {
		t.Errorf("access session = %v, want %v", access.SessionID, params.SessionID)
	}
	if access.Role != "member" {
		t.Errorf("access role = %q, want member", access.Role)
	}

	refresh, err := svc.VerifyRefresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("VerifyRefresh() error = %v", err)
	}
	if refresh.ID != pair.RefreshJTI {
		t.Errorf("refresh jti = %q, want %q", refresh.ID, pair.RefreshJTI)
	}
	if refresh.RotationSeq != 0 {
		t.Errorf("refresh seq = %d, want 0", refresh.RotationSeq)
	}
}

func TestVerifyExpired(t *testing.T) {
	svc, clock := testService()

	pair, err := svc.Issue(testParams())
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	clock.Advance(16 * time.Minute)
	if _, err := svc.VerifyAccess(pair.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("VerifyAccess() after access TTL error = %v, want ErrTokenExpired", err)
	}
	if _, err := svc.VerifyRefresh(pair.RefreshToken); err != nil {
		t.Errorf("VerifyRefresh() inside refresh TTL error = %v", err)
	}

	clock.Advance(8 * 24 * time.Hour)
	if _, err := svc.VerifyRefresh(pair.RefreshToken); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("VerifyRefresh() after refresh TTL error = %v, want ErrTokenExpired", err)
	}
}

func TestTokenClassesDoNotCross(t *testing.T) {
	svc, _ := testService()

	pair, err := svc.Issue(testParams())
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	// Separate secrets: a refresh token fails access verification at the
	// signature, not just at the type claim.
	if _, err := svc.VerifyAccess(pair.RefreshToken); err == nil {
		t.Error("VerifyAccess() accepted a refresh token")
	}
	if _, err := svc.VerifyRefresh(pair.AccessToken); err == nil {
		t.Error("VerifyRefresh() accepted an access token")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	svc, _ := testService()

	pair, err := svc.Issue(testParams())
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	tampered := pair.AccessToken[:len(pair.AccessToken)-2] + "xx"
	if _, err := svc.VerifyAccess(tampered); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("VerifyAccess() tampered error = %v, want ErrTokenInvalid", err)
	}

	other := NewService(Config{
		AccessSecret:  "a different secret",
		RefreshSecret: "another different secret",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "marketlens",
	})
	if _, err := other.VerifyAccess(pair.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("VerifyAccess() wrong secret error = %v, want ErrTokenInvalid", err)
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	svc, _ := testService()

	foreign := NewService(Config{
		AccessSecret:  "test-access-secret",
		RefreshSecret: "test-refresh-secret",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "someone-else",
	})
	pair, err := foreign.Issue(testParams())
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, err := svc.VerifyAccess(pair.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("VerifyAccess() wrong issuer error = %v, want ErrTokenInvalid", err)
	}
}
