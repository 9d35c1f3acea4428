// Package token issues and verifies the signed access and refresh
// tokens that carry a session.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token verification errors
var (
	ErrTokenExpired   = errors.New("token has expired")
	ErrTokenInvalid   = errors.New("token is invalid")
	ErrWrongTokenType = errors.New("wrong token type")
)

const (
	typeAccess  = "access"
	typeRefresh = "refresh"
)

// AccessClaims is the payload of a short-lived access token.
type AccessClaims struct {
	SessionID uuid.UUID `json:"sid"`
	Role      string    `json:"role"`
	TokenType string    `json:"typ"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of a refresh token. RotationSeq ties the
// token to one position in the session's rotation chain.
type RefreshClaims struct {
	SessionID   uuid.UUID `json:"sid"`
	RotationSeq int64     `json:"seq"`
	TokenType   string    `json:"typ"`
	jwt.RegisteredClaims
}

// Pair is one issued access/refresh token pair.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	RefreshJTI       string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// IssueParams describes the identity and session a pair is minted for.
// RefreshJTI must be the jti already installed on the session row, so
// the registry swap happens before any token carrying it exists.
type IssueParams struct {
	IdentityID  uuid.UUID
	Role        string
	SessionID   uuid.UUID
	RefreshJTI  string
	RotationSeq int64
}

// Config holds the signing material and lifetimes.
type Config struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// Service signs and verifies token pairs. Access and refresh tokens use
// separate HMAC secrets, so one class of token never validates as the
// other even if the type claim were stripped.
type Service struct {
	cfg Config
	now func() time.Time
}

// NewService creates a token service.
func NewService(cfg Config) *Service {
	return &Service{cfg: cfg, now: time.Now}
}

// NewJTI returns a fresh refresh-token identifier.
func NewJTI() string {
	return uuid.NewString()
}

// Issue mints an access/refresh pair for the given session position.
func (s *Service) Issue(params IssueParams) (*Pair, error) {
	now := s.now()
	accessExpiry := now.Add(s.cfg.AccessTTL)
	refreshExpiry := now.Add(s.cfg.RefreshTTL)

	accessClaims := AccessClaims{
		SessionID: params.SessionID,
		Role:      params.Role,
		TokenType: typeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   params.IdentityID.String(),
			Issuer:    s.cfg.Issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExpiry),
		},
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).SignedString([]byte(s.cfg.AccessSecret))
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refreshClaims := RefreshClaims{
		SessionID:   params.SessionID,
		RotationSeq: params.RotationSeq,
		TokenType:   typeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   params.IdentityID.String(),
			Issuer:    s.cfg.Issuer,
			ID:        params.RefreshJTI,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExpiry),
		},
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims).SignedString([]byte(s.cfg.RefreshSecret))
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	return &Pair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		RefreshJTI:       params.RefreshJTI,
		AccessExpiresAt:  accessExpiry,
		RefreshExpiresAt: refreshExpiry,
	}, nil
}

// VerifyAccess validates an access token's signature, expiry, and type.
// It does not consult the session registry.
func (s *Service) VerifyAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := s.parse(tokenString, claims, s.cfg.AccessSecret); err != nil {
		return nil, err
	}
	if claims.TokenType != typeAccess {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// VerifyRefresh validates a refresh token's signature, expiry, and type.
func (s *Service) VerifyRefresh(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := s.parse(tokenString, claims, s.cfg.RefreshSecret); err != nil {
		return nil, err
	}
	if claims.TokenType != typeRefresh {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

func (s *Service) parse(tokenString string, claims jwt.Claims, secret string) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	},
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return ErrTokenInvalid
	}
	return nil
}
