// Package authn wires the credential store, lockout engine, token
// service, session registry, and audit recorder into the public
// authentication operations.
package authn

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// validate is the shared request validator.
var validate = validator.New()

// RegisterRequest represents the registration request payload
type RegisterRequest struct {
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required"`
	ConfirmPassword string `json:"confirm_password" validate:"required,eqfield=Password"`
}

// LoginRequest represents the login request payload
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// RefreshRequest represents the token refresh request payload
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// ChangePasswordRequest represents the password change request payload
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

// TokenResponse represents the issued token pair
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// IdentitySummary represents the caller-facing identity data
type IdentitySummary struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthResponse represents the authentication response
type AuthResponse struct {
	Identity IdentitySummary `json:"identity"`
	Tokens   TokenResponse   `json:"tokens"`
}

// SecurityEventFilter represents the admin event listing query
type SecurityEventFilter struct {
	IdentityID *uuid.UUID
	Category   string
	Outcome    string
	From       *time.Time
	To         *time.Time
	Limit      int
}

// validationDetails flattens validator errors into the response shape.
func validationDetails(err error) map[string][]string {
	details := make(map[string][]string)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			details[fe.Field()] = append(details[fe.Field()], fe.Tag())
		}
	}
	return details
}
