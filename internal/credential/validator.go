package credential

import (
	"errors"
	"unicode"
)

// ErrWeakPassword is returned when a candidate password fails the
// complexity policy.
var ErrWeakPassword = errors.New("password does not meet complexity requirements")

const (
	minPasswordLength = 12
	maxPasswordLength = 128
)

// ValidatePassword enforces the password complexity policy: 12 to 128
// characters with at least one upper, one lower, one digit, and one
// symbol. Length is measured in runes so multibyte characters count as
// one.
func ValidatePassword(password string) error {
	runes := []rune(password)
	if len(runes) < minPasswordLength || len(runes) > maxPasswordLength {
		return ErrWeakPassword
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range runes {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSymbol = true
		}
	}

	if !hasUpper || !hasLower || !hasDigit || !hasSymbol {
		return ErrWeakPassword
	}
	return nil
}
