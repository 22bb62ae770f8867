// Package auth guards the gateway's admin surface. The only privileged
// operation is reading the audit trail; access requires a single admin token
// whose bcrypt hash sits in configuration. The raw token is never stored.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// BcryptCost is the cost factor for bcrypt hashing
	// Higher values are more secure but slower
	BcryptCost = 12

	// MinTokenLength is the minimum required admin token length
	MinTokenLength = 16

	// AdminTokenHeader carries the admin token on audit requests. The
	// Authorization header stays reserved for the caller's own bearer token.
	AdminTokenHeader = "X-Admin-Token"
)

// HashAdminToken generates a bcrypt hash from a plain admin token for
// storing in configuration.
func HashAdminToken(token string) (string, error) {
	if err := ValidateTokenLength(token); err != nil {
		return "", err
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(token), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// CheckAdminToken compares a presented token with the configured hash. An
// empty hash means no admin token was configured and locks the surface
// entirely.
func CheckAdminToken(token, hash string) bool {
	if token == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// ValidateTokenLength checks that a token is long enough to be worth hashing
func ValidateTokenLength(token string) error {
	if len(token) < MinTokenLength {
		return fmt.Errorf("admin token must be at least %d characters long", MinTokenLength)
	}
	return nil
}

// TokenFromRequest extracts the admin token header from a request.
func TokenFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(AdminTokenHeader))
}
