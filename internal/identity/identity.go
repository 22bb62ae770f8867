// Package identity models the caller of one request and validates the bearer
// token that identifies them. Validation happens in two stages: a local parse
// that rejects malformed or expired tokens without touching the network, and
// a signature verification against the cloud tenant's published keys.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	gwerrors "github.com/ai-icarus/icarus/internal/errors"
	"github.com/golang-jwt/jwt/v5"
)

// CallerIdentity carries the identity of one inbound request. The raw token
// is unexported so it cannot leak through JSON encoding or %+v logging.
type CallerIdentity struct {
	Subject  string
	TenantID string
	Expiry   time.Time

	token string
}

// Token returns the raw bearer token for use in the on-behalf-of exchange.
func (c CallerIdentity) Token() string {
	return c.token
}

// SubjectHash returns a short stable digest of the subject for log and audit
// correlation. The raw subject never appears in logs.
func (c CallerIdentity) SubjectHash() string {
	return HashSubject(c.Subject)
}

// HashSubject digests a caller subject for logging without exposing it.
func HashSubject(subject string) string {
	sum := sha256.Sum256([]byte(subject))
	return hex.EncodeToString(sum[:])[:12]
}

// Expired reports whether the caller token has expired at the given instant.
func (c CallerIdentity) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && now.After(c.Expiry)
}

// String implements fmt.Stringer without exposing the token.
func (c CallerIdentity) String() string {
	return fmt.Sprintf("caller(%s)", c.SubjectHash())
}

// azureClaims are the claims read from an Azure AD access token.
type azureClaims struct {
	jwt.RegisteredClaims
	ObjectID string `json:"oid,omitempty"`
	TenantID string `json:"tid,omitempty"`
}

// BearerFromRequest extracts the bearer token from the Authorization header.
func BearerFromRequest(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", gwerrors.Authentication("extract_bearer", fmt.Errorf("missing Authorization header"))
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", gwerrors.Authentication("extract_bearer", fmt.Errorf("Authorization header is not a bearer token"))
	}
	return strings.TrimSpace(token), nil
}

// Parse performs the local, no-network stage of caller validation: the token
// must be a well-formed JWT with a subject and an unexpired exp claim.
// Signature verification is the Verifier's job.
func Parse(rawToken string) (CallerIdentity, error) {
	claims := &azureClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(rawToken, claims); err != nil {
		return CallerIdentity{}, gwerrors.Authentication("parse_caller_token",
			fmt.Errorf("%w: %v", gwerrors.ErrTokenMalformed, err))
	}

	subject := claims.ObjectID
	if subject == "" {
		subject = claims.Subject
	}
	if subject == "" {
		return CallerIdentity{}, gwerrors.Authentication("parse_caller_token",
			fmt.Errorf("%w: token carries no subject", gwerrors.ErrTokenMalformed))
	}

	if claims.ExpiresAt == nil {
		return CallerIdentity{}, gwerrors.Authentication("parse_caller_token",
			fmt.Errorf("%w: token carries no expiry", gwerrors.ErrTokenMalformed))
	}
	expiry := claims.ExpiresAt.Time
	if time.Now().After(expiry) {
		return CallerIdentity{}, gwerrors.Authentication("parse_caller_token", gwerrors.ErrTokenExpired)
	}

	return CallerIdentity{
		Subject:  subject,
		TenantID: claims.TenantID,
		Expiry:   expiry,
		token:    rawToken,
	}, nil
}
