package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/ai-icarus/icarus/internal/cloud"
	gwerrors "github.com/ai-icarus/icarus/internal/errors"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog/log"
)

// Verifier checks a caller token's signature against the issuing tenant.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (CallerIdentity, error)
}

// OIDCVerifier validates tokens against the cloud profile's issuer using its
// published signing keys. Provider discovery is lazy and cached: the first
// verification fetches the issuer metadata, later ones reuse the key set.
type OIDCVerifier struct {
	issuer    string
	audiences []string

	mu       sync.Mutex
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier builds a verifier for one tenant in one cloud. Tokens are
// accepted when their audience is the client ID in either bare or
// "api://" resource form.
func NewOIDCVerifier(profile cloud.Profile, tenantID, clientID string) *OIDCVerifier {
	return &OIDCVerifier{
		issuer:    profile.IssuerURL(tenantID),
		audiences: []string{clientID, "api://" + clientID},
	}
}

// Verify checks the token signature, issuer, expiry and audience. Discovery
// failures are transient; every token defect is an authentication failure.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (CallerIdentity, error) {
	verifier, err := v.tokenVerifier(ctx)
	if err != nil {
		return CallerIdentity{}, err
	}

	idToken, err := verifier.Verify(ctx, rawToken)
	if err != nil {
		return CallerIdentity{}, gwerrors.Authentication("verify_caller_token", err)
	}

	if !v.audienceAccepted(idToken.Audience) {
		return CallerIdentity{}, gwerrors.Authentication("verify_caller_token",
			fmt.Errorf("token audience does not match this application"))
	}

	var claims struct {
		ObjectID string `json:"oid"`
		TenantID string `json:"tid"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return CallerIdentity{}, gwerrors.Authentication("verify_caller_token",
			fmt.Errorf("%w: %v", gwerrors.ErrTokenMalformed, err))
	}

	subject := claims.ObjectID
	if subject == "" {
		subject = idToken.Subject
	}
	if subject == "" {
		return CallerIdentity{}, gwerrors.Authentication("verify_caller_token",
			fmt.Errorf("%w: token carries no subject", gwerrors.ErrTokenMalformed))
	}

	return CallerIdentity{
		Subject:  subject,
		TenantID: claims.TenantID,
		Expiry:   idToken.Expiry,
		token:    rawToken,
	}, nil
}

// tokenVerifier lazily discovers the issuer and caches the key set verifier.
func (v *OIDCVerifier) tokenVerifier(ctx context.Context) (*oidc.IDTokenVerifier, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.verifier != nil {
		return v.verifier, nil
	}

	provider, err := oidc.NewProvider(ctx, v.issuer)
	if err != nil {
		return nil, gwerrors.UpstreamUnavailable("discover_issuer",
			fmt.Errorf("issuer discovery failed: %w", err))
	}

	// Audience is checked separately so both the bare client ID and the
	// api:// resource form are accepted.
	v.verifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	log.Debug().Str("issuer", v.issuer).Msg("OIDC issuer discovered")
	return v.verifier, nil
}

func (v *OIDCVerifier) audienceAccepted(tokenAudiences []string) bool {
	for _, got := range tokenAudiences {
		for _, want := range v.audiences {
			if got == want {
				return true
			}
		}
	}
	return false
}
