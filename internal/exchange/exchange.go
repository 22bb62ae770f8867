// Package exchange implements the on-behalf-of credential exchange against
// the cloud identity provider, the per-session token cache in front of it,
// and the broker that coalesces concurrent exchanges for the same caller
// and audience into a single round trip.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ai-icarus/icarus/internal/cloud"
	gwerrors "github.com/ai-icarus/icarus/internal/errors"
	"github.com/ai-icarus/icarus/internal/identity"
	"github.com/ai-icarus/icarus/internal/metrics"
	"github.com/ai-icarus/icarus/pkg/audit"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	opExchange = "exchange_token"

	grantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// Token endpoint responses are small; anything past this is garbage.
	maxTokenResponseBytes = 1 << 20
)

// ScopedToken is a delegated access token scoped to exactly one downstream
// audience. The raw token is unexported so it cannot leak through JSON
// encoding or %+v logging.
type ScopedToken struct {
	Audience string
	Subject  string
	Expiry   time.Time

	token string
}

// Value returns the raw access token for Authorization headers.
func (t ScopedToken) Value() string {
	return t.token
}

// Valid reports whether the token is still usable at the given instant,
// keeping margin in hand for clock skew and downstream call latency.
func (t ScopedToken) Valid(now time.Time, margin time.Duration) bool {
	if t.token == "" {
		return false
	}
	return now.Add(margin).Before(t.Expiry)
}

// TokenSource adapts the scoped token for HTTP clients built on oauth2.
func (t ScopedToken) TokenSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: t.token,
		TokenType:   "Bearer",
		Expiry:      t.Expiry,
	})
}

// String implements fmt.Stringer without exposing the token.
func (t ScopedToken) String() string {
	return fmt.Sprintf("scoped(%s, exp %s)", t.Audience, t.Expiry.UTC().Format(time.RFC3339))
}

// Exchanger mints a scoped token from a caller token and a target audience.
type Exchanger interface {
	Exchange(ctx context.Context, callerToken, audience string) (ScopedToken, error)
}

// Engine performs the on-behalf-of exchange against one tenant of one cloud.
// It holds no per-caller state; caching and coalescing live in the Broker.
type Engine struct {
	profile      cloud.Profile
	tenantID     string
	clientID     string
	clientSecret string
	verifier     identity.Verifier
	tokenURL     string
	client       *http.Client
}

// EngineConfig carries the engine's cloud binding and application credential.
type EngineConfig struct {
	Profile      cloud.Profile
	TenantID     string
	ClientID     string
	ClientSecret string

	// Verifier re-checks the caller token signature before spending a round
	// trip on the exchange. Nil skips the check; the API boundary is then the
	// only place signatures are verified.
	Verifier identity.Verifier

	// Timeout bounds a single exchange round trip. Zero means 30s.
	Timeout time.Duration

	// TokenURL overrides the profile's token endpoint. Tests only.
	TokenURL string

	HTTPClient *http.Client
}

// NewEngine builds an exchange engine bound to one cloud profile.
func NewEngine(cfg EngineConfig) *Engine {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = cfg.Profile.TokenURL(cfg.TenantID)
	}
	return &Engine{
		profile:      cfg.Profile,
		tenantID:     cfg.TenantID,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		verifier:     cfg.Verifier,
		tokenURL:     tokenURL,
		client:       client,
	}
}

// Exchange validates the caller token locally, checks the audience against
// the cloud profile, then redeems the token on behalf of the caller. Expired
// or malformed caller tokens and out-of-profile audiences fail before any
// network traffic.
func (e *Engine) Exchange(ctx context.Context, callerToken, audience string) (ScopedToken, error) {
	caller, err := identity.Parse(callerToken)
	if err != nil {
		return ScopedToken{}, err
	}

	if audience == "" {
		return ScopedToken{}, gwerrors.InvalidArgument(opExchange, fmt.Errorf("audience is required"))
	}
	if !e.profile.Allows(audience) {
		log.Error().
			Str("cloud", e.profile.ID).
			Str("caller", caller.SubjectHash()).
			Str("audience", audience).
			Msg("Audience is outside the active cloud profile")
		return ScopedToken{}, gwerrors.AudienceNotAllowed(opExchange, audience)
	}

	if e.verifier != nil {
		if _, err := e.verifier.Verify(ctx, callerToken); err != nil {
			return ScopedToken{}, err
		}
	}

	start := time.Now()
	tok, err := e.redeem(ctx, callerToken, caller, audience)
	elapsed := time.Since(start)
	outcome := exchangeOutcome(err)
	metrics.RecordExchange(e.profile.ID, outcome, elapsed)

	ev := audit.Event{
		EventType:  audit.EventTokenExchange,
		Caller:     caller.SubjectHash(),
		Cloud:      e.profile.ID,
		Audience:   audience,
		Success:    err == nil,
		DurationMS: elapsed.Milliseconds(),
	}
	if err != nil {
		ev.ErrorKind = outcome
	}
	audit.Record(ev)

	if err != nil {
		return ScopedToken{}, err
	}

	log.Debug().
		Str("cloud", e.profile.ID).
		Str("caller", caller.SubjectHash()).
		Str("audience", audience).
		Time("expiry", tok.Expiry).
		Msg("Minted scoped token")
	return tok, nil
}

// tokenResponse is the success envelope from the token endpoint.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// aadError is the failure envelope from the token endpoint. Descriptions can
// quote request material, so only the stable code and numeric codes are used.
type aadError struct {
	Code       string `json:"error"`
	ErrorCodes []int  `json:"error_codes"`
}

func (e *Engine) redeem(ctx context.Context, callerToken string, caller identity.CallerIdentity, audience string) (ScopedToken, error) {
	form := url.Values{
		"grant_type":          {grantTypeJWTBearer},
		"client_id":           {e.clientID},
		"client_secret":       {e.clientSecret},
		"assertion":           {callerToken},
		"scope":               {audience + "/.default"},
		"requested_token_use": {"on_behalf_of"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return ScopedToken{}, gwerrors.Internal(opExchange, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ScopedToken{}, ctx.Err()
		}
		return ScopedToken{}, gwerrors.UpstreamUnavailable(opExchange,
			fmt.Errorf("identity provider unreachable: %w", err)).WithAudience(audience)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return ScopedToken{}, gwerrors.UpstreamUnavailable(opExchange,
			fmt.Errorf("reading token response: %w", err)).WithAudience(audience)
	}

	if resp.StatusCode != http.StatusOK {
		return ScopedToken{}, e.classifyRejection(resp.StatusCode, body, caller, audience)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return ScopedToken{}, gwerrors.UpstreamUnavailable(opExchange,
			fmt.Errorf("malformed token response: %w", err)).WithAudience(audience)
	}
	if tr.AccessToken == "" {
		return ScopedToken{}, gwerrors.UpstreamUnavailable(opExchange,
			fmt.Errorf("token response carries no access token")).WithAudience(audience)
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 300
	}

	return ScopedToken{
		Audience: audience,
		Subject:  caller.Subject,
		Expiry:   time.Now().Add(time.Duration(expiresIn) * time.Second),
		token:    tr.AccessToken,
	}, nil
}

// classifyRejection maps a non-200 token endpoint response onto the error
// taxonomy. Throttling and server errors are retryable; everything else is a
// terminal credential rejection.
func (e *Engine) classifyRejection(status int, body []byte, caller identity.CallerIdentity, audience string) error {
	var ae aadError
	_ = json.Unmarshal(body, &ae)

	code := ae.Code
	if code == "" {
		code = http.StatusText(status)
	}

	if status == http.StatusTooManyRequests || status >= 500 {
		log.Warn().
			Int("status", status).
			Str("error_code", code).
			Str("caller", caller.SubjectHash()).
			Str("audience", audience).
			Msg("Identity provider temporarily unavailable")
		return gwerrors.UpstreamUnavailable(opExchange,
			fmt.Errorf("identity provider returned %d (%s)", status, code)).
			WithAudience(audience).
			WithStatusCode(status)
	}

	log.Warn().
		Int("status", status).
		Str("error_code", code).
		Ints("error_codes", ae.ErrorCodes).
		Str("caller", caller.SubjectHash()).
		Str("audience", audience).
		Msg("Identity provider rejected exchange")
	return gwerrors.Authentication(opExchange,
		fmt.Errorf("identity provider rejected exchange: %s", code)).
		WithAudience(audience).
		WithStatusCode(status)
}

func exchangeOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return gwerrors.Code(err)
	}
}
