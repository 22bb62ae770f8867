// Package azure holds the clients for the downstream Azure data planes:
// Resource Graph, Log Analytics and Azure OpenAI. Every client authenticates
// with a scoped token minted for exactly one service audience, obtained
// through the exchange broker on behalf of the calling user.
package azure

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ai-icarus/icarus/internal/cloud"
	"github.com/ai-icarus/icarus/internal/exchange"
	"github.com/ai-icarus/icarus/internal/identity"
	"github.com/ai-icarus/icarus/pkg/tlsutil"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// Factory builds service clients bound to one caller and one audience. HTTP
// clients are cached per caller and service and rebuilt once the backing
// token approaches expiry, so a long conversation never runs a request on a
// token about to die.
type Factory struct {
	broker  *exchange.Broker
	profile cloud.Profile

	timeout     time.Duration
	tokenMargin time.Duration

	openAIEndpoint   string
	openAIDeployment string
	openAIAPIVersion string

	base http.RoundTripper

	mu      sync.Mutex
	handles map[handleKey]handle
}

// FactoryConfig carries the cloud binding and per-service settings.
type FactoryConfig struct {
	Profile cloud.Profile

	// Timeout bounds one downstream request. Zero means 60s.
	Timeout time.Duration

	// TokenMargin is how much life a cached handle's token must have left to
	// be reused. Zero means 60s.
	TokenMargin time.Duration

	OpenAIEndpoint   string
	OpenAIDeployment string
	OpenAIAPIVersion string
}

type handleKey struct {
	subject string
	service cloud.ServiceKind
}

type handle struct {
	client *http.Client
	expiry time.Time
}

// NewFactory wires a client factory to the exchange broker.
func NewFactory(broker *exchange.Broker, cfg FactoryConfig) *Factory {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	margin := cfg.TokenMargin
	if margin <= 0 {
		margin = time.Minute
	}
	return &Factory{
		broker:           broker,
		profile:          cfg.Profile,
		timeout:          timeout,
		tokenMargin:      margin,
		openAIEndpoint:   cfg.OpenAIEndpoint,
		openAIDeployment: cfg.OpenAIDeployment,
		openAIAPIVersion: cfg.OpenAIAPIVersion,
		base:             tlsutil.NewTransport(),
		handles:          make(map[handleKey]handle),
	}
}

// ResourceGraph returns a Resource Graph client acting as the caller.
func (f *Factory) ResourceGraph(ctx context.Context, caller identity.CallerIdentity) (*ResourceGraphClient, error) {
	hc, err := f.clientFor(ctx, caller, cloud.ServiceResourceGraph)
	if err != nil {
		return nil, err
	}
	return NewResourceGraphClient("https://"+f.profile.ManagementHost, hc), nil
}

// LogAnalytics returns a Log Analytics query client acting as the caller.
func (f *Factory) LogAnalytics(ctx context.Context, caller identity.CallerIdentity) (*LogAnalyticsClient, error) {
	hc, err := f.clientFor(ctx, caller, cloud.ServiceLogQuery)
	if err != nil {
		return nil, err
	}
	return NewLogAnalyticsClient("https://"+f.profile.LogQueryHost, hc), nil
}

// OpenAI returns an Azure OpenAI client acting as the caller against the
// configured deployment.
func (f *Factory) OpenAI(ctx context.Context, caller identity.CallerIdentity) (*OpenAIClient, error) {
	hc, err := f.clientFor(ctx, caller, cloud.ServiceModelInference)
	if err != nil {
		return nil, err
	}
	return NewOpenAIClient(f.openAIEndpoint, f.openAIDeployment, f.openAIAPIVersion, hc), nil
}

// Invalidate drops the cached handle and token for one caller and service,
// for use after a downstream credential rejection.
func (f *Factory) Invalidate(caller identity.CallerIdentity, service cloud.ServiceKind) {
	f.mu.Lock()
	delete(f.handles, handleKey{subject: caller.Subject, service: service})
	f.mu.Unlock()

	if audience, err := f.profile.AudienceFor(service); err == nil {
		f.broker.Invalidate(caller.Subject, audience)
	}
}

// clientFor returns an HTTP client whose requests carry the caller's scoped
// token for one service.
func (f *Factory) clientFor(ctx context.Context, caller identity.CallerIdentity, service cloud.ServiceKind) (*http.Client, error) {
	key := handleKey{subject: caller.Subject, service: service}
	now := time.Now()

	f.mu.Lock()
	h, ok := f.handles[key]
	f.mu.Unlock()
	if ok && now.Add(f.tokenMargin).Before(h.expiry) {
		return h.client, nil
	}

	audience, err := f.profile.AudienceFor(service)
	if err != nil {
		return nil, err
	}
	tok, err := f.broker.Token(ctx, caller, audience)
	if err != nil {
		return nil, err
	}

	baseCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Transport: f.base})
	client := oauth2.NewClient(baseCtx, tok.TokenSource())
	client.Timeout = f.timeout

	f.mu.Lock()
	f.handles[key] = handle{client: client, expiry: tok.Expiry}
	f.mu.Unlock()

	log.Debug().
		Str("caller", caller.SubjectHash()).
		Str("service", string(service)).
		Time("token_expiry", tok.Expiry).
		Msg("Built scoped service client")
	return client, nil
}
