package azure

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ai-icarus/icarus/internal/cloud"
	gwerrors "github.com/ai-icarus/icarus/internal/errors"
	"github.com/ai-icarus/icarus/internal/exchange"
	"github.com/ai-icarus/icarus/internal/identity"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

type fakeTokenEndpoint struct {
	srv   *httptest.Server
	calls atomic.Int32

	reject bool

	mu     sync.Mutex
	scopes []string
}

func newFakeTokenEndpoint(t *testing.T) *fakeTokenEndpoint {
	t.Helper()

	f := &fakeTokenEndpoint{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := f.calls.Add(1)
		if err := r.ParseForm(); err == nil {
			f.mu.Lock()
			f.scopes = append(f.scopes, r.PostForm.Get("scope"))
			f.mu.Unlock()
		}

		w.Header().Set("Content-Type", "application/json")
		if f.reject {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error": "invalid_grant"}`)
			return
		}
		fmt.Fprintf(w, `{"access_token":"scoped-%d","token_type":"Bearer","expires_in":3600}`, n)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTokenEndpoint) requestedScopes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scopes...)
}

func factoryCaller(t *testing.T, subject string) identity.CallerIdentity {
	t.Helper()

	claims := jwt.MapClaims{
		"oid": subject,
		"tid": "tenant-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	caller, err := identity.Parse(signed)
	require.NoError(t, err)
	return caller
}

func newTestFactory(t *testing.T, endpoint *fakeTokenEndpoint) *Factory {
	t.Helper()

	profile, err := cloud.Resolve("government")
	require.NoError(t, err)

	engine := exchange.NewEngine(exchange.EngineConfig{
		Profile:      profile,
		TenantID:     "tenant-1",
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		TokenURL:     endpoint.srv.URL,
		Timeout:      5 * time.Second,
	})
	cache := exchange.NewTokenCache(time.Minute)
	t.Cleanup(cache.Close)

	return NewFactory(exchange.NewBroker(engine, cache), FactoryConfig{
		Profile:          profile,
		Timeout:          5 * time.Second,
		TokenMargin:      time.Minute,
		OpenAIEndpoint:   "https://aoai.example.us",
		OpenAIDeployment: "gpt-4o-mini",
		OpenAIAPIVersion: "2024-06-01",
	})
}

func TestFactory_ReusesHandleWhileTokenFresh(t *testing.T) {
	endpoint := newFakeTokenEndpoint(t)
	factory := newTestFactory(t, endpoint)
	caller := factoryCaller(t, "user-1")

	first, err := factory.clientFor(t.Context(), caller, cloud.ServiceResourceGraph)
	require.NoError(t, err)

	second, err := factory.clientFor(t.Context(), caller, cloud.ServiceResourceGraph)
	require.NoError(t, err)

	require.Same(t, first, second)
	require.EqualValues(t, 1, endpoint.calls.Load())
}

func TestFactory_SeparateServicesGetSeparateScopes(t *testing.T) {
	endpoint := newFakeTokenEndpoint(t)
	factory := newTestFactory(t, endpoint)
	caller := factoryCaller(t, "user-1")

	_, err := factory.clientFor(t.Context(), caller, cloud.ServiceResourceGraph)
	require.NoError(t, err)
	_, err = factory.clientFor(t.Context(), caller, cloud.ServiceLogQuery)
	require.NoError(t, err)

	require.EqualValues(t, 2, endpoint.calls.Load())

	profile, err := cloud.Resolve("government")
	require.NoError(t, err)
	scopes := endpoint.requestedScopes()
	require.Contains(t, scopes, profile.ResourceGraphAudience+"/.default")
	require.Contains(t, scopes, profile.LogQueryAudience+"/.default")
}

func TestFactory_SeparateCallersGetSeparateHandles(t *testing.T) {
	endpoint := newFakeTokenEndpoint(t)
	factory := newTestFactory(t, endpoint)

	first, err := factory.clientFor(t.Context(), factoryCaller(t, "user-1"), cloud.ServiceResourceGraph)
	require.NoError(t, err)
	second, err := factory.clientFor(t.Context(), factoryCaller(t, "user-2"), cloud.ServiceResourceGraph)
	require.NoError(t, err)

	require.NotSame(t, first, second)
	require.EqualValues(t, 2, endpoint.calls.Load())
}

func TestFactory_ClientCarriesScopedToken(t *testing.T) {
	endpoint := newFakeTokenEndpoint(t)
	factory := newTestFactory(t, endpoint)
	caller := factoryCaller(t, "user-1")

	var gotAuth string
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	t.Cleanup(downstream.Close)

	hc, err := factory.clientFor(t.Context(), caller, cloud.ServiceLogQuery)
	require.NoError(t, err)

	resp, err := hc.Get(downstream.URL)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, "Bearer scoped-1", gotAuth)
}

func TestFactory_InvalidateForcesNewExchange(t *testing.T) {
	endpoint := newFakeTokenEndpoint(t)
	factory := newTestFactory(t, endpoint)
	caller := factoryCaller(t, "user-1")

	_, err := factory.clientFor(t.Context(), caller, cloud.ServiceResourceGraph)
	require.NoError(t, err)

	factory.Invalidate(caller, cloud.ServiceResourceGraph)

	_, err = factory.clientFor(t.Context(), caller, cloud.ServiceResourceGraph)
	require.NoError(t, err)
	require.EqualValues(t, 2, endpoint.calls.Load())
}

func TestFactory_BuildsCloudScopedClients(t *testing.T) {
	endpoint := newFakeTokenEndpoint(t)
	factory := newTestFactory(t, endpoint)
	caller := factoryCaller(t, "user-1")

	rg, err := factory.ResourceGraph(t.Context(), caller)
	require.NoError(t, err)
	require.Equal(t, "https://management.usgovcloudapi.net", rg.baseURL)

	la, err := factory.LogAnalytics(t.Context(), caller)
	require.NoError(t, err)
	require.Equal(t, "https://api.loganalytics.us", la.baseURL)

	oa, err := factory.OpenAI(t.Context(), caller)
	require.NoError(t, err)
	require.Equal(t, "https://aoai.example.us", oa.endpoint)
	require.Equal(t, "gpt-4o-mini", oa.deployment)
}

func TestFactory_PropagatesExchangeFailures(t *testing.T) {
	endpoint := newFakeTokenEndpoint(t)
	endpoint.reject = true
	factory := newTestFactory(t, endpoint)
	caller := factoryCaller(t, "user-1")

	_, err := factory.clientFor(t.Context(), caller, cloud.ServiceResourceGraph)

	require.Error(t, err)
	require.Equal(t, gwerrors.KindAuthentication, gwerrors.KindOf(err))
}
