package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ai-icarus/icarus/internal/agent"
	"github.com/ai-icarus/icarus/internal/config"
	gwerrors "github.com/ai-icarus/icarus/internal/errors"
	"github.com/ai-icarus/icarus/internal/gateway"
	"github.com/ai-icarus/icarus/internal/identity"
	"github.com/stretchr/testify/require"
)

const testBearer = "Bearer caller-token"

// fakeVerifier accepts exactly one token and counts how often it is asked.
type fakeVerifier struct {
	calls atomic.Int32
}

func (v *fakeVerifier) Verify(_ context.Context, rawToken string) (identity.CallerIdentity, error) {
	v.calls.Add(1)
	if rawToken != "caller-token" {
		return identity.CallerIdentity{}, gwerrors.Authentication("verify_token", errors.New("token rejected"))
	}
	return identity.CallerIdentity{
		Subject:  "user-1",
		TenantID: "tenant-1",
		Expiry:   time.Now().Add(time.Hour),
	}, nil
}

type invokeCall struct {
	tool string
	args map[string]interface{}
}

// fakeToolGateway serves a fixed catalog and scripted invocation outcomes.
type fakeToolGateway struct {
	result gateway.CallToolResult
	err    error
	calls  []invokeCall
}

func (f *fakeToolGateway) ListTools() []gateway.Tool {
	return []gateway.Tool{
		{Name: "discover_workspaces", Description: "List reachable workspaces", InputSchema: gateway.InputSchema{Type: "object"}},
		{Name: "execute_kql_query", Description: "Run a KQL query", InputSchema: gateway.InputSchema{Type: "object"}},
	}
}

func (f *fakeToolGateway) Invoke(_ context.Context, _ identity.CallerIdentity, name string, args map[string]interface{}) (gateway.CallToolResult, error) {
	f.calls = append(f.calls, invokeCall{tool: name, args: args})
	if f.err != nil {
		return gateway.CallToolResult{}, f.err
	}
	return f.result, nil
}

type chatCall struct {
	sessionID string
	message   string
}

// fakeChat replays scripted events through the callback and returns a
// scripted result.
type fakeChat struct {
	events []agent.Event
	result *agent.ChatResult
	err    error
	calls  []chatCall
}

func (f *fakeChat) Chat(_ context.Context, _ identity.CallerIdentity, sessionID, message string, callback agent.EventCallback) (*agent.ChatResult, error) {
	f.calls = append(f.calls, chatCall{sessionID: sessionID, message: message})
	if callback != nil {
		for _, event := range f.events {
			callback(event)
		}
	}
	return f.result, f.err
}

type routerFixture struct {
	router   *Router
	verifier *fakeVerifier
	tools    *fakeToolGateway
	chat     *fakeChat
	config   *config.Config
}

func newTestRouter(t *testing.T, mutate func(*config.Config)) *routerFixture {
	t.Helper()

	cfg := &config.Config{
		CloudEnvironment: config.CloudGovernment,
		OpenAIEndpoint:   "https://models.example.us",
		OpenAIDeployment: "gpt-test",
	}
	if mutate != nil {
		mutate(cfg)
	}

	fx := &routerFixture{
		verifier: &fakeVerifier{},
		tools:    &fakeToolGateway{},
		chat:     &fakeChat{},
		config:   cfg,
	}
	fx.router = NewRouter(cfg, fx.verifier, fx.tools, fx.chat, "test")
	return fx
}

func serve(router *Router, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthEndpoint(t *testing.T) {
	fx := newTestRouter(t, nil)

	rec := serve(fx.router, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, "icarus", body["service"])
	require.Equal(t, "test", body["version"])
}

func TestConfigEndpointReportsInferenceStatus(t *testing.T) {
	t.Run("Configured", func(t *testing.T) {
		fx := newTestRouter(t, nil)

		rec := serve(fx.router, httptest.NewRequest(http.MethodGet, "/api/config", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		require.Equal(t, "government", body["environment"])
		require.Equal(t, "configured", body["status"])
	})

	t.Run("Degraded", func(t *testing.T) {
		fx := newTestRouter(t, func(cfg *config.Config) {
			cfg.OpenAIEndpoint = ""
		})

		rec := serve(fx.router, httptest.NewRequest(http.MethodGet, "/api/config", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "degraded", decodeBody(t, rec)["status"])
	})
}

func TestCORSMatchesConfiguredOrigins(t *testing.T) {
	fx := newTestRouter(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = "https://portal.example.gov, https://*.dev.example.gov"
	})

	tests := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{"ExactMatch", "https://portal.example.gov", true},
		{"WildcardMatch", "https://tools.dev.example.gov", true},
		{"OtherHost", "https://evil.example.com", false},
		{"SchemeMismatch", "http://portal.example.gov", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
			req.Header.Set("Origin", tt.origin)

			rec := serve(fx.router, req)

			got := rec.Header().Get("Access-Control-Allow-Origin")
			if tt.allowed {
				require.Equal(t, tt.origin, got)
			} else {
				require.Empty(t, got)
			}
		})
	}
}

func TestCORSDisabledByDefault(t *testing.T) {
	fx := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "https://portal.example.gov")

	rec := serve(fx.router, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPreflightShortCircuitsBeforeAuth(t *testing.T) {
	fx := newTestRouter(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = "https://portal.example.gov"
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/tools/invoke", nil)
	req.Header.Set("Origin", "https://portal.example.gov")

	rec := serve(fx.router, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Zero(t, fx.verifier.calls.Load(), "preflight must not hit the verifier")
}

func TestSecurityHeadersOnAPIRoutes(t *testing.T) {
	fx := newTestRouter(t, nil)

	rec := serve(fx.router, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestAuthenticatedRoutesRejectMissingBearer(t *testing.T) {
	fx := newTestRouter(t, nil)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/tools"},
		{http.MethodPost, "/api/tools/invoke"},
		{http.MethodPost, "/api/chat"},
	}

	for _, route := range routes {
		t.Run(route.path, func(t *testing.T) {
			rec := serve(fx.router, httptest.NewRequest(route.method, route.path, nil))

			require.Equal(t, http.StatusUnauthorized, rec.Code)
			body := decodeBody(t, rec)
			require.Equal(t, "authentication", body["code"])
			require.Equal(t, "authentication failed: sign in again and retry", body["error"])
		})
	}
}

func TestRejectedTokenAnswers401(t *testing.T) {
	fx := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/tools", nil)
	req.Header.Set("Authorization", "Bearer forged-token")

	rec := serve(fx.router, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, int32(1), fx.verifier.calls.Load())
	require.Empty(t, fx.tools.calls)
}

func TestListToolsReturnsCatalog(t *testing.T) {
	fx := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/tools", nil)
	req.Header.Set("Authorization", testBearer)

	rec := serve(fx.router, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body ToolsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tools, 2)
	require.Equal(t, "discover_workspaces", body.Tools[0].Name)
	require.Equal(t, "execute_kql_query", body.Tools[1].Name)
}

func TestOriginAllowedIgnoresEmptyPatterns(t *testing.T) {
	fx := newTestRouter(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = " , ,https://portal.example.gov"
	})

	require.True(t, fx.router.originAllowed("https://portal.example.gov"))
	require.False(t, fx.router.originAllowed(""))
	require.False(t, fx.router.originAllowed("https://other.example.gov"))
}

func TestUnknownRouteIs404(t *testing.T) {
	fx := newTestRouter(t, nil)

	rec := serve(fx.router, httptest.NewRequest(http.MethodGet, "/api/unknown", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthRejectsPost(t *testing.T) {
	fx := newTestRouter(t, nil)

	rec := serve(fx.router, httptest.NewRequest(http.MethodPost, "/api/health", strings.NewReader("{}")))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, "method_not_allowed", decodeBody(t, rec)["code"])
}
