// Package api exposes the gateway over HTTP: the tool catalog, direct tool
// invocation, the agent chat loop and the audit query surface. Every
// authenticated route resolves the caller from the bearer token before any
// handler runs; the handlers themselves never see raw Authorization material
// beyond that exchange.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/ai-icarus/icarus/internal/agent"
	"github.com/ai-icarus/icarus/internal/auth"
	"github.com/ai-icarus/icarus/internal/config"
	"github.com/ai-icarus/icarus/internal/gateway"
	"github.com/ai-icarus/icarus/internal/identity"
	"github.com/rs/zerolog/log"
)

// ToolGateway is the slice of the gateway the HTTP layer needs.
type ToolGateway interface {
	ListTools() []gateway.Tool
	Invoke(ctx context.Context, caller identity.CallerIdentity, name string, args map[string]interface{}) (gateway.CallToolResult, error)
}

// ChatService runs one agent conversation turn, streaming progress through
// the callback.
type ChatService interface {
	Chat(ctx context.Context, caller identity.CallerIdentity, sessionID, message string, callback agent.EventCallback) (*agent.ChatResult, error)
}

// Router handles HTTP routing
type Router struct {
	mux      *http.ServeMux
	config   *config.Config
	verifier identity.Verifier
	tools    ToolGateway
	chat     ChatService
	version  string
}

// NewRouter creates a new router instance. The chat service may be nil when
// model inference is not configured; the chat route then answers 503.
func NewRouter(cfg *config.Config, verifier identity.Verifier, tools ToolGateway, chat ChatService, version string) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		config:   cfg,
		verifier: verifier,
		tools:    tools,
		chat:     chat,
		version:  version,
	}

	r.setupRoutes()
	return r
}

// setupRoutes configures all routes
func (r *Router) setupRoutes() {
	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.HandleFunc("/api/config", r.handleConfig)
	r.mux.HandleFunc("/api/tools", r.requireCaller(r.handleListTools))
	r.mux.HandleFunc("/api/tools/invoke", r.requireCaller(r.handleInvokeTool))
	r.mux.HandleFunc("/api/chat", r.requireCaller(r.handleChat))
	r.mux.HandleFunc("/api/audit", r.handleAuditQuery)
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Add CORS headers when the Origin matches a configured pattern
	if origin := req.Header.Get("Origin"); origin != "" && r.originAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+auth.AdminTokenHeader)
		w.Header().Set("Vary", "Origin")
	}

	// Handle preflight requests
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if strings.HasPrefix(req.URL.Path, "/api/") {
		addSecurityHeaders(w)
	}

	start := time.Now()
	r.mux.ServeHTTP(w, req)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

// originAllowed matches an Origin header value against the configured
// comma-separated patterns. Patterns may carry wildcards, for example
// "https://*.example.gov".
func (r *Router) originAllowed(origin string) bool {
	for _, pattern := range strings.Split(r.config.AllowedOrigins, ",") {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if wildcard.Match(pattern, origin) {
			return true
		}
	}
	return false
}

// addSecurityHeaders adds security headers to the response
func addSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Cache-Control", "no-store")
}

// callerHandler is an http.HandlerFunc that additionally receives the
// verified caller identity.
type callerHandler func(w http.ResponseWriter, req *http.Request, caller identity.CallerIdentity)

// requireCaller authenticates the bearer token before the handler runs. Any
// token defect answers 401 through the shared envelope; the distinction
// stays in server logs only.
func (r *Router) requireCaller(next callerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		rawToken, err := identity.BearerFromRequest(req)
		if err != nil {
			writeGatewayError(w, req, err)
			return
		}

		caller, err := r.verifier.Verify(req.Context(), rawToken)
		if err != nil {
			log.Warn().Err(err).Str("path", req.URL.Path).Msg("Caller verification failed")
			writeGatewayError(w, req, err)
			return
		}

		next(w, req, caller)
	}
}

// handleHealth handles health check requests
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeErrorResponse(w, req, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "icarus",
		"version":   r.version,
		"timestamp": time.Now().Unix(),
	})
}

// handleConfig reports non-secret runtime configuration. Status degrades when
// the model inference backend is missing so operators can tell an idle
// deployment from a broken one.
func (r *Router) handleConfig(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeErrorResponse(w, req, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
		return
	}

	status := "configured"
	if !r.config.IsInferenceConfigured() {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"environment": r.config.CloudEnvironment,
		"version":     r.version,
		"status":      status,
	})
}
