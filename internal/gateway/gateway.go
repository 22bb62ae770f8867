// Package gateway validates, authorizes and executes tool invocations on
// behalf of a calling user. Each tool in the closed catalog declares at most
// one downstream service; the gateway exchanges the caller's token for that
// service's audience before the handler runs, retries a read-only tool once
// after a transient upstream failure, and records every invocation in the
// audit trail. Raw upstream error bodies never cross back to the agent loop.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ai-icarus/icarus/internal/azure"
	"github.com/ai-icarus/icarus/internal/cloud"
	gwerrors "github.com/ai-icarus/icarus/internal/errors"
	"github.com/ai-icarus/icarus/internal/identity"
	"github.com/ai-icarus/icarus/internal/logging"
	"github.com/ai-icarus/icarus/internal/metrics"
	"github.com/ai-icarus/icarus/pkg/audit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// phase names one step of the invocation state machine.
type phase string

const (
	phaseReceived    phase = "received"
	phaseResolved    phase = "resolved"
	phaseAuthorizing phase = "authorizing"
	phaseExchanging  phase = "exchanging"
	phaseExecuting   phase = "executing"
	phaseCompleted   phase = "completed"
	phaseFailed      phase = "failed"
)

// ClientFactory builds caller-scoped downstream clients for tool handlers.
type ClientFactory interface {
	ResourceGraph(ctx context.Context, caller identity.CallerIdentity) (*azure.ResourceGraphClient, error)
	LogAnalytics(ctx context.Context, caller identity.CallerIdentity) (*azure.LogAnalyticsClient, error)
	Invalidate(caller identity.CallerIdentity, service cloud.ServiceKind)
}

// Config carries the cloud binding and retry settings for a gateway.
type Config struct {
	Profile cloud.Profile

	// RetryBackoff is the fixed delay before the single retry of a
	// read-only tool. Zero means 500ms.
	RetryBackoff time.Duration
}

// Gateway routes tool invocations through validation, audience authorization
// and credential exchange to the registered handler.
type Gateway struct {
	registry     *Registry
	factory      ClientFactory
	profile      cloud.Profile
	retryBackoff time.Duration
}

// New creates a gateway with the built-in tool catalog registered.
func New(factory ClientFactory, cfg Config) *Gateway {
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	g := &Gateway{
		registry:     NewRegistry(),
		factory:      factory,
		profile:      cfg.Profile,
		retryBackoff: backoff,
	}
	g.registerTools()
	return g
}

// RegisterTool allows tests or extensions to add tools at runtime.
func (g *Gateway) RegisterTool(tool RegisteredTool) {
	g.registry.Register(tool)
}

// ListTools returns the tool catalog in registration order.
func (g *Gateway) ListTools() []Tool {
	return g.registry.List()
}

// Invoke runs one tool call for the caller. Arguments are validated against
// the tool's schema before any credential work; tools without a declared
// service skip the exchange entirely.
func (g *Gateway) Invoke(ctx context.Context, caller identity.CallerIdentity, name string, args map[string]interface{}) (CallToolResult, error) {
	start := time.Now()
	if args == nil {
		args = map[string]interface{}{}
	}
	inv := &Invocation{
		Caller:    caller,
		RequestID: logging.GetRequestID(ctx),
		Tool:      name,
		Args:      args,
	}

	logger := log.With().
		Str("tool", name).
		Str("caller", caller.SubjectHash()).
		Str("request_id", inv.RequestID).
		Logger()
	logger.Debug().Str("phase", string(phaseReceived)).Msg("Tool invocation received")

	tool, ok := g.registry.Lookup(name)
	if !ok {
		return g.fail(logger, inv, "", start, false, gwerrors.UnknownTool("invoke_tool", name))
	}
	logger.Debug().Str("phase", string(phaseResolved)).Str("service", string(tool.Service)).Msg("Tool resolved")

	if err := validateArgs("invoke_tool", tool.Definition.InputSchema, args); err != nil {
		return g.fail(logger, inv, "", start, false, err)
	}
	if tool.Validate != nil {
		if err := tool.Validate(args); err != nil {
			var gwErr *gwerrors.GatewayError
			if !errors.As(err, &gwErr) {
				err = gwerrors.InvalidArgument("invoke_tool", err)
			}
			return g.fail(logger, inv, "", start, false, err)
		}
	}

	audience := ""
	if tool.Service != "" {
		logger.Debug().Str("phase", string(phaseAuthorizing)).Msg("Resolving tool audience")
		resolved, err := g.profile.AudienceFor(tool.Service)
		if err != nil {
			return g.fail(logger, inv, "", start, false, err)
		}
		audience = resolved
		if !g.profile.Allows(audience) {
			err := gwerrors.AudienceNotAllowed("invoke_tool", audience).WithTool(name)
			return g.fail(logger, inv, audience, start, false, err)
		}

		logger.Debug().Str("phase", string(phaseExchanging)).Str("audience", audience).Msg("Building scoped client")
		if err := g.attachClients(ctx, tool.Service, inv); err != nil {
			return g.fail(logger, inv, audience, start, false, err)
		}
	}

	logger.Debug().Str("phase", string(phaseExecuting)).Msg("Executing tool")
	result, err := tool.Handler(ctx, inv)

	retried := false
	if err != nil && tool.ReadOnly && gwerrors.IsRetryableError(err) {
		retried = true
		metrics.RecordToolRetry(name)
		logger.Debug().Dur("backoff", g.retryBackoff).Msg("Retrying read-only tool after transient upstream failure")
		select {
		case <-time.After(g.retryBackoff):
			result, err = tool.Handler(ctx, inv)
		case <-ctx.Done():
			// Keep the transient failure as the outcome; the caller has
			// already walked away.
		}
	}

	if err != nil {
		if tool.Service != "" && gwerrors.IsAuthError(err) {
			g.factory.Invalidate(caller, tool.Service)
			logger.Debug().Str("service", string(tool.Service)).Msg("Invalidated scoped client after credential rejection")
		}
		return g.fail(logger, inv, audience, start, retried, err)
	}

	g.finish(logger, inv, audience, start, retried, nil)
	return result, nil
}

// attachClients populates the invocation with the client for the tool's
// declared service, exchanging the caller's token as needed.
func (g *Gateway) attachClients(ctx context.Context, service cloud.ServiceKind, inv *Invocation) error {
	switch service {
	case cloud.ServiceResourceGraph:
		client, err := g.factory.ResourceGraph(ctx, inv.Caller)
		if err != nil {
			return err
		}
		inv.ResourceGraph = client
	case cloud.ServiceLogQuery:
		client, err := g.factory.LogAnalytics(ctx, inv.Caller)
		if err != nil {
			return err
		}
		inv.LogAnalytics = client
	default:
		return gwerrors.Configuration("invoke_tool",
			fmt.Errorf("no client for service kind %q", service))
	}
	return nil
}

func (g *Gateway) fail(logger zerolog.Logger, inv *Invocation, audience string, start time.Time, retried bool, err error) (CallToolResult, error) {
	g.finish(logger, inv, audience, start, retried, err)
	return CallToolResult{}, err
}

// finish closes out an invocation: metrics, audit record and the final
// state transition log.
func (g *Gateway) finish(logger zerolog.Logger, inv *Invocation, audience string, start time.Time, retried bool, err error) {
	elapsed := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = string(gwerrors.KindOf(err))
	}

	// Unregistered names are caller input; keep them out of metric labels.
	metricTool := inv.Tool
	if gwerrors.KindOf(err) == gwerrors.KindUnknownTool {
		metricTool = "unknown"
	}
	metrics.RecordToolInvocation(metricTool, outcome, elapsed)

	ev := audit.Event{
		EventType:  audit.EventToolInvocation,
		RequestID:  inv.RequestID,
		Caller:     inv.Caller.SubjectHash(),
		Cloud:      g.profile.ID,
		Tool:       inv.Tool,
		Audience:   audience,
		Success:    err == nil,
		Retried:    retried,
		DurationMS: elapsed.Milliseconds(),
	}
	if err != nil {
		ev.ErrorKind = outcome
	}
	audit.Record(ev)

	if err == nil {
		logger.Info().
			Str("phase", string(phaseCompleted)).
			Bool("retried", retried).
			Dur("elapsed", elapsed).
			Msg("Tool invocation completed")
		return
	}

	event := logger.Warn()
	if gwerrors.KindOf(err) == gwerrors.KindAudienceNotAllowed {
		event = logger.Error()
	}
	event.
		Str("phase", string(phaseFailed)).
		Str("error_kind", outcome).
		Str("audience", audience).
		Bool("retried", retried).
		Dur("elapsed", elapsed).
		Err(err).
		Msg("Tool invocation failed")
}
