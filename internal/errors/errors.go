package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error types
var (
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenMalformed     = errors.New("token malformed")
	ErrAudienceNotAllowed = errors.New("audience not allowed")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUnknownTool        = errors.New("unknown tool")
)

// Kind represents the category of a gateway error
type Kind string

const (
	KindConfiguration       Kind = "configuration"
	KindAuthentication      Kind = "authentication"
	KindAudienceNotAllowed  Kind = "audience_not_allowed"
	KindInvalidArgument     Kind = "invalid_argument"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUnknownTool         Kind = "unknown_tool"
	KindInternal            Kind = "internal"
)

// GatewayError is a structured error for exchange and tool-invocation operations.
// It never carries token material; only operation names, audiences and wrapped
// causes appear in the message.
type GatewayError struct {
	Kind       Kind
	Op         string // Operation that failed (e.g., "exchange_token", "invoke_tool")
	Audience   string // Target audience if applicable
	Tool       string // Tool name if applicable
	Err        error  // Underlying error
	StatusCode int    // Upstream HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *GatewayError) Error() string {
	switch {
	case e.Tool != "" && e.Audience != "":
		return fmt.Sprintf("%s failed for tool %s (audience %s): %v", e.Op, e.Tool, e.Audience, e.Err)
	case e.Tool != "":
		return fmt.Sprintf("%s failed for tool %s: %v", e.Op, e.Tool, e.Err)
	case e.Audience != "":
		return fmt.Sprintf("%s failed for audience %s: %v", e.Op, e.Audience, e.Err)
	default:
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *GatewayError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrTokenExpired, ErrTokenMalformed:
		if e.Kind == KindAuthentication {
			return errors.Is(e.Err, target)
		}
	case ErrAudienceNotAllowed:
		return e.Kind == KindAudienceNotAllowed
	case ErrInvalidArgument:
		return e.Kind == KindInvalidArgument
	case ErrUpstreamUnavailable:
		return e.Kind == KindUpstreamUnavailable
	case ErrUnknownTool:
		return e.Kind == KindUnknownTool
	}

	return errors.Is(e.Err, target)
}

// New creates a new GatewayError
func New(kind Kind, op string, err error) *GatewayError {
	return &GatewayError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: kind == KindUpstreamUnavailable,
	}
}

// WithAudience adds the target audience to the error
func (e *GatewayError) WithAudience(audience string) *GatewayError {
	e.Audience = audience
	return e
}

// WithTool adds the tool name to the error
func (e *GatewayError) WithTool(tool string) *GatewayError {
	e.Tool = tool
	return e
}

// WithStatusCode adds the upstream HTTP status code to the error
func (e *GatewayError) WithStatusCode(code int) *GatewayError {
	e.StatusCode = code
	if e.Kind == KindUpstreamUnavailable {
		e.Retryable = code >= 500 || code == 429 || code == 408
	}
	return e
}

// Helper constructors

// Configuration wraps a startup configuration failure. Fatal: the process must
// not serve traffic when one of these comes back.
func Configuration(op string, err error) *GatewayError {
	return New(KindConfiguration, op, err)
}

// Authentication wraps a caller-credential failure
func Authentication(op string, err error) *GatewayError {
	return New(KindAuthentication, op, err)
}

// AudienceNotAllowed reports a cross-cloud audience violation
func AudienceNotAllowed(op, audience string) *GatewayError {
	return New(KindAudienceNotAllowed, op, ErrAudienceNotAllowed).WithAudience(audience)
}

// InvalidArgument wraps a malformed tool-argument failure
func InvalidArgument(op string, err error) *GatewayError {
	return New(KindInvalidArgument, op, err)
}

// UpstreamUnavailable wraps a transient upstream failure
func UpstreamUnavailable(op string, err error) *GatewayError {
	return New(KindUpstreamUnavailable, op, err)
}

// UnknownTool reports an unregistered tool name
func UnknownTool(op, tool string) *GatewayError {
	return New(KindUnknownTool, op, ErrUnknownTool).WithTool(tool)
}

// Internal wraps an unexpected failure
func Internal(op string, err error) *GatewayError {
	return New(KindInternal, op, err)
}

// KindOf extracts the Kind from an error chain
func KindOf(err error) Kind {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code the API boundary returns
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAudienceNotAllowed:
		return http.StatusForbidden
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindUnknownTool:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine-readable error code for API responses
func Code(err error) string {
	return string(KindOf(err))
}

// SafeMessage returns a short description with no token material or upstream
// body content, suitable for relaying into an agent conversation.
func SafeMessage(err error) string {
	switch KindOf(err) {
	case KindConfiguration:
		return "service is not configured"
	case KindAuthentication:
		return "authentication failed: sign in again and retry"
	case KindAudienceNotAllowed:
		return "the requested resource is not available in this cloud environment"
	case KindInvalidArgument:
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && gwErr.Err != nil {
			return "invalid arguments: " + gwErr.Err.Error()
		}
		return "invalid arguments"
	case KindUpstreamUnavailable:
		return "the upstream service is temporarily unavailable"
	case KindUnknownTool:
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && gwErr.Tool != "" {
			return "unknown tool: " + gwErr.Tool
		}
		return "unknown tool"
	default:
		return "an unexpected error occurred"
	}
}

// IsRetryableError checks if an error may be retried by the gateway
func IsRetryableError(err error) bool {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Retryable
	}
	return false
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		if gwErr.Kind == KindAuthentication {
			return true
		}
		if gwErr.StatusCode == http.StatusUnauthorized || gwErr.StatusCode == http.StatusForbidden {
			return true
		}
	}

	return errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrTokenMalformed)
}
