// Package audit records security-relevant gateway activity.
//
// Every tool invocation and every token exchange produces one Event. The
// Logger interface has two backends: ConsoleLogger writes events to zerolog
// only, SQLiteLogger persists them with HMAC signatures and retention.
// Components report through the package-level Record helper, so a failure to
// persist an event never becomes a reason for the request itself to fail.
package audit

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// Event types recorded by the gateway.
const (
	EventToolInvocation = "tool_invocation"
	EventTokenExchange  = "token_exchange"
	EventChatRequest    = "chat_request"
	EventAuditCleanup   = "audit_cleanup"
)

// Event represents a single audit log entry.
//
// Caller holds the hashed subject, never a raw identity or token. Details is
// free text and must stay free of request material for the same reason.
type Event struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	EventType  string    `json:"event"`
	RequestID  string    `json:"requestId,omitempty"`
	Caller     string    `json:"caller,omitempty"`
	Cloud      string    `json:"cloud,omitempty"`
	Tool       string    `json:"tool,omitempty"`
	Audience   string    `json:"audience,omitempty"`
	Success    bool      `json:"success"`
	ErrorKind  string    `json:"errorKind,omitempty"`
	Retried    bool      `json:"retried,omitempty"`
	DurationMS int64     `json:"durationMs"`
	Details    string    `json:"details,omitempty"`
	Signature  string    `json:"signature,omitempty"`
}

// QueryFilter defines filters for querying audit events.
type QueryFilter struct {
	ID        string
	StartTime *time.Time
	EndTime   *time.Time
	EventType string
	Caller    string
	Tool      string
	Success   *bool
	Limit     int
	Offset    int
}

// Logger defines the interface for audit logging backends.
type Logger interface {
	// Log records an audit event
	Log(event Event) error

	// Query retrieves audit events matching the filter (may return empty for console logger)
	Query(filter QueryFilter) ([]Event, error)

	// Count returns the number of audit events matching the filter
	Count(filter QueryFilter) (int, error)

	// Close releases any resources held by the logger
	Close() error
}

// Global logger instance with thread-safe access
var (
	globalLogger Logger
	loggerMu     sync.RWMutex
	loggerOnce   sync.Once
)

// SetLogger sets the global audit logger.
// This should be called during application initialization.
// If called multiple times, subsequent calls replace the previous logger.
func SetLogger(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	globalLogger = l
}

// GetLogger returns the current global audit logger.
// If no logger has been set, it returns a ConsoleLogger.
func GetLogger() Logger {
	loggerMu.RLock()
	l := globalLogger
	loggerMu.RUnlock()

	if l != nil {
		return l
	}

	// Initialize default console logger on first access
	loggerOnce.Do(func() {
		loggerMu.Lock()
		defer loggerMu.Unlock()
		if globalLogger == nil {
			globalLogger = NewConsoleLogger()
		}
	})

	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return globalLogger
}

// Close closes the global audit logger if one has been set.
func Close() error {
	loggerMu.RLock()
	l := globalLogger
	loggerMu.RUnlock()
	if l == nil {
		return nil
	}
	return l.Close()
}

// Record logs an event using the global logger, stamping the ID and timestamp
// when the caller left them empty. Event IDs are ULIDs so the trail sorts
// chronologically by primary key.
func Record(event Event) {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := GetLogger().Log(event); err != nil {
		log.Error().Err(err).Str("event", event.EventType).Msg("Failed to record audit event")
	}
}

// ConsoleLogger implements Logger by writing to zerolog.
// This is the fallback when no audit database is configured.
type ConsoleLogger struct{}

// NewConsoleLogger creates a new console-based audit logger.
func NewConsoleLogger() *ConsoleLogger {
	return &ConsoleLogger{}
}

// Log writes an audit event to zerolog.
func (c *ConsoleLogger) Log(event Event) error {
	logEvent := log.With().
		Str("audit_id", event.ID).
		Str("event", event.EventType).
		Str("request_id", event.RequestID).
		Str("caller", event.Caller).
		Str("cloud", event.Cloud).
		Str("tool", event.Tool).
		Str("audience", event.Audience).
		Str("error_kind", event.ErrorKind).
		Bool("retried", event.Retried).
		Int64("duration_ms", event.DurationMS).
		Time("timestamp", event.Timestamp).
		Str("details", event.Details).
		Logger()

	if event.Success {
		logEvent.Info().Msg("Audit event")
	} else {
		logEvent.Warn().Msg("Audit event - FAILED")
	}

	return nil
}

// Query returns an empty slice for the console logger.
// Console logs are not queryable - use the SQLite logger for persistent storage.
func (c *ConsoleLogger) Query(filter QueryFilter) ([]Event, error) {
	return []Event{}, nil
}

// Count returns zero for the console logger.
func (c *ConsoleLogger) Count(filter QueryFilter) (int, error) {
	return 0, nil
}

// Close is a no-op for the console logger.
func (c *ConsoleLogger) Close() error {
	return nil
}
