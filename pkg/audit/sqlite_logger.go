package audit

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteLoggerConfig configures the SQLite audit logger.
type SQLiteLoggerConfig struct {
	DataDir       string // Directory for audit.db and the signing key
	RetentionDays int    // Days to keep events (default: 90, 0 = forever)
}

// SQLiteLogger implements Logger with persistent SQLite storage and HMAC signing.
type SQLiteLogger struct {
	mu            sync.RWMutex
	db            *sql.DB
	dbPath        string
	signer        *Signer
	retentionDays int
	stopChan      chan struct{}
	closeOnce     sync.Once
	closeErr      error
	wg            sync.WaitGroup
}

// NewSQLiteLogger creates a new SQLite-backed audit logger.
func NewSQLiteLogger(cfg SQLiteLoggerConfig) (*SQLiteLogger, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	// Ensure directory exists
	auditDir := filepath.Join(cfg.DataDir, "audit")
	if err := os.MkdirAll(auditDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	dbPath := filepath.Join(auditDir, "audit.db")

	// Open database with pragmas in DSN so every pool connection is configured
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			"cache_size(-64000)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	signer, err := NewSigner(auditDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit signer: %w", err)
	}

	retentionDays := cfg.RetentionDays
	if retentionDays == 0 {
		retentionDays = 90 // Default
	}

	l := &SQLiteLogger{
		db:            db,
		dbPath:        dbPath,
		signer:        signer,
		retentionDays: retentionDays,
		stopChan:      make(chan struct{}),
	}

	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Start retention worker if retention is enabled
	if retentionDays > 0 {
		l.wg.Add(1)
		go l.retentionWorker()
	}

	log.Info().
		Str("dbPath", dbPath).
		Int("retentionDays", retentionDays).
		Msg("SQLite audit logger initialized")

	return l, nil
}

// initSchema creates the database tables.
func (l *SQLiteLogger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		request_id TEXT,
		caller TEXT,
		cloud TEXT,
		tool TEXT,
		audience TEXT,
		success INTEGER NOT NULL,
		error_kind TEXT,
		retried INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		details TEXT,
		signature TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_caller ON audit_events(caller) WHERE caller != '';
	CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_events(tool) WHERE tool != '';

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	`

	_, err := l.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// Record schema version
	_, err = l.db.Exec(`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().Unix())
	return err
}

// Log records an audit event with HMAC signature.
func (l *SQLiteLogger) Log(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Sign the event
	event.Signature = l.signer.Sign(event)

	success := 0
	if event.Success {
		success = 1
	}
	retried := 0
	if event.Retried {
		retried = 1
	}

	_, err := l.db.Exec(`
		INSERT INTO audit_events (id, timestamp, event_type, request_id, caller, cloud, tool, audience, success, error_kind, retried, duration_ms, details, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Timestamp.Unix(),
		event.EventType,
		event.RequestID,
		event.Caller,
		event.Cloud,
		event.Tool,
		event.Audience,
		success,
		event.ErrorKind,
		retried,
		event.DurationMS,
		event.Details,
		event.Signature,
	)

	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	// Also log to zerolog for real-time visibility
	logEvent := log.With().
		Str("audit_id", event.ID).
		Str("event", event.EventType).
		Str("caller", event.Caller).
		Str("tool", event.Tool).
		Str("audience", event.Audience).
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

// filterClause translates a QueryFilter into a WHERE fragment and its args.
func filterClause(filter QueryFilter) (string, []interface{}) {
	clause := " WHERE 1=1"
	args := []interface{}{}

	if filter.ID != "" {
		clause += " AND id = ?"
		args = append(args, filter.ID)
	}
	if filter.StartTime != nil {
		clause += " AND timestamp >= ?"
		args = append(args, filter.StartTime.Unix())
	}
	if filter.EndTime != nil {
		clause += " AND timestamp <= ?"
		args = append(args, filter.EndTime.Unix())
	}
	if filter.EventType != "" {
		clause += " AND event_type = ?"
		args = append(args, filter.EventType)
	}
	if filter.Caller != "" {
		clause += " AND caller = ?"
		args = append(args, filter.Caller)
	}
	if filter.Tool != "" {
		clause += " AND tool = ?"
		args = append(args, filter.Tool)
	}
	if filter.Success != nil {
		success := 0
		if *filter.Success {
			success = 1
		}
		clause += " AND success = ?"
		args = append(args, success)
	}

	return clause, args
}

// Query retrieves audit events matching the filter.
func (l *SQLiteLogger) Query(filter QueryFilter) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	clause, args := filterClause(filter)
	query := "SELECT id, timestamp, event_type, request_id, caller, cloud, tool, audience, success, error_kind, retried, duration_ms, details, signature FROM audit_events" + clause

	query += " ORDER BY timestamp DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		// SQLite requires LIMIT when OFFSET is present.
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var timestamp int64
		var success, retried int
		var requestID, caller, cloud, tool, audience, errorKind, details, signature sql.NullString

		err := rows.Scan(&e.ID, &timestamp, &e.EventType, &requestID, &caller, &cloud, &tool, &audience, &success, &errorKind, &retried, &e.DurationMS, &details, &signature)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}

		e.Timestamp = time.Unix(timestamp, 0)
		e.Success = success == 1
		e.Retried = retried == 1
		e.RequestID = requestID.String
		e.Caller = caller.String
		e.Cloud = cloud.String
		e.Tool = tool.String
		e.Audience = audience.String
		e.ErrorKind = errorKind.String
		e.Details = details.String
		e.Signature = signature.String

		events = append(events, e)
	}

	return events, rows.Err()
}

// Count returns the number of events matching the filter.
func (l *SQLiteLogger) Count(filter QueryFilter) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	clause, args := filterClause(filter)

	var count int
	err := l.db.QueryRow("SELECT COUNT(*) FROM audit_events"+clause, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}

	return count, nil
}

// VerifySignature checks if an event's signature is valid.
func (l *SQLiteLogger) VerifySignature(event Event) bool {
	return l.signer.Verify(event)
}

// GetRetentionDays returns the configured retention period.
func (l *SQLiteLogger) GetRetentionDays() int {
	return l.retentionDays
}

// Close gracefully shuts down the logger. Safe to call more than once.
func (l *SQLiteLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopChan)
		l.wg.Wait()

		if err := l.db.Close(); err != nil {
			l.closeErr = fmt.Errorf("failed to close audit database: %w", err)
			return
		}
		log.Info().Msg("SQLite audit logger closed")
	})
	return l.closeErr
}

// retentionWorker runs periodically to clean up old events.
func (l *SQLiteLogger) retentionWorker() {
	defer l.wg.Done()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	// First sweep shortly after startup, then daily
	startup := time.NewTimer(5 * time.Minute)
	defer startup.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-startup.C:
			l.cleanupOldEvents()
		case <-ticker.C:
			l.cleanupOldEvents()
		}
	}
}

// cleanupOldEvents deletes events older than the retention period.
func (l *SQLiteLogger) cleanupOldEvents() {
	if l.retentionDays <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -l.retentionDays).Unix()

	result, err := l.db.Exec(`DELETE FROM audit_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old audit events")
		return
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		log.Info().
			Int64("deleted", deleted).
			Int("retentionDays", l.retentionDays).
			Msg("Cleaned up old audit events")

		// Log the cleanup as an audit event (without recursion - direct insert)
		_, _ = l.db.Exec(`
			INSERT INTO audit_events (id, timestamp, event_type, caller, success, details, signature)
			VALUES (?, ?, ?, 'system', 1, ?, '')`,
			ulid.Make().String(),
			time.Now().Unix(),
			EventAuditCleanup,
			fmt.Sprintf("Deleted %d events older than %d days", deleted, l.retentionDays),
		)
	}
}
