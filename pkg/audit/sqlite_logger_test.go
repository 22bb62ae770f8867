package audit

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewSQLiteLogger(t *testing.T) {
	logger, err := NewSQLiteLogger(SQLiteLoggerConfig{
		DataDir:       t.TempDir(),
		RetentionDays: 30,
	})
	if err != nil {
		t.Fatalf("NewSQLiteLogger failed: %v", err)
	}
	defer logger.Close()

	if logger.GetRetentionDays() != 30 {
		t.Errorf("Expected retention days 30, got %d", logger.GetRetentionDays())
	}
}

func TestNewSQLiteLoggerDefaultRetention(t *testing.T) {
	logger, err := NewSQLiteLogger(SQLiteLoggerConfig{
		DataDir: t.TempDir(),
		// RetentionDays not set
	})
	if err != nil {
		t.Fatalf("NewSQLiteLogger failed: %v", err)
	}
	defer logger.Close()

	if logger.GetRetentionDays() != 90 {
		t.Errorf("Expected default retention days 90, got %d", logger.GetRetentionDays())
	}
}

func TestSQLiteLoggerLog(t *testing.T) {
	logger, err := NewSQLiteLogger(SQLiteLoggerConfig{
		DataDir:       t.TempDir(),
		RetentionDays: 30,
	})
	if err != nil {
		t.Fatalf("NewSQLiteLogger failed: %v", err)
	}
	defer logger.Close()

	event := Event{
		ID:         ulid.Make().String(),
		Timestamp:  time.Now(),
		EventType:  EventToolInvocation,
		RequestID:  "req-42",
		Caller:     "3b2a1c4d5e6f",
		Cloud:      "government",
		Tool:       "execute_kql_query",
		Audience:   "https://api.loganalytics.us",
		Success:    false,
		ErrorKind:  "upstream_unavailable",
		Retried:    true,
		DurationMS: 1350,
		Details:    "workspace query failed after retry",
	}

	err = logger.Log(event)
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	// Query the event back
	events, err := logger.Query(QueryFilter{ID: event.ID})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}

	retrieved := events[0]
	if retrieved.ID != event.ID {
		t.Errorf("ID mismatch: expected %s, got %s", event.ID, retrieved.ID)
	}
	if retrieved.EventType != event.EventType {
		t.Errorf("EventType mismatch: expected %s, got %s", event.EventType, retrieved.EventType)
	}
	if retrieved.Caller != event.Caller {
		t.Errorf("Caller mismatch: expected %s, got %s", event.Caller, retrieved.Caller)
	}
	if retrieved.Tool != event.Tool {
		t.Errorf("Tool mismatch: expected %s, got %s", event.Tool, retrieved.Tool)
	}
	if retrieved.Audience != event.Audience {
		t.Errorf("Audience mismatch: expected %s, got %s", event.Audience, retrieved.Audience)
	}
	if retrieved.Success != event.Success {
		t.Errorf("Success mismatch: expected %v, got %v", event.Success, retrieved.Success)
	}
	if retrieved.ErrorKind != event.ErrorKind {
		t.Errorf("ErrorKind mismatch: expected %s, got %s", event.ErrorKind, retrieved.ErrorKind)
	}
	if !retrieved.Retried {
		t.Error("Retried flag should survive the round trip")
	}
	if retrieved.DurationMS != event.DurationMS {
		t.Errorf("DurationMS mismatch: expected %d, got %d", event.DurationMS, retrieved.DurationMS)
	}

	// Event should have a signature
	if retrieved.Signature == "" {
		t.Error("Expected event to have a signature")
	}
}

func TestSQLiteLoggerQuery(t *testing.T) {
	logger, err := NewSQLiteLogger(SQLiteLoggerConfig{
		DataDir:       t.TempDir(),
		RetentionDays: 30,
	})
	if err != nil {
		t.Fatalf("NewSQLiteLogger failed: %v", err)
	}
	defer logger.Close()

	// Log several events
	now := time.Now()
	events := []Event{
		{ID: "e1", Timestamp: now.Add(-2 * time.Hour), EventType: EventToolInvocation, Caller: "alice", Tool: "discover_workspaces", Success: true},
		{ID: "e2", Timestamp: now.Add(-1 * time.Hour), EventType: EventToolInvocation, Caller: "bob", Tool: "execute_kql_query", Success: true},
		{ID: "e3", Timestamp: now, EventType: EventTokenExchange, Caller: "alice", Success: true},
		{ID: "e4", Timestamp: now, EventType: EventToolInvocation, Caller: "charlie", Tool: "execute_kql_query", Success: false},
	}

	for _, e := range events {
		if err := logger.Log(e); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	t.Run("FilterByEventType", func(t *testing.T) {
		results, err := logger.Query(QueryFilter{EventType: EventToolInvocation})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 3 {
			t.Errorf("Expected 3 invocation events, got %d", len(results))
		}
	})

	t.Run("FilterByCaller", func(t *testing.T) {
		results, err := logger.Query(QueryFilter{Caller: "alice"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 2 {
			t.Errorf("Expected 2 events for alice, got %d", len(results))
		}
	})

	t.Run("FilterByTool", func(t *testing.T) {
		results, err := logger.Query(QueryFilter{Tool: "execute_kql_query"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 2 {
			t.Errorf("Expected 2 events for tool, got %d", len(results))
		}
	})

	t.Run("FilterBySuccess", func(t *testing.T) {
		success := false
		results, err := logger.Query(QueryFilter{Success: &success})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 1 {
			t.Errorf("Expected 1 failed event, got %d", len(results))
		}
	})

	t.Run("FilterByTimeRange", func(t *testing.T) {
		start := now.Add(-90 * time.Minute)
		end := now.Add(-30 * time.Minute)
		results, err := logger.Query(QueryFilter{StartTime: &start, EndTime: &end})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 1 {
			t.Errorf("Expected 1 event in time range, got %d", len(results))
		}
	})

	t.Run("LimitAndOffset", func(t *testing.T) {
		results, err := logger.Query(QueryFilter{Limit: 2, Offset: 1})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 2 {
			t.Errorf("Expected 2 events with limit, got %d", len(results))
		}
	})
}

func TestSQLiteLoggerCount(t *testing.T) {
	logger, err := NewSQLiteLogger(SQLiteLoggerConfig{
		DataDir:       t.TempDir(),
		RetentionDays: 30,
	})
	if err != nil {
		t.Fatalf("NewSQLiteLogger failed: %v", err)
	}
	defer logger.Close()

	for i := 0; i < 5; i++ {
		event := Event{
			ID:        ulid.Make().String(),
			Timestamp: time.Now(),
			EventType: EventToolInvocation,
			Success:   i%2 == 0,
		}
		if err := logger.Log(event); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	count, err := logger.Count(QueryFilter{})
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 5 {
		t.Errorf("Expected count 5, got %d", count)
	}

	success := true
	count, err = logger.Count(QueryFilter{Success: &success})
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 successful events, got %d", count)
	}
}

func TestSQLiteLoggerVerifySignature(t *testing.T) {
	logger, err := NewSQLiteLogger(SQLiteLoggerConfig{
		DataDir:       t.TempDir(),
		RetentionDays: 30,
	})
	if err != nil {
		t.Fatalf("NewSQLiteLogger failed: %v", err)
	}
	defer logger.Close()

	event := Event{
		ID:        ulid.Make().String(),
		Timestamp: time.Now(),
		EventType: EventTokenExchange,
		Caller:    "3b2a1c4d5e6f",
		Audience:  "https://management.usgovcloudapi.net",
		Success:   true,
	}

	if err := logger.Log(event); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	events, err := logger.Query(QueryFilter{ID: event.ID})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}

	// Verify should succeed
	if !logger.VerifySignature(events[0]) {
		t.Error("VerifySignature should return true for valid event")
	}

	// Tamper with event and verify should fail
	tamperedEvent := events[0]
	tamperedEvent.Details = "tampered"
	if logger.VerifySignature(tamperedEvent) {
		t.Error("VerifySignature should return false for tampered event")
	}
}

func TestSQLiteLoggerRetention(t *testing.T) {
	logger, err := NewSQLiteLogger(SQLiteLoggerConfig{
		DataDir:       t.TempDir(),
		RetentionDays: 1, // 1 day retention for testing
	})
	if err != nil {
		t.Fatalf("NewSQLiteLogger failed: %v", err)
	}
	defer logger.Close()

	// Log an old event (2 days ago)
	oldEvent := Event{
		ID:        "old-event",
		Timestamp: time.Now().Add(-48 * time.Hour),
		EventType: EventToolInvocation,
		Success:   true,
	}
	if err := logger.Log(oldEvent); err != nil {
		t.Fatalf("Log old event failed: %v", err)
	}

	// Log a recent event
	newEvent := Event{
		ID:        "new-event",
		Timestamp: time.Now(),
		EventType: EventToolInvocation,
		Success:   true,
	}
	if err := logger.Log(newEvent); err != nil {
		t.Fatalf("Log new event failed: %v", err)
	}

	// Run cleanup
	logger.cleanupOldEvents()

	// Old event should be deleted
	events, err := logger.Query(QueryFilter{ID: "old-event"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 0 {
		t.Error("Old event should have been deleted")
	}

	// New event should still exist
	events, err = logger.Query(QueryFilter{ID: "new-event"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 {
		t.Error("New event should still exist")
	}

	// Cleanup leaves a trace event behind
	count, err := logger.Count(QueryFilter{EventType: EventAuditCleanup})
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 cleanup event, got %d", count)
	}
}

func TestSQLiteLoggerPersistence(t *testing.T) {
	tempDir := t.TempDir()

	// Create logger and log an event
	logger1, err := NewSQLiteLogger(SQLiteLoggerConfig{
		DataDir:       tempDir,
		RetentionDays: 30,
	})
	if err != nil {
		t.Fatalf("NewSQLiteLogger failed: %v", err)
	}

	event := Event{
		ID:        "persist-test",
		Timestamp: time.Now(),
		EventType: EventToolInvocation,
		Caller:    "3b2a1c4d5e6f",
		Success:   true,
	}
	if err := logger1.Log(event); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	// Close the logger
	logger1.Close()

	// Create a new logger with same data dir
	logger2, err := NewSQLiteLogger(SQLiteLoggerConfig{
		DataDir:       tempDir,
		RetentionDays: 30,
	})
	if err != nil {
		t.Fatalf("NewSQLiteLogger (reload) failed: %v", err)
	}
	defer logger2.Close()

	// Query the event - should still exist
	events, err := logger2.Query(QueryFilter{ID: "persist-test"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 {
		t.Error("Event should persist across logger restarts")
	}

	// Signature should still verify with the reloaded key
	if len(events) > 0 && !logger2.VerifySignature(events[0]) {
		t.Error("Signature should still verify after restart")
	}
}

func TestSQLiteLoggerConcurrentAccess(t *testing.T) {
	logger, err := NewSQLiteLogger(SQLiteLoggerConfig{
		DataDir:       t.TempDir(),
		RetentionDays: 30,
	})
	if err != nil {
		t.Fatalf("NewSQLiteLogger failed: %v", err)
	}
	defer logger.Close()

	// Concurrent writes
	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(n int) {
			for j := 0; j < 10; j++ {
				event := Event{
					ID:        ulid.Make().String(),
					Timestamp: time.Now(),
					EventType: EventToolInvocation,
					Caller:    "user",
					Success:   true,
				}
				if err := logger.Log(event); err != nil {
					t.Errorf("Concurrent log failed: %v", err)
				}
			}
			done <- true
		}(i)
	}

	// Wait for all goroutines
	for i := 0; i < 10; i++ {
		<-done
	}

	// Verify count
	count, err := logger.Count(QueryFilter{EventType: EventToolInvocation})
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 100 {
		t.Errorf("Expected 100 events, got %d", count)
	}
}

func TestSQLiteLoggerCloseIdempotent(t *testing.T) {
	logger, err := NewSQLiteLogger(SQLiteLoggerConfig{
		DataDir:       t.TempDir(),
		RetentionDays: 30,
	})
	if err != nil {
		t.Fatalf("NewSQLiteLogger failed: %v", err)
	}

	if err := logger.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
