package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	mu.Lock()
	defer mu.Unlock()

	baseWriter = os.Stderr
	baseComponent = ""
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	return event
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{
		Format:    "json",
		Level:     "debug",
		Component: "icarus",
	})

	mu.RLock()
	defer mu.RUnlock()

	if baseWriter != os.Stderr {
		t.Fatalf("expected base writer to be os.Stderr, got %#v", baseWriter)
	}

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected global level debug, got %s", zerolog.GlobalLevel())
	}

	if baseComponent != "icarus" {
		t.Fatalf("expected base component icarus, got %s", baseComponent)
	}

	if !reflect.DeepEqual(log.Logger, baseLogger) {
		t.Fatal("expected global log.Logger to match baseLogger")
	}
}

func TestInitConsoleFormatUsesConsoleWriter(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{
		Format: "console",
		Level:  "info",
	})

	mu.RLock()
	defer mu.RUnlock()

	if _, ok := baseWriter.(zerolog.ConsoleWriter); !ok {
		t.Fatalf("expected console writer, got %#v", baseWriter)
	}
}

func TestInitAutoFormatWithPipe(t *testing.T) {
	t.Cleanup(resetLoggingState)

	origStderr := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stderr = w
	defer func() {
		os.Stderr = origStderr
		_ = r.Close()
		_ = w.Close()
	}()

	Init(Config{
		Format: "auto",
		Level:  "info",
	})

	mu.RLock()
	defer mu.RUnlock()

	// A pipe is not a terminal, so auto selects plain JSON on stderr.
	if baseWriter != w {
		t.Fatalf("expected base writer to use provided pipe, got %#v", baseWriter)
	}
}

func TestInitWithFileOutput(t *testing.T) {
	t.Cleanup(resetLoggingState)
	t.Cleanup(Shutdown)

	path := filepath.Join(t.TempDir(), "icarus.log")
	logger := Init(Config{
		Format:   "json",
		Level:    "info",
		FilePath: path,
	})

	logger.Info().Str("tool", "execute_kql_query").Msg("invocation complete")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "invocation complete") {
		t.Fatalf("expected log file to contain event, got %q", string(data))
	}
}

func TestNewLoggerWithComponentAndFields(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{
		Format:    "json",
		Level:     "info",
		Component: "icarus",
	})

	var buf bytes.Buffer
	logger := New("exchange", WithWriter(&buf), WithFields(map[string]interface{}{
		"cloud": "government",
	}))

	logger.Info().Msg("token exchanged")

	event := readJSONLine(t, &buf)

	if event["component"] != "exchange" {
		t.Fatalf("expected component exchange, got %v", event["component"])
	}
	if event["cloud"] != "government" {
		t.Fatalf("expected cloud field, got %v", event["cloud"])
	}
	if event["level"] != "info" {
		t.Fatalf("expected level info, got %v", event["level"])
	}
	if event["message"] != "token exchanged" {
		t.Fatalf("expected message token exchanged, got %v", event["message"])
	}
}

func TestNewLoggerInheritsComponentWhenEmpty(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{
		Format:    "json",
		Level:     "info",
		Component: "icarus",
	})

	var buf bytes.Buffer
	logger := New("", WithWriter(&buf))
	logger.Warn().Msg("warn")

	event := readJSONLine(t, &buf)
	if event["component"] != "icarus" {
		t.Fatalf("expected inherited component icarus, got %v", event["component"])
	}
}

func TestNewLoggerWithCaller(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{
		Format: "json",
		Level:  "info",
	})

	var buf bytes.Buffer
	logger := New("gateway", WithWriter(&buf), WithCaller())
	logger.Error().Msg("boom")

	event := readJSONLine(t, &buf)
	caller, ok := event["caller"].(string)
	if !ok || !strings.Contains(caller, "logging_test.go") {
		t.Fatalf("expected caller information, got %v", event["caller"])
	}
}

func TestContextHelpersWithRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{
		Format: "json",
		Level:  "info",
	})

	ctx := context.Background()
	ctx, generated := WithRequestID(ctx, "")
	if generated == "" {
		t.Fatal("expected generated request id")
	}
	if got := GetRequestID(ctx); got != generated {
		t.Fatalf("expected stored request id %s, got %s", generated, got)
	}

	var buf bytes.Buffer
	logger := New("api", WithWriter(&buf))
	ctx = WithLogger(ctx, logger)

	info := FromContext(ctx)
	info.Info().Msg("ctx-log")

	event := readJSONLine(t, &buf)
	if event["request_id"] != generated {
		t.Fatalf("expected request_id %s, got %v", generated, event["request_id"])
	}
}

func TestContextHelpersWithExistingLogger(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{
		Format: "json",
		Level:  "debug",
	})

	var buf bytes.Buffer
	base := New("gateway", WithWriter(&buf))
	ctx := WithLogger(context.Background(), base)
	ctx, id := WithRequestID(ctx, "req-123")

	logger := FromContext(ctx)
	logger.Debug().Msg("debug")

	event := readJSONLine(t, &buf)
	if event["component"] != "gateway" {
		t.Fatalf("expected component gateway, got %v", event["component"])
	}
	if event["request_id"] != "req-123" {
		t.Fatalf("expected request_id req-123, got %v", event["request_id"])
	}
	if event["level"] != "debug" {
		t.Fatalf("expected level debug, got %v", event["level"])
	}
	if id != "req-123" {
		t.Fatalf("expected returned id to match input, got %s", id)
	}
}

func TestWithRequestIDTrimsWhitespace(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{})

	ctx, id := WithRequestID(context.Background(), "   ")
	if id == "" {
		t.Fatal("expected generated id for whitespace input")
	}
	if GetRequestID(ctx) != id {
		t.Fatalf("expected context request id %s, got %s", id, GetRequestID(ctx))
	}
}

func TestGetRequestIDMissing(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Fatalf("expected empty request id, got %s", got)
	}
	if got := GetRequestID(nil); got != "" { //nolint:staticcheck
		t.Fatalf("expected empty request id for nil context, got %s", got)
	}
}

func TestFromContextWithoutRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{
		Format: "json",
		Level:  "info",
	})

	var buf bytes.Buffer
	mu.Lock()
	baseLogger = zerolog.New(&buf).With().Timestamp().Logger()
	baseWriter = &buf
	baseComponent = ""
	log.Logger = baseLogger
	mu.Unlock()

	base := FromContext(context.Background())
	base.Info().Msg("no-request")

	event := readJSONLine(t, &buf)
	if _, ok := event["request_id"]; ok {
		t.Fatalf("did not expect request_id, got %v", event["request_id"])
	}
}

func TestNewLoggerWithoutComponentOmitsField(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{
		Format: "json",
		Level:  "info",
	})

	var buf bytes.Buffer
	logger := New("", WithWriter(&buf))
	logger.Info().Msg("no-component")

	event := readJSONLine(t, &buf)
	if _, exists := event["component"]; exists {
		t.Fatalf("did not expect component field, got %v", event["component"])
	}
}

func TestInitThreadSafety(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var wg sync.WaitGroup
	configs := []Config{
		{Format: "json", Level: "debug", Component: "exchange"},
		{Format: "json", Level: "warn", Component: "api"},
	}

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			Init(configs[idx%len(configs)])
		}(i)
	}
	wg.Wait()

	mu.RLock()
	defer mu.RUnlock()

	if reflect.DeepEqual(baseLogger, zerolog.Logger{}) {
		t.Fatal("expected initialized base logger")
	}
	if !reflect.DeepEqual(log.Logger, baseLogger) {
		t.Fatal("expected global log.Logger to match baseLogger after concurrent init")
	}
}

func TestInitFromConfigWithDefaults(t *testing.T) {
	t.Cleanup(resetLoggingState)

	logger, err := InitFromConfig(context.Background(), Config{
		Component: "icarus",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if reflect.DeepEqual(logger, zerolog.Logger{}) {
		t.Fatal("expected initialized logger")
	}

	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("expected default info level, got %s", zerolog.GlobalLevel())
	}
}

func TestInitFromConfigWithEnvOverrides(t *testing.T) {
	t.Cleanup(resetLoggingState)
	t.Cleanup(func() {
		os.Unsetenv("LOG_LEVEL")
		os.Unsetenv("LOG_FORMAT")
	})

	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("LOG_FORMAT", "json")

	logger, err := InitFromConfig(context.Background(), Config{
		Level:     "info",
		Format:    "console",
		Component: "icarus",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if reflect.DeepEqual(logger, zerolog.Logger{}) {
		t.Fatal("expected initialized logger")
	}

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level from env override, got %s", zerolog.GlobalLevel())
	}

	mu.RLock()
	defer mu.RUnlock()
	if _, ok := baseWriter.(zerolog.ConsoleWriter); ok {
		t.Fatal("expected JSON writer from env override, got console writer")
	}
}

func TestInitFromConfigInvalidLevel(t *testing.T) {
	t.Cleanup(resetLoggingState)

	_, err := InitFromConfig(context.Background(), Config{
		Level:  "loud",
		Format: "json",
	})
	if err == nil {
		t.Fatal("expected error for invalid level")
	}
	if !strings.Contains(err.Error(), "invalid log level") {
		t.Fatalf("expected invalid level error, got %v", err)
	}
}

func TestInitFromConfigInvalidFormat(t *testing.T) {
	t.Cleanup(resetLoggingState)

	_, err := InitFromConfig(context.Background(), Config{
		Level:  "info",
		Format: "yaml",
	})
	if err == nil {
		t.Fatal("expected error for invalid format")
	}
	if !strings.Contains(err.Error(), "invalid log format") {
		t.Fatalf("expected invalid format error, got %v", err)
	}
}

func TestIsLevelEnabled(t *testing.T) {
	t.Cleanup(resetLoggingState)

	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if !IsLevelEnabled(zerolog.InfoLevel) {
		t.Fatal("expected info level to be enabled")
	}
	if !IsLevelEnabled(zerolog.WarnLevel) {
		t.Fatal("expected warn level to be enabled")
	}
	if !IsLevelEnabled(zerolog.ErrorLevel) {
		t.Fatal("expected error level to be enabled")
	}
	if IsLevelEnabled(zerolog.DebugLevel) {
		t.Fatal("expected debug level to be disabled")
	}

	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	if !IsLevelEnabled(zerolog.DebugLevel) {
		t.Fatal("expected debug level to be enabled after setting global level")
	}
}

func TestRollingFileWriterRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "icarus.log")

	w := &rollingFileWriter{
		path:     path,
		maxBytes: 64,
	}
	t.Cleanup(func() { _ = w.Close() })

	line := []byte(strings.Repeat("a", 48) + "\n")
	if _, err := w.Write(line); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if _, err := w.Write(line); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read log directory: %v", err)
	}
	if len(entries) != 2 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected active and rotated log files, got %v", names)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read active log: %v", err)
	}
	if int64(len(data)) != int64(len(line)) {
		t.Fatalf("expected active log to hold only the post-rotation write, got %d bytes", len(data))
	}
}

var _ io.Writer = (*rollingFileWriter)(nil)
