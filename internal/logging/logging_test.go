package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level   string
		enabled slog.Level
		off     slog.Level
	}{
		{"", slog.LevelInfo, slog.LevelDebug},
		{"debug", slog.LevelDebug, slog.LevelDebug - 1},
		{"WARN", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
		{"verbose", slog.LevelInfo, slog.LevelDebug},
	}
	for _, tt := range tests {
		logger := New(tt.level, "text")
		if !logger.Enabled(context.Background(), tt.enabled) {
			t.Errorf("level %q: expected %v enabled", tt.level, tt.enabled)
		}
		if logger.Enabled(context.Background(), tt.off) {
			t.Errorf("level %q: expected %v disabled", tt.level, tt.off)
		}
	}
}

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	if id := RequestID(ctx); id != "" {
		t.Errorf("Expected empty request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-123")
	if id := RequestID(ctx); id != "req-123" {
		t.Errorf("Expected req-123, got %q", id)
	}
}

func TestWithLogger_And_FromContext(t *testing.T) {
	ctx := context.Background()
	if FromContext(ctx) != slog.Default() {
		t.Error("Expected default logger when none is set")
	}

	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)
	if FromContext(ctx) != custom {
		t.Error("Expected custom logger from context")
	}
}

func logLine(t *testing.T, logger *slog.Logger, buf *bytes.Buffer) map[string]any {
	t.Helper()
	buf.Reset()
	logger.Info("request completed")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v: %s", err, buf.String())
	}
	return line
}

func TestL_CarriesAnnotationsFromDeeperLayers(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(WithRequestID(context.Background(), "req-456"), NewWithWriter(&buf, "info", "json"))

	// A derived context, as a handler or service would use.
	inner, cancel := context.WithCancel(ctx)
	Annotate(inner, "principal", "0xaaaa")
	Annotate(inner, "escrow_id", uint64(7))
	cancel()

	line := logLine(t, L(ctx), &buf)
	if line["request_id"] != "req-456" {
		t.Errorf("request_id = %v", line["request_id"])
	}
	if line["principal"] != "0xaaaa" {
		t.Errorf("principal = %v", line["principal"])
	}
	if line["escrow_id"] != float64(7) {
		t.Errorf("escrow_id = %v", line["escrow_id"])
	}
}

func TestAnnotate_ReplacesKey(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(WithRequestID(context.Background(), "req-1"), NewWithWriter(&buf, "info", "json"))

	Annotate(ctx, "escrow_id", uint64(1))
	Annotate(ctx, "escrow_id", uint64(2))

	line := logLine(t, L(ctx), &buf)
	if line["escrow_id"] != float64(2) {
		t.Errorf("escrow_id = %v, want 2", line["escrow_id"])
	}
}

func TestAnnotate_OutsideRequestIsNoop(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	Annotate(ctx, "principal", "0xaaaa")

	line := logLine(t, L(ctx), &buf)
	if _, ok := line["principal"]; ok {
		t.Error("annotation leaked outside a request scope")
	}
	if _, ok := line["request_id"]; ok {
		t.Error("request_id set outside a request scope")
	}
}

func TestScope_ReusesRequestFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")

	req := WithLogger(WithRequestID(context.Background(), "req-9"), logger)
	Annotate(Scope(req), "escrow_id", uint64(3))
	if line := logLine(t, L(req), &buf); line["escrow_id"] != float64(3) {
		t.Errorf("escrow_id = %v, want 3 on the request logger", line["escrow_id"])
	}

	bare := Scope(WithLogger(context.Background(), logger))
	Annotate(bare, "escrow_id", uint64(4))
	if line := logLine(t, L(bare), &buf); line["escrow_id"] != float64(4) {
		t.Errorf("escrow_id = %v, want 4", line["escrow_id"])
	}
}
