package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestWithTraceID(t *testing.T) {
	ctx := context.Background()
	traceID := "test-trace-id"

	ctx = WithTraceID(ctx, traceID)

	if got := GetTraceID(ctx); got != traceID {
		t.Errorf("Expected trace ID %s, got %s", traceID, got)
	}
}

func TestWithSessionKey(t *testing.T) {
	ctx := WithSessionKey(context.Background(), "session-1")

	if got := GetSessionKey(ctx); got != "session-1" {
		t.Errorf("Expected session key session-1, got %s", got)
	}
}

func TestWithClientID(t *testing.T) {
	ctx := WithClientID(context.Background(), "client-9")

	if got := GetClientID(ctx); got != "client-9" {
		t.Errorf("Expected client ID client-9, got %s", got)
	}
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" {
		t.Error("expected empty trace ID")
	}
	if GetSessionKey(ctx) != "" {
		t.Error("expected empty session key")
	}
	if GetClientID(ctx) != "" {
		t.Error("expected empty client ID")
	}
}

func TestFromContextRoundTrip(t *testing.T) {
	tc := &TraceContext{
		TraceID:    "trace-1",
		SessionKey: "session-1",
		ClientID:   "client-1",
	}

	ctx := NewContext(context.Background(), tc)
	got := FromContext(ctx)

	if *got != *tc {
		t.Errorf("Expected %+v, got %+v", tc, got)
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx1 := NewRequestContext(context.Background())
	ctx2 := NewRequestContext(context.Background())

	if GetTraceID(ctx1) == "" {
		t.Error("expected a trace ID")
	}
	if GetTraceID(ctx1) == GetTraceID(ctx2) {
		t.Error("expected distinct trace IDs per request")
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "trace-abc")
	ctx = WithSessionKey(ctx, "session-xyz")

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"trace_id":"trace-abc"`) {
		t.Errorf("log line missing trace_id: %s", out)
	}
	if !strings.Contains(out, `"session_key":"session-xyz"`) {
		t.Errorf("log line missing session_key: %s", out)
	}
	if strings.Contains(out, "client_id") {
		t.Errorf("log line has client_id without one in context: %s", out)
	}
}

func TestStartSpanPinsTraceID(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "juru.test", "test.op")
	defer span.End()

	if ctx == nil {
		t.Fatal("expected a context")
	}
	// Without an installed provider spans are no-ops and no trace ID is
	// pinned; with one installed the ID must round-trip.
	if err := Init("juru-test", 1); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx, span2 := StartSpan(context.Background(), "juru.test", "test.op")
	defer span2.End()
	if GetTraceID(ctx) == "" {
		t.Error("expected trace ID after provider install")
	}
}
