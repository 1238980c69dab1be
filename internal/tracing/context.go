package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// SessionKeyKey is the context key for a conversation session key
	SessionKeyKey ContextKey = "session_key"
	// ClientIDKey is the context key for a gateway client ID
	ClientIDKey ContextKey = "client_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID    string
	SessionKey string
	ClientID   string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithSessionKey adds a session key to the context
func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, sessionKey)
}

// WithClientID adds a gateway client ID to the context
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, ClientIDKey, clientID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetSessionKey retrieves the session key from the context
func GetSessionKey(ctx context.Context) string {
	if sessionKey, ok := ctx.Value(SessionKeyKey).(string); ok {
		return sessionKey
	}
	return ""
}

// GetClientID retrieves the gateway client ID from the context
func GetClientID(ctx context.Context) string {
	if clientID, ok := ctx.Value(ClientIDKey).(string); ok {
		return clientID
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		SessionKey: GetSessionKey(ctx),
		ClientID:   GetClientID(ctx),
	}
}

// NewContext creates a new context carrying the given tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.SessionKey != "" {
		ctx = WithSessionKey(ctx, tc.SessionKey)
	}
	if tc.ClientID != "" {
		ctx = WithClientID(ctx, tc.ClientID)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// LoggerFromContext returns a logger annotated with whatever tracing fields
// the context carries
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	logger := baseLogger
	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.SessionKey != "" {
		logger = logger.With().Str("session_key", tc.SessionKey).Logger()
	}
	if tc.ClientID != "" {
		logger = logger.With().Str("client_id", tc.ClientID).Logger()
	}
	return logger
}
