package observability

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// Log output formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// NewLogger creates a logrus logger at level writing format to output.
// Unknown formats fall back to JSON; a nil output means stdout.
func NewLogger(level logrus.Level, format string, output io.Writer) *logrus.Logger {
	if output == nil {
		output = os.Stdout
	}

	log := logrus.New()
	log.SetOutput(output)
	log.SetLevel(level)
	if strings.EqualFold(format, FormatText) {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

// ParseLevel parses a level name, defaulting to info when it is empty or unknown.
func ParseLevel(level string) logrus.Level {
	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}

type contextKey string

const (
	// RequestIDKey is the context key for the ops request ID
	RequestIDKey contextKey = "request_id"
	// LoggerKey is the context key for the request-scoped logger
	LoggerKey contextKey = "logger"
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext returns the context's logger, or the standard logger, carrying
// the request ID and the active span's trace identifiers.
func FromContext(ctx context.Context) *logrus.Entry {
	var entry *logrus.Entry
	switch l := ctx.Value(LoggerKey).(type) {
	case *logrus.Entry:
		entry = l
	case *logrus.Logger:
		entry = logrus.NewEntry(l)
	default:
		entry = logrus.NewEntry(logrus.StandardLogger())
	}

	if requestID := GetRequestID(ctx); requestID != "" {
		entry = entry.WithField("request_id", requestID)
	}
	return WithTraceContext(ctx, entry)
}

// WithTraceContext adds trace_id and span_id when ctx carries a recording span.
func WithTraceContext(ctx context.Context, entry *logrus.Entry) *logrus.Entry {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return entry
	}

	spanCtx := span.SpanContext()
	return entry.WithFields(logrus.Fields{
		"trace_id": spanCtx.TraceID().String(),
		"span_id":  spanCtx.SpanID().String(),
	})
}
