// Package logging builds the gateway's slog logger and carries per-request
// fields through the context. Layers below the HTTP handler annotate the
// request (signer, escrow id) so that the access log line and every
// logging.L call for that request carry the same fields.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	loggerKey
	fieldsKey
)

// New creates a logger writing to stdout. format "json" selects the JSON
// handler; anything else is text. Unknown levels fall back to info.
func New(level string, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level string, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl <= slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// fields is shared by every context derived from one request.
type fields struct {
	mu    sync.Mutex
	attrs []slog.Attr
}

// WithRequestID starts a request scope: it records the id and a fresh field
// set for Annotate.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	ctx = context.WithValue(ctx, requestIDKey, requestID)
	return context.WithValue(ctx, fieldsKey, &fields{})
}

// Scope returns ctx with a field set for Annotate, reusing an existing one.
// Entry points not reached over HTTP call it so their annotations still land.
func Scope(ctx context.Context) context.Context {
	if _, ok := ctx.Value(fieldsKey).(*fields); ok {
		return ctx
	}
	return context.WithValue(ctx, fieldsKey, &fields{})
}

// RequestID returns the request id, or "" outside a request.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Annotate attaches key/value pairs to the current request. A repeated key
// replaces the earlier value. Outside a request it does nothing.
func Annotate(ctx context.Context, key string, value any) {
	f, ok := ctx.Value(fieldsKey).(*fields)
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.attrs {
		if f.attrs[i].Key == key {
			f.attrs[i].Value = slog.AnyValue(value)
			return
		}
	}
	f.attrs = append(f.attrs, slog.Any(key, value))
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the stored logger, or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L returns the context logger with the request id and all annotations.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if reqID := RequestID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if f, ok := ctx.Value(fieldsKey).(*fields); ok {
		f.mu.Lock()
		args := make([]any, len(f.attrs))
		for i, a := range f.attrs {
			args[i] = a
		}
		f.mu.Unlock()
		if len(args) > 0 {
			logger = logger.With(args...)
		}
	}
	return logger
}
