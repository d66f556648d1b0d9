package observability

import (
	"context"
	"log/slog"
	"os"
)

type Logger struct {
	*slog.Logger
}

func NewLogger(serviceName string) *Logger {
	return NewLoggerWithOptions(serviceName, Options{Level: slog.LevelInfo})
}

// Options controls verbosity. CategoryLevels overrides the minimum level for
// loggers obtained via WithCategory, so expected, recoverable errors (e.g.
// transport reconnects) can be tagged at debug without muting everything else.
type Options struct {
	Level          slog.Level
	CategoryLevels map[string]slog.Level
}

func NewLoggerWithOptions(serviceName string, opts Options) *Logger {
	// Default to JSON for production-grade structured logging
	inner := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: opts.Level,
	})

	h := &categoryHandler{inner: inner, levels: opts.CategoryLevels}
	logger := slog.New(h).With("service", serviceName)
	return &Logger{logger}
}

// WithCategory returns a sub-logger tagged with a category that may carry
// its own minimum level.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{l.Logger.With("category", category)}
}

// WithContext adds trace information from context if available
func (l *Logger) WithContext(ctx context.Context) *Logger {
	// In a real implementation, we would extract trace ID from ctx
	return l
}

type categoryHandler struct {
	inner    slog.Handler
	levels   map[string]slog.Level
	category string
}

func (h *categoryHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if min, ok := h.levels[h.category]; ok {
		return level >= min
	}
	return h.inner.Enabled(ctx, level)
}

func (h *categoryHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *categoryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	for _, a := range attrs {
		if a.Key == "category" {
			nh.category = a.Value.String()
		}
	}
	nh.inner = h.inner.WithAttrs(attrs)
	return &nh
}

func (h *categoryHandler) WithGroup(name string) slog.Handler {
	nh := *h
	nh.inner = h.inner.WithGroup(name)
	return &nh
}
