package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/m-mizutani/clog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/masq"
)

type ctxKey struct{}

var defaultLogger atomic.Pointer[slog.Logger]

func init() {
	defaultLogger.Store(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// Configure builds the process logger. format is "console" or "json".
func Configure(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, goerr.New("invalid log level", goerr.V("level", level))
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "console":
		handler = clog.New(
			clog.WithWriter(w),
			clog.WithLevel(lvl),
			clog.WithColor(true),
		)
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: lvl,
			ReplaceAttr: masq.New(
				masq.WithFieldName("APIKey"),
				masq.WithFieldName("AppSecret"),
				masq.WithTag("secret"),
			),
		})
	default:
		return nil, goerr.New("invalid log format", goerr.V("format", format))
	}

	logger := slog.New(handler)
	SetDefault(logger)
	return logger, nil
}

// SetDefault replaces the process logger.
func SetDefault(logger *slog.Logger) {
	defaultLogger.Store(logger)
}

// Default returns the process logger.
func Default() *slog.Logger {
	return defaultLogger.Load()
}

// With returns a context carrying logger.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// From returns the logger stored in ctx, or the default logger.
func From(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && logger != nil {
			return logger
		}
	}
	return Default()
}
