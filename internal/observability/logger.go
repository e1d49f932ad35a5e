// Package observability provides logging and metrics for chunkrec.
package observability

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/m-mizutani/masq"

	"github.com/jmylchreest/chunkrec/internal/config"
)

// LevelTrace is more verbose than debug. Per-sample logging uses it.
const LevelTrace = slog.LevelDebug - 4

// sensitiveKeys are attribute and struct field names whose values never reach the log.
var sensitiveKeys = []string{
	"password",
	"secret",
	"secret_access_key",
	"secretaccesskey",
	"token",
	"apikey",
	"api_key",
	"credential",
}

// NewLoggerWithWriter creates a new slog.Logger that writes to the provided writer.
// Values of sensitive keys and struct fields tagged `masq:"secret"` are replaced
// with [REDACTED]; passwords embedded in URL-shaped values are masked too.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	redact := masq.New(
		masq.WithCensor(func(fieldName string, _ any, _ string) bool {
			return isSensitiveKey(fieldName)
		}),
		masq.WithTag("secret"),
	)

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				if cfg.TimeFormat != "" {
					if t, ok := a.Value.Any().(time.Time); ok {
						return slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
					}
				}
				return a
			case slog.LevelKey:
				if level, ok := a.Value.Any().(slog.Level); ok && level <= LevelTrace {
					return slog.String(slog.LevelKey, "TRACE")
				}
				return a
			case slog.MessageKey, slog.SourceKey:
				return a
			}

			if a.Value.Kind() == slog.KindString {
				if masked, ok := redactURLPassword(a.Value.String()); ok {
					a = slog.String(a.Key, masked)
				}
			}
			return redact(groups, a)
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if key == s {
			return true
		}
	}
	return false
}

// redactURLPassword masks the password of a URL with userinfo, such as a
// postgres DSN. Values that are not URLs are left alone.
func redactURLPassword(v string) (string, bool) {
	if !strings.Contains(v, "://") || !strings.Contains(v, "@") {
		return v, false
	}
	u, err := url.Parse(v)
	if err != nil || u.User == nil {
		return v, false
	}
	if _, has := u.User.Password(); !has {
		return v, false
	}
	u.User = url.UserPassword(u.User.Username(), "[REDACTED]")
	return strings.Replace(u.String(), "%5BREDACTED%5D", "[REDACTED]", 1), true
}

// WithComponent adds a component name to the logger for identifying the source.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithRecording adds the recording ID to the logger.
func WithRecording(logger *slog.Logger, recordingID string) *slog.Logger {
	return logger.With(slog.String("recording_id", recordingID))
}

// WithError adds an error to the logger attributes.
func WithError(logger *slog.Logger, err error) *slog.Logger {
	if err == nil {
		return logger
	}
	return logger.With(slog.String("error", err.Error()))
}

// SetDefault sets the provided logger as the default slog logger.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

// TimedOperationWithError logs the start and end of an operation with its
// duration. The error pointer is read when the returned function runs, so the
// error may be assigned after this call.
//
// Usage:
//
//	var err error
//	done := observability.TimedOperationWithError(ctx, logger, "finalize_chunk", &err)
//	defer done()
//	err = doSomething()
//
//nolint:gocritic // errPtr must be a pointer to capture errors set after this call
func TimedOperationWithError(ctx context.Context, logger *slog.Logger, operation string, errPtr *error) func() {
	start := time.Now()
	logger.DebugContext(ctx, "operation started", slog.String("operation", operation))

	return func() {
		duration := time.Since(start)
		if errPtr != nil && *errPtr != nil {
			logger.ErrorContext(ctx, "operation failed",
				slog.String("operation", operation),
				slog.Duration("duration", duration),
				slog.String("error", (*errPtr).Error()),
			)
			return
		}
		logger.DebugContext(ctx, "operation completed",
			slog.String("operation", operation),
			slog.Duration("duration", duration),
		)
	}
}
