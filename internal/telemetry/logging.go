// Package telemetry builds the structured logger shared by the store, the
// migration runner, dispatch workers and the CLI.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/sandq/internal/shared"
)

// LogFile is the JSON lines log under <home>/logs.
const LogFile = "system.jsonl"

// LoggerOptions configures NewLogger.
type LoggerOptions struct {
	Level     string
	Quiet     bool      // file only
	Console   io.Writer // defaults to stderr; stdout carries command output
	Component string    // defaults to "sandq"

	// LevelVar, when set, is initialised from Level and used as the handler
	// level so it can be changed while the logger is in use.
	LevelVar *slog.LevelVar
}

// NewLogger writes JSON records to <homeDir>/logs/system.jsonl and, unless
// quiet, to the console. Secret-bearing keys and connection string passwords
// are redacted. The returned closer owns the log file.
func NewLogger(homeDir string, opts LoggerOptions) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(filepath.Join(logDir, LogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !opts.Quiet {
		console := opts.Console
		if console == nil {
			console = os.Stderr
		}
		w = io.MultiWriter(console, file)
	}
	component := opts.Component
	if component == "" {
		component = "sandq"
	}
	var level slog.Leveler = ParseLevel(opts.Level)
	if opts.LevelVar != nil {
		opts.LevelVar.Set(ParseLevel(opts.Level))
		level = opts.LevelVar
	}
	logger := slog.New(NewHandler(w, level)).With("component", component, "trace_id", "-")
	return logger, file, nil
}

// NewHandler is the JSON handler NewLogger uses, exposed for tests and for
// callers that log somewhere other than the home directory.
func NewHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if redacted, ok := redactStringValue(a.Value.String()); ok {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
}

// FromContext returns logger annotated with the trace id, owner and task id
// carried by ctx.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"trace_id", shared.TraceID(ctx)}
	if owner := shared.Owner(ctx); owner != "" {
		attrs = append(attrs, "owner", owner)
	}
	if id := shared.TaskID(ctx); id != 0 {
		attrs = append(attrs, "task_id", id)
	}
	return logger.With(attrs...)
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "passwd", "authorization", "api_key", "apikey", "bearer"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
