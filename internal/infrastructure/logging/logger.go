package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/lacrosse-gateway/internal/infrastructure/config"
)

// Logger is a thin wrapper over slog.Logger carrying the tool's default
// attributes. Safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New builds a Logger from the logging section of config.yaml.
//
// Format "json" selects machine-readable output, anything else the text
// handler. Output "stdout" is honoured but stderr is the default: stdout
// belongs to command output (reading lines, info fields) and must stay
// clean. Every record carries service and version attributes.
func New(cfg config.LoggingConfig, version string) *Logger {
	handler := newHandler(cfg).WithAttrs([]slog.Attr{
		slog.String("service", "lacrossegw"),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(handler)}
}

// newHandler picks the slog handler for the configured format, level and
// destination.
func newHandler(cfg config.LoggingConfig) slog.Handler {
	var out io.Writer = os.Stderr
	if strings.EqualFold(cfg.Output, "stdout") {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(out, opts)
	}
	return slog.NewTextHandler(out, opts)
}

// parseLevel maps a config string to a slog.Level. Unrecognised values
// fall back to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// With returns a Logger that adds the given key-value pairs to every
// record, e.g. With("component", "gateway").
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default returns a text logger on stderr at info level, for use during
// startup before the configuration is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "text", Output: "stderr"}, "dev")
}
