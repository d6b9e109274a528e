package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// FileName is the structured log written under the project's logs/ directory.
const FileName = "cascade.log"

var level = new(slog.LevelVar)

// Options configures Setup.
type Options struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is "text" or "json" for the console handler.
	Format string
	// Console receives human-oriented output; os.Stderr when nil.
	Console io.Writer
	// LogsDir, when set, adds a JSON handler appending to LogsDir/cascade.log
	// so failures can be inspected after the terminal is gone.
	LogsDir string
}

// Logger owns the slog logger and the file handle behind it.
type Logger struct {
	*slog.Logger
	file *os.File
}

// Setup builds the fan-out logger and installs it as the slog default.
func Setup(opts Options) (*Logger, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	level.Set(lvl)

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handlers []slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "json":
		handlers = append(handlers, slog.NewJSONHandler(console, handlerOpts))
	default:
		handlers = append(handlers, slog.NewTextHandler(console, handlerOpts))
	}

	out := &Logger{}
	if dir := strings.TrimSpace(opts.LogsDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: ensure log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file: %w", err)
		}
		out.file = f
		handlers = append(handlers, slog.NewJSONHandler(f, handlerOpts))
	}

	out.Logger = slog.New(slogmulti.Fanout(handlers...))
	slog.SetDefault(out.Logger)
	return out, nil
}

// Close releases the log file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// SetLevel changes the level of every handler built by Setup.
func SetLevel(lvl slog.Level) {
	level.Set(lvl)
}

// ParseLevel maps a flag value to a slog level. Empty means info.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", value)
	}
}

// New returns a logger with a "component" attribute for package-scoped logging.
func New(component string) *slog.Logger {
	return For(slog.Default(), component)
}

// For scopes an injected logger; a nil logger falls back to the default.
func For(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("component", component))
}

// Discard returns a logger that drops everything, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
