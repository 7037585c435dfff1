// Package logging is jjagent's structured log. Hooks run as short-lived
// processes, so each process calls Init once with its agent session ID and
// Close before exiting:
//
//	if err := logging.Init(sessionID); err != nil {
//	    return err
//	}
//	defer logging.Close()
//
//	ctx = logging.WithComponent(ctx, "coordinator")
//	logging.Info(ctx, "session commit created", slog.String("change_id", id))
//
// Records are JSON lines. They go to JJAGENT_LOG_FILE, or to the user cache
// directory when JJAGENT_LOG is truthy. Otherwise only warnings and errors
// are written, to stderr.
package logging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/schpet/jjagent/cmd/jjagent/cli/paths"
	"github.com/schpet/jjagent/cmd/jjagent/cli/validation"
)

// Environment variables controlling log output.
const (
	LogLevelEnvVar = "JJAGENT_LOG_LEVEL"
	LogEnvVar      = "JJAGENT_LOG"
	LogFileEnvVar  = "JJAGENT_LOG_FILE"
)

// sink is the output opened by Init.
type sink struct {
	logger *slog.Logger
	buf    *bufio.Writer
	file   *os.File
}

func (s *sink) close() {
	if s == nil {
		return
	}
	if s.buf != nil {
		_ = s.buf.Flush()
	}
	if s.file != nil {
		_ = s.file.Close()
	}
}

var (
	mu      sync.RWMutex
	current *sink

	// levelFromSettings supplies log_level when JJAGENT_LOG_LEVEL is unset.
	levelFromSettings func() string
)

// SetLogLevelGetter registers the settings lookup for the log level.
func SetLogLevelGetter(getter func() string) {
	mu.Lock()
	defer mu.Unlock()
	levelFromSettings = getter
}

// Init opens the log for this process. sessionID, when set, is attached to
// every record. A log file that cannot be opened degrades to stderr rather
// than failing the hook.
func Init(sessionID string) error {
	if sessionID != "" {
		if err := validation.ValidateSessionID(sessionID); err != nil {
			return fmt.Errorf("invalid session ID for logging: %w", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()

	current.close()
	current = nil

	raw := os.Getenv(LogLevelEnvVar)
	if raw == "" && levelFromSettings != nil {
		raw = levelFromSettings()
	}
	level, ok := lookupLevel(raw)
	if !ok {
		fmt.Fprintf(os.Stderr, "jjagent: warning: invalid log level %q, defaulting to INFO\n", raw)
	}

	s := &sink{}
	var out io.Writer = os.Stderr
	if path, enabled := destination(); enabled {
		if f, err := openLogFile(path); err == nil {
			s.file = f
			s.buf = bufio.NewWriterSize(f, 8192)
			out = s.buf
		}
	} else {
		level = max(level, slog.LevelWarn)
	}

	s.logger = slog.New(&contextHandler{
		Handler: slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}),
		session: sessionID,
	})
	current = s
	return nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path comes from the user's environment
}

// destination returns the log file path when file logging is on.
func destination() (string, bool) {
	if p := os.Getenv(LogFileEnvVar); p != "" {
		return p, true
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv(LogEnvVar))) {
	case "1", "true", "yes", "on":
		p, err := paths.LogFilePath()
		if err != nil {
			return "", false
		}
		return p, true
	}
	return "", false
}

// Close flushes and closes the log. It is safe to call more than once.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	current.close()
	current = nil
}

// resetLogger is Close for tests.
func resetLogger() {
	Close()
}

func activeLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return slog.Default()
	}
	return current.logger
}

// parseLogLevel maps a level name to a slog.Level, falling back to INFO.
func parseLogLevel(s string) slog.Level {
	level, _ := lookupLevel(s)
	return level
}

// lookupLevel accepts slog's level names in any case plus WARNING.
func lookupLevel(s string) (slog.Level, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return slog.LevelInfo, true
	}
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn, true
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, false
	}
	return level, true
}

// contextHandler adds the process session and the context's logging
// values to each record.
type contextHandler struct {
	slog.Handler
	session string
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.session != "" {
		r.AddAttrs(slog.String("session_id", h.session))
	} else if s := SessionIDFromContext(ctx); s != "" {
		r.AddAttrs(slog.String("session_id", s))
	}
	if s := ComponentFromContext(ctx); s != "" {
		r.AddAttrs(slog.String("component", s))
	}
	if s := HookFromContext(ctx); s != "" {
		r.AddAttrs(slog.String("hook", s))
	}
	if s := stringValue(ctx, toolKey); s != "" {
		r.AddAttrs(slog.String("tool", s))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs), session: h.session}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name), session: h.session}
}

// Debug logs at DEBUG.
func Debug(ctx context.Context, msg string, attrs ...any) {
	write(ctx, slog.LevelDebug, msg, attrs...)
}

// Info logs at INFO.
func Info(ctx context.Context, msg string, attrs ...any) {
	write(ctx, slog.LevelInfo, msg, attrs...)
}

// Warn logs at WARN.
func Warn(ctx context.Context, msg string, attrs ...any) {
	write(ctx, slog.LevelWarn, msg, attrs...)
}

// Error logs at ERROR.
func Error(ctx context.Context, msg string, attrs ...any) {
	write(ctx, slog.LevelError, msg, attrs...)
}

// LogDuration logs msg with duration_ms measured from start:
//
//	defer logging.LogDuration(ctx, slog.LevelDebug, "jj command", time.Now())
func LogDuration(ctx context.Context, level slog.Level, msg string, start time.Time, attrs ...any) {
	write(ctx, level, msg, append([]any{slog.Int64("duration_ms", time.Since(start).Milliseconds())}, attrs...)...)
}

func write(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	if ctx == nil {
		ctx = context.Background()
	}
	activeLogger().Log(ctx, level, msg, attrs...)
}
