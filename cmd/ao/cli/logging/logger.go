// Package logging provides structured logging for the orchestrator
// using slog.
//
// Usage:
//
//	// Initialize once at process start (typically from the CLI)
//	if err := logging.Init(dataDir); err != nil {
//	    // handle error
//	}
//	defer logging.Close()
//
//	// Add context values
//	ctx = logging.WithSession(ctx, sessionID)
//	ctx = logging.WithComponent(ctx, "lifecycle")
//
//	// Log with context - session/project/component extracted automatically
//	logging.Info(ctx, "status changed",
//	    slog.String("from", string(old)),
//	    slog.String("to", string(next)),
//	)
package logging

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogLevelEnvVar is the environment variable that controls log level.
const LogLevelEnvVar = "AO_LOG_LEVEL"

// logFileName is the process log file under <dataDir>/logs/.
const logFileName = "ao.log"

var (
	logger *slog.Logger

	// logFile holds the current log file handle for cleanup
	logFile *os.File

	// logBufWriter wraps logFile with buffered I/O
	logBufWriter *bufio.Writer

	// mu protects logger, logFile, logBufWriter
	mu sync.RWMutex
)

// Init initializes the logger, writing JSON logs to
// <dataDir>/logs/ao.log. If the log file cannot be created, falls back
// to stderr. Log level is controlled by AO_LOG_LEVEL.
func Init(dataDir string) error {
	mu.Lock()
	defer mu.Unlock()

	if logBufWriter != nil {
		_ = logBufWriter.Flush()
		logBufWriter = nil
	}
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	level := parseLogLevel(os.Getenv(LogLevelEnvVar))

	logsPath := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logsPath, 0o750); err != nil {
		logger = createLogger(os.Stderr, level)
		return nil
	}

	f, err := os.OpenFile(filepath.Join(logsPath, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path rooted in dataDir
	if err != nil {
		logger = createLogger(os.Stderr, level)
		return nil
	}

	logFile = f
	logBufWriter = bufio.NewWriterSize(f, 8192)
	logger = createLogger(logBufWriter, level)
	return nil
}

// Close flushes and closes the log file. Safe to call multiple times.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logBufWriter != nil {
		_ = logBufWriter.Flush()
		logBufWriter = nil
	}
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// resetLogger resets the logger to nil (for testing).
func resetLogger() {
	mu.Lock()
	defer mu.Unlock()
	logger = nil
	if logBufWriter != nil {
		_ = logBufWriter.Flush()
		logBufWriter = nil
	}
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// getLogger returns the current logger, or the slog default when not
// initialized.
func getLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()

	if logger == nil {
		return slog.Default()
	}
	return logger
}

func createLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// parseLogLevel parses a log level string to slog.Level.
// Returns slog.LevelInfo for empty or invalid values.
func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Debug logs at DEBUG level with context values automatically extracted.
func Debug(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelDebug, msg, attrs...)
}

// Info logs at INFO level with context values automatically extracted.
func Info(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelInfo, msg, attrs...)
}

// Warn logs at WARN level with context values automatically extracted.
func Warn(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelWarn, msg, attrs...)
}

// Error logs at ERROR level with context values automatically extracted.
func Error(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelError, msg, attrs...)
}

// LogDuration logs a message with duration_ms calculated from the
// start time. Designed for use with defer:
//
//	defer logging.LogDuration(ctx, slog.LevelDebug, "tick completed", time.Now())
func LogDuration(ctx context.Context, level slog.Level, msg string, start time.Time, attrs ...any) {
	attrs = append(attrs, slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	log(ctx, level, msg, attrs...)
}

func log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	l := getLogger()
	if !l.Enabled(ctx, level) {
		return
	}

	if sid := SessionIDFromContext(ctx); sid != "" {
		attrs = append(attrs, slog.String("session_id", sid))
	}
	if pid := ProjectIDFromContext(ctx); pid != "" {
		attrs = append(attrs, slog.String("project_id", pid))
	}
	if comp := ComponentFromContext(ctx); comp != "" {
		attrs = append(attrs, slog.String("component", comp))
	}

	l.Log(ctx, level, msg, attrs...)
}
