// logging.go - structured logging interface for the scheduler and conflict
// engine.
//
// Package-level configuration, so a host process can wire this into its own
// logging stack; a ThreadPool or JobState constructed without a Logger of
// its own falls back to it.
//
// Usage:
//
//	parloop.SetStructuredLogger(parloop.NewDefaultLogger(parloop.LevelInfo))
package parloop

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var globalLogger struct {
	sync.RWMutex
	logger Logger
}

// SetStructuredLogger sets the package-level structured logger.
func SetStructuredLogger(logger Logger) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	globalLogger.logger = logger
}

// getGlobalLogger safely retrieves the global logger, defaulting to a no-op.
func getGlobalLogger() Logger {
	globalLogger.RLock()
	defer globalLogger.RUnlock()
	if globalLogger.logger != nil {
		return globalLogger.logger
	}
	return NewNoOpLogger()
}

// LogLevel represents the severity of a log message.
type LogLevel int32

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns a human-readable representation of the level.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", l)
	}
}

// LogEntry represents a single structured log line. Category is one of
// "pool", "job", "task", "conflict", "rollback".
type LogEntry struct {
	Level     LogLevel
	Category  string
	JobID     uint32
	TaskID    int64
	Message   string
	Context   map[string]any
	Err       error
	Timestamp time.Time
}

// Logger is the structured logging interface implemented by DefaultLogger,
// NoOpLogger, and any external adapter a host process supplies.
type Logger interface {
	Log(entry LogEntry)
	IsEnabled(level LogLevel) bool
}

// DefaultLogger implements Logger, writing one text line per entry.
type DefaultLogger struct {
	level atomic.Int32
	mu    sync.Mutex
	Out   io.Writer
}

// NewDefaultLogger creates a logger with the given minimum level, writing to
// os.Stderr.
func NewDefaultLogger(level LogLevel) *DefaultLogger {
	l := &DefaultLogger{Out: os.Stderr}
	l.level.Store(int32(level))
	return l
}

// NewWriterLogger creates a DefaultLogger writing to an arbitrary io.Writer.
func NewWriterLogger(level LogLevel, out io.Writer) *DefaultLogger {
	l := &DefaultLogger{Out: out}
	l.level.Store(int32(level))
	return l
}

// SetLevel dynamically changes the minimum log level.
func (l *DefaultLogger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

// IsEnabled checks if the specified level would be logged.
func (l *DefaultLogger) IsEnabled(level LogLevel) bool {
	return int32(level) >= l.level.Load()
}

// Log writes a structured log entry as one text line.
func (l *DefaultLogger) Log(entry LogEntry) {
	if !l.IsEnabled(entry.Level) {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintf(l.Out, "%s %s [%-9s]", entry.Timestamp.Format("15:04:05.000"), entry.Level, entry.Category)
	if entry.JobID != 0 {
		fmt.Fprintf(l.Out, " job=%d", entry.JobID)
	}
	if entry.TaskID != 0 {
		fmt.Fprintf(l.Out, " task=%d", entry.TaskID)
	}
	fmt.Fprintf(l.Out, " %s", entry.Message)
	for k, v := range entry.Context {
		fmt.Fprintf(l.Out, " %s=%v", k, v)
	}
	if entry.Err != nil {
		fmt.Fprintf(l.Out, ": %v", entry.Err)
	}
	fmt.Fprintln(l.Out)
}

// NoOpLogger discards every entry; it is the default when no logger has been
// configured via SetStructuredLogger.
type NoOpLogger struct{}

// NewNoOpLogger returns a Logger that discards everything.
func NewNoOpLogger() *NoOpLogger { return &NoOpLogger{} }

// Log implements Logger.
func (l *NoOpLogger) Log(LogEntry) {}

// IsEnabled implements Logger.
func (l *NoOpLogger) IsEnabled(LogLevel) bool { return false }

// logDebug/logInfo/logWarn/logError log through logger — the owning
// ThreadPool's or JobState's configured Logger (see WithLogger) — falling
// back to the package-level global logger (getGlobalLogger) when logger is
// nil, e.g. for callers constructed without going through NewThreadPool.
// jobID is carried in LogEntry.JobID (0 renders as absent, matching
// DefaultLogger.Log's zero-suppression) rather than folded into Context, so
// it is available to any Logger implementation as structured data, not just
// text interpolated into the message.
func logDebug(logger Logger, category, message string, jobID uint32, fields map[string]any) {
	log(logger, LevelDebug, category, message, nil, jobID, fields)
}

func logInfo(logger Logger, category, message string, jobID uint32, fields map[string]any) {
	log(logger, LevelInfo, category, message, nil, jobID, fields)
}

func logWarn(logger Logger, category, message string, jobID uint32, fields map[string]any) {
	log(logger, LevelWarn, category, message, nil, jobID, fields)
}

func logError(logger Logger, category, message string, err error, jobID uint32, fields map[string]any) {
	log(logger, LevelError, category, message, err, jobID, fields)
}

func log(logger Logger, level LogLevel, category, message string, err error, jobID uint32, fields map[string]any) {
	if logger == nil {
		logger = getGlobalLogger()
	}
	if !logger.IsEnabled(level) {
		return
	}
	logger.Log(LogEntry{
		Level:    level,
		Category: category,
		JobID:    jobID,
		Message:  message,
		Context:  fields,
		Err:      err,
	})
}
