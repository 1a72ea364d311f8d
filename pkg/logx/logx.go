// Package logx provides leveled, agent-tagged logging for the runtime.
package logx

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return "INFO"
}

// ParseLevel maps a LOG_LEVEL value to a Level. Unknown values mean INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	}
	return LevelInfo
}

// Global minimum level, set once at boot from LOG_LEVEL.
//
//nolint:gochecknoglobals // Process-wide log level by design
var (
	minLevel   = LevelInfo
	minLevelMu sync.RWMutex
)

func init() { //nolint:gochecknoinits // Required for env var initialization
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		SetLevel(ParseLevel(v))
	}
}

// SetLevel changes the global minimum level.
func SetLevel(l Level) {
	minLevelMu.Lock()
	minLevel = l
	minLevelMu.Unlock()
}

// CurrentLevel returns the global minimum level.
func CurrentLevel() Level {
	minLevelMu.RLock()
	defer minLevelMu.RUnlock()
	return minLevel
}

func enabled(l Level) bool {
	return l >= CurrentLevel()
}

// Logger writes timestamped, tagged lines to stderr. The tag is the owning
// component or agent id (orchestrator, coder, facade, kernel, ...).
type Logger struct {
	tag    string
	logger *log.Logger
}

func NewLogger(tag string) *Logger {
	return &Logger{
		tag:    tag,
		logger: log.New(os.Stderr, "", 0),
	}
}

// Entry is a captured log line, kept in memory for inspection endpoints.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Tag       string `json:"tag"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// ringBuffer keeps the most recent log entries.
type ringBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	maxSize int
}

//nolint:gochecknoglobals // Shared capture buffer by design
var buffer = &ringBuffer{maxSize: 1000}

func (b *ringBuffer) add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// Recent returns a copy of the captured entries, newest last. A non-empty tag
// filters to that tag.
func Recent(tag string) []Entry {
	buffer.mu.RLock()
	defer buffer.mu.RUnlock()
	out := make([]Entry, 0, len(buffer.entries))
	for i := range buffer.entries {
		if tag != "" && !strings.EqualFold(buffer.entries[i].Tag, tag) {
			continue
		}
		out = append(out, buffer.entries[i])
	}
	return out
}

func (l *Logger) log(level Level, format string, args ...any) {
	if !enabled(level) {
		return
	}
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("[%s] [%s] %s: %s", timestamp, l.tag, level, message)

	buffer.add(Entry{
		Timestamp: timestamp,
		Tag:       l.tag,
		Level:     level.String(),
		Message:   message,
	})
}

func (l *Logger) Debug(format string, args ...any) {
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

func (l *Logger) Tag() string {
	return l.tag
}

// WithTag returns a logger sharing the same sink under a different tag.
func (l *Logger) WithTag(tag string) *Logger {
	return &Logger{tag: tag, logger: l.logger}
}

//nolint:gochecknoglobals // Default logger for package-level helpers
var defaultLogger = NewLogger("system")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
// Use this when you need both logging and error returning:
//
//	err := logx.Errorf("setup failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
