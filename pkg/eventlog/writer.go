// Package eventlog journals runtime events to daily rotated JSONL files.
// The kernel attaches a writer to the event bus at boot so every published
// event leaves a durable trace alongside the database.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"conductor/pkg/dispatch"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Writer appends events to the current day's JSONL file and rotates when
// the date changes.
type Writer struct {
	logDir      string
	currentFile *os.File
	currentDate string
	logger      *logx.Logger
	mu          sync.Mutex
}

// NewWriter creates an event journal under logDir, creating the directory
// and the current day's file.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	w := &Writer{
		logDir: logDir,
		logger: logx.NewLogger("eventlog"),
	}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to open event log file: %w", err)
	}
	return w, nil
}

// Write appends one event as a JSON line, rotating first when the day has
// changed.
func (w *Writer) Write(evt proto.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate event log: %w", err)
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	if _, err := w.currentFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Attach subscribes the writer to every bus event and returns the
// detach function. Write failures are logged, never propagated to the
// publisher.
func (w *Writer) Attach(bus *dispatch.Bus) func() {
	return bus.SubscribeAll(func(evt proto.Event) {
		if err := w.Write(evt); err != nil {
			w.logger.Warn("⚠️ failed to journal %s event: %v", evt.Name, err)
		}
	})
}

// CurrentFile returns the path of the active journal file, or "" when the
// writer is closed.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fileName(w.currentDate))
}

// Close flushes and closes the active file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return nil
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	if err != nil {
		return fmt.Errorf("failed to close event log file: %w", err)
	}
	return nil
}

// rotateIfNeeded opens a new day's file when the date has moved on.
// Called with w.mu held.
func (w *Writer) rotateIfNeeded() error {
	today := time.Now().Format("2006-01-02")
	if w.currentFile != nil && w.currentDate == today {
		return nil
	}

	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close previous event log file: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fileName(today))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log file %s: %w", path, err)
	}

	w.currentFile = file
	w.currentDate = today
	return nil
}

func fileName(date string) string {
	return fmt.Sprintf("events-%s.jsonl", date)
}

// ReadEvents parses every event from one journal file.
func ReadEvents(path string) ([]proto.Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log file: %w", err)
	}
	defer file.Close()

	var events []proto.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt proto.Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return nil, fmt.Errorf("failed to parse event line: %w", err)
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log file: %w", err)
	}
	return events, nil
}

// ListFiles returns the journal files under logDir, oldest first.
func ListFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list event log files: %w", err)
	}
	return files, nil
}
