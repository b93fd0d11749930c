// Package logger keeps recent log records in memory, appends them to a
// JSON-lines file and fans them out to live subscribers. It plugs into
// log/slog through Handler.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogEntry represents a single log record.
type LogEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

const (
	defaultMaxEntries  = 1000             // Keep last 1000 in memory
	defaultMaxFileSize = 5 * 1024 * 1024 // 5MB limit
)

// Sink stores log entries. The zero value is not usable; call Open or NewSink.
type Sink struct {
	mu          sync.RWMutex
	entries     []LogEntry
	maxEntries  int
	maxFileSize int64
	filePath    string
	file        *os.File

	ch         chan LogEntry
	done       chan struct{}
	workerDone chan struct{}
	closeOnce  sync.Once

	subsMu      sync.RWMutex
	subscribers map[chan LogEntry]struct{}
}

// NewSink returns an in-memory sink with no backing file.
func NewSink() *Sink {
	return &Sink{
		maxEntries:  defaultMaxEntries,
		maxFileSize: defaultMaxFileSize,
		subscribers: make(map[chan LogEntry]struct{}),
	}
}

// Open creates {appDir}/logs/opreg.log and starts the file worker.
func Open(appDir string) (*Sink, error) {
	logDir := filepath.Join(appDir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	s := NewSink()
	s.filePath = filepath.Join(logDir, "opreg.log")
	f, err := os.OpenFile(s.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	s.file = f

	s.ch = make(chan LogEntry, 100)
	s.done = make(chan struct{})
	s.workerDone = make(chan struct{})
	go s.worker()

	return s, nil
}

// Add records an entry.
func (s *Sink) Add(entry LogEntry) {
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.maxEntries {
		s.entries = s.entries[len(s.entries)-s.maxEntries:]
	}
	s.mu.Unlock()

	if s.ch != nil {
		select {
		case s.ch <- entry:
		default:
			// Drop rather than block the caller.
		}
	}

	s.subsMu.RLock()
	for sub := range s.subscribers {
		select {
		case sub <- entry:
		default:
		}
	}
	s.subsMu.RUnlock()
}

// Subscribe returns a channel that receives new log entries.
func (s *Sink) Subscribe() chan LogEntry {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	ch := make(chan LogEntry, 100)
	s.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a log subscriber and closes its channel.
func (s *Sink) Unsubscribe(ch chan LogEntry) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if _, ok := s.subscribers[ch]; ok {
		delete(s.subscribers, ch)
		close(ch)
	}
}

// Entries returns a copy of the entries currently in memory.
func (s *Sink) Entries() []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]LogEntry, len(s.entries))
	copy(res, s.entries)
	return res
}

// FilePath returns the log file location, empty for in-memory sinks.
func (s *Sink) FilePath() string {
	return s.filePath
}

// Close flushes pending entries and closes the log file.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		if s.done != nil {
			close(s.done)
			<-s.workerDone
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.file != nil {
			s.file.Close()
			s.file = nil
		}
	})
}

func (s *Sink) worker() {
	defer close(s.workerDone)
	for {
		select {
		case entry := <-s.ch:
			s.write(entry)
		case <-s.done:
			for {
				select {
				case entry := <-s.ch:
					s.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) write(entry LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.file
	if f == nil {
		return
	}

	// Truncate once the file outgrows the limit.
	if info, err := f.Stat(); err == nil && info.Size() > s.maxFileSize {
		f.Close()
		f, err = os.OpenFile(s.filePath, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			s.file = nil
			return
		}
		s.file = f
		writeLine(f, LogEntry{
			Timestamp: time.Now().Format(time.RFC3339),
			Level:     "INFO",
			Message:   fmt.Sprintf("Log file reached %d bytes and was truncated.", s.maxFileSize),
		})
	}

	writeLine(f, entry)
}

func writeLine(w io.Writer, entry LogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	w.Write(append(data, '\n'))
}

// New builds a logger writing to console in the given format ("text" or
// "json") and, when sink is non-nil, recording into sink.
func New(sink *Sink, level, format string, console io.Writer) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var handlers []slog.Handler
	if console != nil {
		if format == "json" {
			handlers = append(handlers, slog.NewJSONHandler(console, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(console, opts))
		}
	}
	if sink != nil {
		handlers = append(handlers, sink.Handler(lvl))
	}
	if len(handlers) == 1 {
		return slog.New(handlers[0])
	}
	return slog.New(fanout(handlers))
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
