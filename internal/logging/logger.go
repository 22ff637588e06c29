package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// DeliveryLog represents a single resolved-delivery log entry: one line
// per message whose outcome the delivery tracker or queue engine has
// finalized (acknowledged, negative-acked, responded, timed out, or
// canceled).
type DeliveryLog struct {
	Timestamp  time.Time `json:"timestamp"`
	MessageID  string    `json:"message_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	SpanID     string    `json:"span_id,omitempty"`
	Queue      string    `json:"queue"`
	ConsumerID string    `json:"consumer_id,omitempty"`
	Outcome    string    `json:"outcome"` // acknowledged, negative_ack, responded, timed_out, canceled
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Retries    int       `json:"retries,omitempty"`
}

// Logger handles delivery-outcome logging
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a delivery log entry
func (l *Logger) Log(entry *DeliveryLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	// Console output (human-readable)
	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		retry := ""
		if entry.Retries > 0 {
			retry = fmt.Sprintf(" [retry:%d]", entry.Retries)
		}
		fmt.Printf("[delivery] %s %s %s/%s %s %dms%s\n",
			status, entry.MessageID, entry.Queue, entry.ConsumerID, entry.Outcome, entry.DurationMs, retry)
		if entry.Error != "" {
			fmt.Printf("[delivery]   error: %s\n", entry.Error)
		}
	}

	// File output (JSON)
	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
