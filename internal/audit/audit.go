// Package audit keeps a bounded in-memory trail of envelope operations,
// optionally mirrored to an external event writer.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeSeal represents a sealing operation.
	EventTypeSeal EventType = "seal"
	// EventTypeUnseal represents an unsealing operation.
	EventTypeUnseal EventType = "unseal"
	// EventTypeFallback represents an unseal served by the legacy path.
	EventTypeFallback EventType = "fallback_unseal"
	// EventTypeInspect represents a metadata inspection.
	EventTypeInspect EventType = "inspect"
	// EventTypeKeyReload represents an identity reload.
	EventTypeKeyReload EventType = "key_reload"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp time.Time     `json:"timestamp"`
	EventType EventType     `json:"event_type"`
	KeyID     string        `json:"key_id,omitempty"`
	DeviceID  string        `json:"device_id,omitempty"`
	Records   int           `json:"records,omitempty"`
	Bytes     int64         `json:"bytes,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ms"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogSeal logs a sealing operation.
	LogSeal(keyID string, records int, bytes int64, success bool, err error, duration time.Duration)

	// LogUnseal logs an unsealing operation. fallback marks results served
	// by the legacy path.
	LogUnseal(keyID string, records int, bytes int64, fallback, success bool, err error, duration time.Duration)

	// LogInspect logs a metadata inspection.
	LogInspect(keyID, deviceID string, success bool, err error)

	// LogKeyReload logs an identity file reload.
	LogKeyReload(deviceID string, success bool, err error)

	// GetEvents returns a copy of the buffered events.
	GetEvents() []*AuditEvent
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger. A nil writer keeps events in memory
// only.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		if err := l.writer.WriteEvent(event); err != nil {
			return fmt.Errorf("failed to write audit event: %w", err)
		}
	}

	l.events = append(l.events, event)

	// Maintain max events limit
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return nil
}

// LogSeal logs a sealing operation.
func (l *auditLogger) LogSeal(keyID string, records int, bytes int64, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeSeal,
		KeyID:     keyID,
		Records:   records,
		Bytes:     bytes,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogUnseal logs an unsealing operation.
func (l *auditLogger) LogUnseal(keyID string, records int, bytes int64, fallback, success bool, err error, duration time.Duration) {
	eventType := EventTypeUnseal
	if fallback {
		eventType = EventTypeFallback
	}
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		KeyID:     keyID,
		Records:   records,
		Bytes:     bytes,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogInspect logs a metadata inspection.
func (l *auditLogger) LogInspect(keyID, deviceID string, success bool, err error) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeInspect,
		KeyID:     keyID,
		DeviceID:  deviceID,
		Success:   success,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogKeyReload logs an identity file reload.
func (l *auditLogger) LogKeyReload(deviceID string, success bool, err error) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeKeyReload,
		DeviceID:  deviceID,
		Success:   success,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// GetEvents returns all audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Return a copy to prevent external modifications
	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// JSONLWriter writes events as JSON lines to an io.Writer.
type JSONLWriter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewJSONLWriter creates an EventWriter emitting one JSON object per line.
func NewJSONLWriter(out io.Writer) *JSONLWriter {
	return &JSONLWriter{out: out}
}

func (w *JSONLWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}
