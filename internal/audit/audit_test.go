package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestAuditLogger_LogSeal(t *testing.T) {
	logger := NewLogger(100, nil)

	logger.LogSeal("a1b2c3", 8, 32768, true, nil, 100*time.Millisecond)

	events := logger.GetEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	event := events[0]
	if event.EventType != EventTypeSeal {
		t.Fatalf("expected event type %s, got %s", EventTypeSeal, event.EventType)
	}
	if event.KeyID != "a1b2c3" {
		t.Fatalf("expected key id a1b2c3, got %s", event.KeyID)
	}
	if event.Records != 8 || event.Bytes != 32768 {
		t.Fatalf("unexpected counts: records=%d bytes=%d", event.Records, event.Bytes)
	}
	if !event.Success {
		t.Fatal("expected success to be true")
	}
}

func TestAuditLogger_LogUnsealFallback(t *testing.T) {
	logger := NewLogger(100, nil)

	logger.LogUnseal("a1b2c3", 4, 4096, true, true, nil, 50*time.Millisecond)
	logger.LogUnseal("a1b2c3", 4, 4096, false, true, nil, 50*time.Millisecond)

	events := logger.GetEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventType != EventTypeFallback {
		t.Fatalf("expected fallback event, got %s", events[0].EventType)
	}
	if events[1].EventType != EventTypeUnseal {
		t.Fatalf("expected unseal event, got %s", events[1].EventType)
	}
}

func TestAuditLogger_LogFailure(t *testing.T) {
	logger := NewLogger(100, nil)

	logger.LogUnseal("a1b2c3", 0, 0, false, false, errors.New("authentication failed"), time.Millisecond)

	events := logger.GetEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Success {
		t.Fatal("expected success to be false")
	}
	if events[0].Error != "authentication failed" {
		t.Fatalf("unexpected error string: %s", events[0].Error)
	}
}

func TestAuditLogger_MaxEvents(t *testing.T) {
	logger := NewLogger(5, nil)

	for i := 0; i < 10; i++ {
		logger.LogSeal("key", i, 0, true, nil, 0)
	}

	events := logger.GetEvents()
	if len(events) != 5 {
		t.Fatalf("expected 5 buffered events, got %d", len(events))
	}
	// Oldest events are dropped first.
	if events[0].Records != 5 {
		t.Fatalf("expected oldest surviving event to have records=5, got %d", events[0].Records)
	}
}

func TestAuditLogger_KeyReload(t *testing.T) {
	logger := NewLogger(10, nil)

	logger.LogKeyReload("deadbeef", true, nil)

	events := logger.GetEvents()
	if len(events) != 1 || events[0].EventType != EventTypeKeyReload {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].DeviceID != "deadbeef" {
		t.Fatalf("expected device id deadbeef, got %s", events[0].DeviceID)
	}
}

func TestJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(10, NewJSONLWriter(&buf))

	logger.LogSeal("key", 2, 2048, true, nil, time.Millisecond)
	logger.LogInspect("key", "device", true, nil)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSONL lines, got %d", len(lines))
	}

	var event AuditEvent
	if err := json.Unmarshal(lines[0], &event); err != nil {
		t.Fatalf("line 1 is not valid JSON: %v", err)
	}
	if event.EventType != EventTypeSeal {
		t.Fatalf("expected seal event, got %s", event.EventType)
	}
}
