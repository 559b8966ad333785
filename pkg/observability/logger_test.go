package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestJSONLoggerEmitsEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf)
	logger.now = func() time.Time { return time.Unix(100, 0).UTC() }

	event := Event{
		Level:   LevelInfo,
		Node:    "rack-01",
		Event:   "run_finalized",
		RunID:   "run-abc",
		Message: "test run reached a terminal status",
		Fields: map[string]interface{}{
			"test_type": "thermal_ramp",
			"status":    "passed",
		},
	}

	if err := logger.Log(context.Background(), event); err != nil {
		t.Fatalf("log event: %v", err)
	}

	var payload Event
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	if payload.Timestamp.Unix() != 100 {
		t.Fatalf("expected timestamp to be set, got %v", payload.Timestamp)
	}
	if payload.Level != LevelInfo {
		t.Fatalf("unexpected level: %s", payload.Level)
	}
	if payload.Event != event.Event {
		t.Fatalf("unexpected event name: %s", payload.Event)
	}
	if payload.RunID != "run-abc" {
		t.Fatalf("expected run id preserved, got %q", payload.RunID)
	}
	if payload.Fields["test_type"] != "thermal_ramp" {
		t.Fatalf("expected test_type field preserved, got %v", payload.Fields)
	}
}

func TestJSONLoggerRequiresWriter(t *testing.T) {
	logger := NewJSONLogger(nil)
	if err := logger.Log(context.Background(), Event{Event: "test"}); err == nil {
		t.Fatal("expected error when writer is nil")
	}
}

func TestEventCloneCopiesFields(t *testing.T) {
	event := Event{
		Event:  "rca_recorded",
		Fields: map[string]interface{}{"category": "THERMAL"},
	}

	clone := event.Clone()
	clone.Fields["category"] = "POWER"

	if event.Fields["category"] != "THERMAL" {
		t.Fatalf("expected original fields untouched, got %v", event.Fields)
	}
}
