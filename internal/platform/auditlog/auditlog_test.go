package auditlog

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestEventValidate(t *testing.T) {
	event := Event{
		OccurredAt:   time.Now(),
		Actor:        "alice",
		Action:       "promotion.approve",
		ResourceType: "revision",
		ResourceID:   "abc123",
	}
	if err := event.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	event.Actor = " "
	if err := event.Validate(); err == nil {
		t.Fatalf("expected error for blank actor")
	}
}

func TestNilLogDiscards(t *testing.T) {
	var l *Log
	id, err := l.Record(context.Background(), Event{})
	if err != nil || id != 0 {
		t.Fatalf("id=%d err=%v, want nil log to discard", id, err)
	}
}

func TestIntegrityHashIsStable(t *testing.T) {
	event := Event{
		OccurredAt:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Actor:        "alice",
		Action:       "promotion.approve",
		ResourceType: "revision",
		ResourceID:   "abc123",
		RequestID:    "req-1",
	}
	payload, _ := json.Marshal(map[string]any{"environment": "production"})

	first, err := computeIntegritySHA256(event, payload)
	if err != nil {
		t.Fatalf("computeIntegritySHA256() err=%v", err)
	}
	second, _ := computeIntegritySHA256(event, payload)
	if first != second {
		t.Fatalf("hash not deterministic: %s vs %s", first, second)
	}

	event.ResourceID = "def456"
	changed, _ := computeIntegritySHA256(event, payload)
	if changed == first {
		t.Fatalf("hash did not change with event contents")
	}
}
