package collab

import (
	"errors"
	"fmt"
	"testing"
)

func TestTransientWrapping(t *testing.T) {
	base := errors.New("planner unavailable")
	err := Transient(base)
	if !IsTransient(err) {
		t.Fatalf("expected transient")
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected unwrap to base error")
	}
	wrapped := fmt.Errorf("plan: %w", err)
	if !IsTransient(wrapped) {
		t.Fatalf("expected transient through wrapping")
	}
}

func TestTransientNil(t *testing.T) {
	if Transient(nil) != nil {
		t.Fatalf("Transient(nil) should be nil")
	}
	if IsTransient(errors.New("plain")) {
		t.Fatalf("plain errors are not transient")
	}
}

func TestApplyResultPartial(t *testing.T) {
	full := ApplyResult{Applied: []string{"a", "b"}}
	if full.Partial() {
		t.Fatalf("all applied should not be partial")
	}
	part := ApplyResult{Applied: []string{"a"}, Failed: []string{"b"}, NotAttempted: []string{"c"}}
	if !part.Partial() {
		t.Fatalf("expected partial")
	}
}
