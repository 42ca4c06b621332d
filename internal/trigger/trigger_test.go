package trigger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/conduit-labs/conduit/internal/domain"
	"github.com/conduit-labs/conduit/internal/ledger"
	"github.com/conduit-labs/conduit/internal/ledger/memory"
)

func testConfig() domain.Configuration {
	return domain.Configuration{
		ProjectName:         "geo-agents",
		StagingProjectID:    "geo-agents-staging",
		ProdProjectID:       "geo-agents-prod",
		CICDRunnerProjectID: "geo-agents-cicd",
		HostConnectionName:  "github-connection",
		RepositoryName:      "geo-agents-repo",
		Region:              "us-central1",
	}
}

type scriptedSource struct {
	events []Event
	calls  []string
	err    error
}

func (s *scriptedSource) Next(ctx context.Context, position string) (Event, error) {
	s.calls = append(s.calls, position)
	if s.err != nil {
		err := s.err
		s.err = nil
		return Event{}, err
	}
	if len(s.events) == 0 {
		<-ctx.Done()
		return Event{}, ctx.Err()
	}
	event := s.events[0]
	s.events = s.events[1:]
	return event, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestListener(source Source, led ledger.Ledger) *Listener {
	l := NewListener(source, led, testConfig(), testLogger())
	l.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return l
}

func collect(t *testing.T, l *Listener, want int) []domain.PipelineRequest {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := make(chan domain.PipelineRequest)
	done := make(chan error, 1)
	go func() { done <- l.Listen(ctx, out) }()

	reqs := make([]domain.PipelineRequest, 0, want)
	for len(reqs) < want {
		select {
		case req := <-out:
			reqs = append(reqs, req)
		case err := <-done:
			t.Fatalf("listener exited early: %v", err)
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("listener err=%v, want context.Canceled", err)
	}
	return reqs
}

func TestListenEmitsMatchingEvents(t *testing.T) {
	source := &scriptedSource{events: []Event{
		{Revision: "abc123", Branch: "main", Connection: "github-connection", Repository: "geo-agents-repo", Position: "1", OccurredAt: time.Now()},
	}}
	led := memory.New()
	l := newTestListener(source, led)

	reqs := collect(t, l, 1)
	if reqs[0].Revision != "abc123" || reqs[0].Branch != "main" {
		t.Fatalf("request=%+v", reqs[0])
	}
	if reqs[0].Config.ProjectName != "geo-agents" {
		t.Fatalf("config not bound to request")
	}
}

func TestListenDropsForeignEvents(t *testing.T) {
	source := &scriptedSource{events: []Event{
		{Revision: "zzz999", Branch: "main", Repository: "other-repo", Position: "1", OccurredAt: time.Now()},
		{Revision: "zzz998", Branch: "main", Connection: "other-connection", Position: "2", OccurredAt: time.Now()},
		{Revision: "abc123", Branch: "main", Position: "3", OccurredAt: time.Now()},
	}}
	l := newTestListener(source, memory.New())

	reqs := collect(t, l, 1)
	if reqs[0].Revision != "abc123" {
		t.Fatalf("revision=%q, want foreign events dropped silently", reqs[0].Revision)
	}
}

func TestListenAdvancesCursorAfterEmit(t *testing.T) {
	source := &scriptedSource{events: []Event{
		{Revision: "abc123", Branch: "main", Position: "7", OccurredAt: time.Now()},
	}}
	led := memory.New()
	l := newTestListener(source, led)

	collect(t, l, 1)

	cursor, err := led.Cursor(context.Background(), "github-connection", "geo-agents-repo")
	if err != nil {
		t.Fatalf("Cursor() err=%v", err)
	}
	if cursor.Position != "7" {
		t.Fatalf("position=%q, want 7", cursor.Position)
	}
}

func TestListenResumesFromSavedCursor(t *testing.T) {
	led := memory.New()
	saved := ledger.Cursor{Connection: "github-connection", Repository: "geo-agents-repo", Position: "41"}
	if err := led.SaveCursor(context.Background(), saved); err != nil {
		t.Fatalf("SaveCursor() err=%v", err)
	}

	source := &scriptedSource{events: []Event{
		{Revision: "abc123", Branch: "main", Position: "42", OccurredAt: time.Now()},
	}}
	l := newTestListener(source, led)

	collect(t, l, 1)
	if source.calls[0] != "41" {
		t.Fatalf("first poll position=%q, want resume from 41", source.calls[0])
	}
}

func TestListenSurvivesSourceErrors(t *testing.T) {
	source := &scriptedSource{
		err: errors.New("connection reset"),
		events: []Event{
			{Revision: "abc123", Branch: "main", Position: "1", OccurredAt: time.Now()},
		},
	}
	l := newTestListener(source, memory.New())

	reqs := collect(t, l, 1)
	if reqs[0].Revision != "abc123" {
		t.Fatalf("revision=%q, want emit after source recovery", reqs[0].Revision)
	}
	if len(source.calls) < 2 {
		t.Fatalf("calls=%d, want re-poll after error", len(source.calls))
	}
}
