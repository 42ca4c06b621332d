package sequence

import (
	"context"
	"errors"
	"fmt"
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

func testRequest(revision string) domain.PipelineRequest {
	return domain.PipelineRequest{
		Revision:   revision,
		Branch:     "main",
		OccurredAt: time.Now(),
		Config:     testConfig(),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	outcomes map[domain.Environment]domain.RunStatus
	causes   map[domain.Environment]string
	calls    []domain.Environment
	err      error
}

func (r *fakeRunner) Run(ctx context.Context, req domain.PipelineRequest, env domain.Environment) (domain.Run, error) {
	r.calls = append(r.calls, env)
	if r.err != nil {
		return domain.Run{}, r.err
	}
	status, ok := r.outcomes[env]
	if !ok {
		status = domain.RunSucceeded
	}
	run := domain.NewRun(req, env, time.Now())
	run.Status = status
	if cause, ok := r.causes[env]; ok {
		run.Cause = cause
	}
	if status == domain.RunFailed {
		now := time.Now().UTC()
		run.SetStage(domain.Stage{Name: domain.StageBuild, Status: domain.StageSucceeded})
		run.SetStage(domain.Stage{Name: domain.StageTest, Status: domain.StageFailed, EndedAt: &now})
		run.SetStage(domain.Stage{Name: domain.StagePlan, Status: domain.StageSkipped})
		run.SetStage(domain.Stage{Name: domain.StageApply, Status: domain.StageSkipped})
	}
	return run, nil
}

type recordingGate struct {
	waits []string
	err   error
}

func (g *recordingGate) Wait(ctx context.Context, req domain.PipelineRequest, from, to domain.Environment) error {
	g.waits = append(g.waits, string(from)+">"+string(to))
	return g.err
}

func TestPromoteHappyPath(t *testing.T) {
	runner := &fakeRunner{}
	gate := &recordingGate{}
	s := NewSequencer(runner, gate, nil, testLogger())

	result, err := s.Promote(context.Background(), testRequest("abc123"))
	if err != nil {
		t.Fatalf("Promote() err=%v", err)
	}
	if result.Status != domain.ChainSucceeded {
		t.Fatalf("status=%q, want succeeded", result.Status)
	}
	if len(runner.calls) != 2 || runner.calls[0] != domain.EnvStaging || runner.calls[1] != domain.EnvProduction {
		t.Fatalf("calls=%v, want staging then production", runner.calls)
	}
	if len(gate.waits) != 1 || gate.waits[0] != "staging>production" {
		t.Fatalf("gate waits=%v", gate.waits)
	}
	if result.States[domain.EnvStaging] != domain.EnvSucceeded || result.States[domain.EnvProduction] != domain.EnvSucceeded {
		t.Fatalf("states=%v", result.States)
	}
}

func TestPromoteHaltsOnStagingFailure(t *testing.T) {
	runner := &fakeRunner{
		outcomes: map[domain.Environment]domain.RunStatus{domain.EnvStaging: domain.RunFailed},
		causes:   map[domain.Environment]string{domain.EnvStaging: "stage test: 3 assertions failed"},
	}
	gate := &recordingGate{}
	s := NewSequencer(runner, gate, nil, testLogger())

	result, err := s.Promote(context.Background(), testRequest("def456"))
	if err != nil {
		t.Fatalf("Promote() err=%v", err)
	}
	if result.Status != domain.ChainHalted {
		t.Fatalf("status=%q, want halted", result.Status)
	}
	if len(runner.calls) != 1 || runner.calls[0] != domain.EnvStaging {
		t.Fatalf("calls=%v, want production never dispatched", runner.calls)
	}
	if len(gate.waits) != 0 {
		t.Fatalf("gate waits=%v, want none after staging failure", gate.waits)
	}
	if result.States[domain.EnvProduction] != domain.EnvHalted {
		t.Fatalf("production state=%q, want halted", result.States[domain.EnvProduction])
	}
	if result.Halt == nil {
		t.Fatalf("expected halt detail")
	}
	if result.Halt.Environment != domain.EnvStaging || result.Halt.Stage != domain.StageTest {
		t.Fatalf("halt=%+v", result.Halt)
	}
}

func TestPromoteGateSuspension(t *testing.T) {
	runner := &fakeRunner{}
	gate := &recordingGate{err: context.DeadlineExceeded}
	s := NewSequencer(runner, gate, nil, testLogger())

	result, err := s.Promote(context.Background(), testRequest("abc123"))
	if err == nil {
		t.Fatalf("expected error when gate never passes")
	}
	if result.States[domain.EnvStaging] != domain.EnvSucceeded {
		t.Fatalf("staging state=%q", result.States[domain.EnvStaging])
	}
	if result.States[domain.EnvProduction] != domain.EnvNotStarted {
		t.Fatalf("production state=%q, want not started while suspended", result.States[domain.EnvProduction])
	}
	if len(runner.calls) != 1 {
		t.Fatalf("calls=%v, want production held back", runner.calls)
	}
}

func TestPromoteGateDenialStaysMatchable(t *testing.T) {
	gate := &recordingGate{err: fmt.Errorf("rule block-feature-branches: %w", ErrPromotionDenied)}
	s := NewSequencer(&fakeRunner{}, gate, nil, testLogger())

	_, err := s.Promote(context.Background(), testRequest("abc123"))
	if !errors.Is(err, ErrPromotionDenied) {
		t.Fatalf("err=%v, want denial matchable after wrapping", err)
	}

	failing := &fakeRunner{err: errors.New("record run: connection refused")}
	s = NewSequencer(failing, PassGate{}, nil, testLogger())
	_, err = s.Promote(context.Background(), testRequest("abc123"))
	if err == nil || errors.Is(err, ErrPromotionDenied) || errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want ledger failure distinct from denial and cancellation", err)
	}
}

func TestPromoteRunnerErrorIsFatal(t *testing.T) {
	runner := &fakeRunner{err: errors.New("ledger unavailable")}
	s := NewSequencer(runner, PassGate{}, nil, testLogger())

	_, err := s.Promote(context.Background(), testRequest("abc123"))
	if err == nil {
		t.Fatalf("expected fatal error from runner")
	}
}

func TestApprovalGatePassesOnRecordedApproval(t *testing.T) {
	led := memory.New()
	gate := NewApprovalGate(led, time.Millisecond)
	polled := 0
	gate.sleep = func(ctx context.Context, d time.Duration) error {
		polled++
		if polled == 2 {
			approval := ledger.Approval{Revision: "abc123", Environment: domain.EnvProduction, ApprovedBy: "alice"}
			if err := led.RecordApproval(context.Background(), approval); err != nil {
				return err
			}
		}
		return ctx.Err()
	}

	err := gate.Wait(context.Background(), testRequest("abc123"), domain.EnvStaging, domain.EnvProduction)
	if err != nil {
		t.Fatalf("Wait() err=%v", err)
	}
	if polled < 2 {
		t.Fatalf("polled=%d, want gate to wait for approval", polled)
	}
}

func TestApprovalGateSuspendsUntilCancelled(t *testing.T) {
	led := memory.New()
	gate := NewApprovalGate(led, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := gate.Wait(ctx, testRequest("abc123"), domain.EnvStaging, domain.EnvProduction)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want suspension until cancelled", err)
	}
}

func TestSoakGateWaitsFullSoakWithoutAnchor(t *testing.T) {
	gate := NewSoakGate(memory.New(), time.Minute)
	var slept time.Duration
	gate.sleep = func(ctx context.Context, d time.Duration) error {
		slept = d
		return nil
	}
	if err := gate.Wait(context.Background(), testRequest("abc123"), domain.EnvStaging, domain.EnvProduction); err != nil {
		t.Fatalf("Wait() err=%v", err)
	}
	if slept != time.Minute {
		t.Fatalf("slept=%v, want full soak when no staging run is recorded", slept)
	}
}

func soakTestRun(t *testing.T, led *memory.Ledger, req domain.PipelineRequest, ended time.Time) {
	t.Helper()
	run := domain.NewRun(req, domain.EnvStaging, ended.Add(-time.Minute))
	run.Status = domain.RunSucceeded
	endedUTC := ended.UTC()
	run.EndedAt = &endedUTC
	if err := led.Record(context.Background(), run); err != nil {
		t.Fatalf("Record() err=%v", err)
	}
}

func TestSoakGateAnchorsToStagingEnd(t *testing.T) {
	led := memory.New()
	req := testRequest("abc123")
	ended := time.Now().Add(-40 * time.Second)
	soakTestRun(t, led, req, ended)

	gate := NewSoakGate(led, time.Minute)
	gate.now = func() time.Time { return ended.Add(40 * time.Second) }
	var slept time.Duration
	gate.sleep = func(ctx context.Context, d time.Duration) error {
		slept = d
		return nil
	}
	if err := gate.Wait(context.Background(), req, domain.EnvStaging, domain.EnvProduction); err != nil {
		t.Fatalf("Wait() err=%v", err)
	}
	if slept != 20*time.Second {
		t.Fatalf("slept=%v, want only the remaining soak", slept)
	}
}

func TestSoakGatePassesWhenAlreadySoaked(t *testing.T) {
	led := memory.New()
	req := testRequest("abc123")
	ended := time.Now().Add(-time.Hour)
	soakTestRun(t, led, req, ended)

	gate := NewSoakGate(led, time.Minute)
	waited := false
	gate.sleep = func(ctx context.Context, d time.Duration) error {
		waited = true
		return nil
	}
	if err := gate.Wait(context.Background(), req, domain.EnvStaging, domain.EnvProduction); err != nil {
		t.Fatalf("Wait() err=%v", err)
	}
	if waited {
		t.Fatalf("gate slept on a re-trigger of an already-soaked revision")
	}
}
