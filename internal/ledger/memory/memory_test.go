package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/conduit-labs/conduit/internal/domain"
	"github.com/conduit-labs/conduit/internal/ledger"
)

func testRun(revision string, env domain.Environment) domain.Run {
	req := domain.PipelineRequest{Revision: revision, Branch: "main", OccurredAt: time.Now()}
	run := domain.NewRun(req, env, time.Now())
	run.Status = domain.RunRunning
	return run
}

func TestRecordAndGet(t *testing.T) {
	l := New()
	ctx := context.Background()
	run := testRun("abc123", domain.EnvStaging)

	if err := l.Record(ctx, run); err != nil {
		t.Fatalf("Record() err=%v", err)
	}
	got, err := l.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if got.ID != run.ID || got.Status != domain.RunRunning {
		t.Fatalf("got %+v", got)
	}
}

func TestGetNotFound(t *testing.T) {
	l := New()
	_, err := l.Get(context.Background(), "run-missing")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestSucceededRunsAreImmutable(t *testing.T) {
	l := New()
	ctx := context.Background()
	run := testRun("abc123", domain.EnvStaging)
	run.Status = domain.RunSucceeded
	if err := l.Record(ctx, run); err != nil {
		t.Fatalf("Record() err=%v", err)
	}

	run.Status = domain.RunFailed
	if err := l.Record(ctx, run); !errors.Is(err, ledger.ErrCompleted) {
		t.Fatalf("err=%v, want ErrCompleted", err)
	}

	got, err := l.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if got.Status != domain.RunSucceeded {
		t.Fatalf("status=%q, want succeeded to be preserved", got.Status)
	}
}

func TestRecordStageFlushesTransition(t *testing.T) {
	l := New()
	ctx := context.Background()
	run := testRun("abc123", domain.EnvStaging)
	if err := l.Record(ctx, run); err != nil {
		t.Fatalf("Record() err=%v", err)
	}

	now := time.Now().UTC()
	stage := domain.Stage{Name: domain.StageBuild, Status: domain.StageRunning, StartedAt: &now}
	if err := l.RecordStage(ctx, run.ID, stage); err != nil {
		t.Fatalf("RecordStage() err=%v", err)
	}

	got, err := l.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	build, ok := got.Stage(domain.StageBuild)
	if !ok || build.Status != domain.StageRunning {
		t.Fatalf("build stage=%+v", build)
	}
}

func TestRecordStageUnknownRun(t *testing.T) {
	l := New()
	err := l.RecordStage(context.Background(), "run-missing", domain.Stage{Name: domain.StageBuild})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestListByRevisionOrdered(t *testing.T) {
	l := New()
	ctx := context.Background()

	staging := testRun("abc123", domain.EnvStaging)
	staging.StartedAt = time.Now().Add(-time.Minute).UTC()
	prod := testRun("abc123", domain.EnvProduction)
	prod.StartedAt = time.Now().UTC()
	other := testRun("def456", domain.EnvStaging)

	for _, run := range []domain.Run{prod, staging, other} {
		if err := l.Record(ctx, run); err != nil {
			t.Fatalf("Record() err=%v", err)
		}
	}

	runs, err := l.ListByRevision(ctx, "abc123")
	if err != nil {
		t.Fatalf("ListByRevision() err=%v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len=%d, want 2", len(runs))
	}
	if runs[0].Environment != domain.EnvStaging || runs[1].Environment != domain.EnvProduction {
		t.Fatalf("order=%v,%v", runs[0].Environment, runs[1].Environment)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	l := New()
	ctx := context.Background()

	if _, err := l.Cursor(ctx, "github-connection", "geo-agents-repo"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound before save", err)
	}

	cursor := ledger.Cursor{Connection: "github-connection", Repository: "geo-agents-repo", Position: "abc123"}
	if err := l.SaveCursor(ctx, cursor); err != nil {
		t.Fatalf("SaveCursor() err=%v", err)
	}
	got, err := l.Cursor(ctx, "github-connection", "geo-agents-repo")
	if err != nil {
		t.Fatalf("Cursor() err=%v", err)
	}
	if got.Position != "abc123" {
		t.Fatalf("position=%q", got.Position)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatalf("expected updated at to be stamped")
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	l := New()
	ctx := context.Background()

	if _, err := l.Approval(ctx, "abc123", domain.EnvProduction); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound before approval", err)
	}

	approval := ledger.Approval{Revision: "abc123", Environment: domain.EnvProduction, ApprovedBy: "alice"}
	if err := l.RecordApproval(ctx, approval); err != nil {
		t.Fatalf("RecordApproval() err=%v", err)
	}
	got, err := l.Approval(ctx, "abc123", domain.EnvProduction)
	if err != nil {
		t.Fatalf("Approval() err=%v", err)
	}
	if got.ApprovedBy != "alice" || got.ID == "" {
		t.Fatalf("approval=%+v", got)
	}
}

func TestCloneIsolation(t *testing.T) {
	l := New()
	ctx := context.Background()
	run := testRun("abc123", domain.EnvStaging)
	if err := l.Record(ctx, run); err != nil {
		t.Fatalf("Record() err=%v", err)
	}

	got, _ := l.Get(ctx, run.ID)
	got.Stages[0].Status = domain.StageFailed

	again, _ := l.Get(ctx, run.ID)
	if again.Stages[0].Status == domain.StageFailed {
		t.Fatalf("ledger state mutated through returned copy")
	}
}

func TestConcurrentStageWritesStayConsistent(t *testing.T) {
	l := New()
	ctx := context.Background()
	staging := testRun("abc123", domain.EnvStaging)
	production := testRun("abc123", domain.EnvProduction)
	for _, run := range []domain.Run{staging, production} {
		if err := l.Record(ctx, run); err != nil {
			t.Fatalf("Record() err=%v", err)
		}
	}

	var wg sync.WaitGroup
	for _, runID := range []string{staging.ID, production.ID} {
		for _, name := range domain.StageOrder {
			wg.Add(1)
			go func(runID string, name domain.StageName) {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					stage := domain.Stage{Name: name, Status: domain.StageRunning}
					if err := l.RecordStage(ctx, runID, stage); err != nil {
						t.Errorf("RecordStage() err=%v", err)
						return
					}
					if _, err := l.Get(ctx, runID); err != nil {
						t.Errorf("Get() err=%v", err)
						return
					}
				}
			}(runID, name)
		}
	}
	wg.Wait()

	for _, runID := range []string{staging.ID, production.ID} {
		got, err := l.Get(ctx, runID)
		if err != nil {
			t.Fatalf("Get() err=%v", err)
		}
		if len(got.Stages) != len(domain.StageOrder) {
			t.Fatalf("stages=%d, want one entry per stage", len(got.Stages))
		}
		for _, stage := range got.Stages {
			if stage.Status != domain.StageRunning {
				t.Fatalf("stage %s=%q after concurrent writes", stage.Name, stage.Status)
			}
		}
	}
}
