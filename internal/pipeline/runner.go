// Package pipeline executes build, test, plan, and apply stages for a
// single environment. One Runner call owns its Run exclusively until
// the terminal status is written to the ledger. Every stage transition
// is flushed to the ledger as it happens, so a crash mid-run leaves an
// accurate partial record.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conduit-labs/conduit/internal/collab"
	"github.com/conduit-labs/conduit/internal/domain"
	"github.com/conduit-labs/conduit/internal/ledger"
)

// OutputSink stores stage output documents and returns a stable
// reference for the ledger. A nil sink disables output capture.
type OutputSink interface {
	Put(ctx context.Context, key string, body []byte) (string, error)
}

// RetryConfig bounds the retry loop around the plan and apply
// collaborator calls. Only transient failures are retried.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
	}
}

// StageError is the recorded cause of a failed stage.
type StageError struct {
	Stage domain.StageName
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

type Runner struct {
	ledger  ledger.Ledger
	builder collab.Builder
	planner collab.Planner
	sink    OutputSink
	retry   RetryConfig
	logger  *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRunner(led ledger.Ledger, builder collab.Builder, planner collab.Planner, sink OutputSink, retry RetryConfig, logger *slog.Logger) *Runner {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	return &Runner{
		ledger:  led,
		builder: builder,
		planner: planner,
		sink:    sink,
		retry:   retry,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Run carries the request through one environment. A stage failure is
// an outcome, not an error: the failed Run is returned with a nil
// error. A non-nil error means the ledger could not be written, which
// is fatal to the caller.
func (r *Runner) Run(ctx context.Context, req domain.PipelineRequest, env domain.Environment) (domain.Run, error) {
	if err := req.Validate(); err != nil {
		return domain.Run{}, err
	}
	runID := domain.RunID(req.Revision, env)

	existing, err := r.ledger.Get(ctx, runID)
	switch {
	case err == nil:
		if existing.Status == domain.RunSucceeded {
			r.logger.Info("run already succeeded, skipping",
				slog.String("run_id", runID),
				slog.String("revision", req.Revision),
				slog.String("environment", string(env)))
			return existing, nil
		}
	case errors.Is(err, ledger.ErrNotFound):
	default:
		return domain.Run{}, fmt.Errorf("check existing run: %w", err)
	}

	// Cancellation takes effect at stage boundaries only, so stage
	// execution and ledger writes run on a detached context: an
	// in-flight stage finishes and records its outcome, and a
	// cancelled run still records its skipped stages and failed
	// status.
	stageCtx := context.WithoutCancel(ctx)

	run := domain.NewRun(req, env, r.now())
	run.Status = domain.RunRunning
	if err := r.ledger.Record(stageCtx, run); err != nil {
		if errors.Is(err, ledger.ErrCompleted) {
			// Lost a race against another writer that finished first.
			return r.ledger.Get(stageCtx, runID)
		}
		return domain.Run{}, fmt.Errorf("record run: %w", err)
	}
	r.logger.Info("run started",
		slog.String("run_id", run.ID),
		slog.String("revision", run.Revision),
		slog.String("environment", string(env)))

	var (
		artifact collab.ArtifactRef
		diff     collab.Diff
		failure  *StageError
	)
	for _, name := range domain.StageOrder {
		if failure != nil {
			if err := r.skipStage(stageCtx, &run, name); err != nil {
				return domain.Run{}, err
			}
			continue
		}
		if ctx.Err() != nil {
			failure = &StageError{Stage: name, Err: fmt.Errorf("cancelled before stage started: %w", ctx.Err())}
			if err := r.skipStage(stageCtx, &run, name); err != nil {
				return domain.Run{}, err
			}
			continue
		}

		stage, err := r.startStage(stageCtx, &run, name)
		if err != nil {
			return domain.Run{}, err
		}

		var stageErr error
		switch name {
		case domain.StageBuild:
			artifact, stageErr = r.builder.Build(stageCtx, run.Revision, req.Config)
			if stageErr == nil {
				stage.OutputRef = r.storeOutput(stageCtx, run.ID, name, artifact)
			}
		case domain.StageTest:
			stageErr = r.builder.Test(stageCtx, artifact, req.Config)
		case domain.StagePlan:
			diff, stageErr = r.plan(stageCtx, run, req.Config)
			if stageErr == nil {
				stage.OutputRef = r.storeOutput(stageCtx, run.ID, name, diff)
			}
		case domain.StageApply:
			var result collab.ApplyResult
			result, stageErr = r.apply(stageCtx, run, diff)
			stage.Applied = result.Applied
			stage.NotApplied = notApplied(diff, result)
			if stageErr == nil && result.Partial() {
				stageErr = fmt.Errorf("partial application: %d of %d resources applied",
					len(result.Applied), len(diff.Resources))
			}
			if ref := r.storeOutput(stageCtx, run.ID, name, result); ref != "" {
				stage.OutputRef = ref
			}
		}

		if err := r.finishStage(stageCtx, &run, stage, stageErr); err != nil {
			return domain.Run{}, err
		}
		if stageErr != nil {
			failure = &StageError{Stage: name, Err: stageErr}
		}
	}

	if ctx.Err() != nil {
		if stage, ok := run.Stage(domain.StageApply); ok && len(stage.Applied) > 0 {
			// Applied changes are never rolled back on cancel; the
			// operator has to compensate by hand.
			r.logger.Warn("run cancelled after resources were applied, manual compensation required",
				slog.String("run_id", run.ID),
				slog.String("environment", string(env)),
				slog.Any("applied", stage.Applied))
		}
	}

	ended := r.now().UTC()
	run.EndedAt = &ended
	if failure != nil {
		run.Status = domain.RunFailed
		run.Cause = failure.Error()
		r.logger.Error("run failed",
			slog.String("run_id", run.ID),
			slog.String("environment", string(env)),
			slog.String("stage", string(failure.Stage)),
			slog.Any("error", failure.Err))
	} else {
		run.Status = domain.RunSucceeded
		r.logger.Info("run succeeded",
			slog.String("run_id", run.ID),
			slog.String("environment", string(env)))
	}
	if err := r.ledger.Record(stageCtx, run); err != nil {
		return domain.Run{}, fmt.Errorf("record run outcome: %w", err)
	}
	return run, nil
}

func (r *Runner) startStage(ctx context.Context, run *domain.Run, name domain.StageName) (domain.Stage, error) {
	started := r.now().UTC()
	stage := domain.Stage{Name: name, Status: domain.StageRunning, StartedAt: &started}
	run.SetStage(stage)
	if err := r.ledger.RecordStage(ctx, run.ID, stage); err != nil {
		return domain.Stage{}, fmt.Errorf("record stage %s start: %w", name, err)
	}
	return stage, nil
}

func (r *Runner) finishStage(ctx context.Context, run *domain.Run, stage domain.Stage, stageErr error) error {
	ended := r.now().UTC()
	stage.EndedAt = &ended
	if stageErr != nil {
		stage.Status = domain.StageFailed
		stage.Cause = stageErr.Error()
	} else {
		stage.Status = domain.StageSucceeded
	}
	run.SetStage(stage)
	if err := r.ledger.RecordStage(ctx, run.ID, stage); err != nil {
		return fmt.Errorf("record stage %s outcome: %w", stage.Name, err)
	}
	return nil
}

func (r *Runner) skipStage(ctx context.Context, run *domain.Run, name domain.StageName) error {
	stage := domain.Stage{Name: name, Status: domain.StageSkipped}
	run.SetStage(stage)
	if err := r.ledger.RecordStage(ctx, run.ID, stage); err != nil {
		return fmt.Errorf("record stage %s skip: %w", name, err)
	}
	return nil
}

func (r *Runner) plan(ctx context.Context, run domain.Run, cfg domain.Configuration) (collab.Diff, error) {
	projectID, err := cfg.ProjectFor(run.Environment)
	if err != nil {
		return collab.Diff{}, err
	}
	desired := collab.StateDescriptor{
		Revision:   run.Revision,
		ProjectID:  projectID,
		Region:     cfg.Region,
		Repository: cfg.RepositoryName,
	}
	var diff collab.Diff
	err = r.withRetry(ctx, run, domain.StagePlan, func() error {
		var planErr error
		diff, planErr = r.planner.Plan(ctx, desired)
		return planErr
	})
	return diff, err
}

// apply retries transient failures only while nothing has been
// applied yet. Once any resource went through, a retry could double
// apply, so the failure is surfaced for manual compensation instead.
func (r *Runner) apply(ctx context.Context, run domain.Run, diff collab.Diff) (collab.ApplyResult, error) {
	var result collab.ApplyResult
	err := r.withRetry(ctx, run, domain.StageApply, func() error {
		var applyErr error
		result, applyErr = r.planner.Apply(ctx, diff)
		if applyErr != nil && collab.IsTransient(applyErr) && len(result.Applied) > 0 {
			return fmt.Errorf("interrupted after partial application: %v", applyErr)
		}
		return applyErr
	})
	return result, err
}

// withRetry retries fn on transient failures with exponential backoff.
// Exhausting the attempts surfaces the last error as the stage failure.
func (r *Runner) withRetry(ctx context.Context, run domain.Run, stage domain.StageName, fn func() error) error {
	backoff := r.retry.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !collab.IsTransient(lastErr) {
			return lastErr
		}
		if attempt == r.retry.MaxAttempts {
			break
		}
		r.logger.Warn("transient collaborator failure, retrying",
			slog.String("run_id", run.ID),
			slog.String("stage", string(stage)),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.Any("error", lastErr))
		if err := r.sleep(ctx, backoff); err != nil {
			return lastErr
		}
		backoff *= 2
		if r.retry.MaxBackoff > 0 && backoff > r.retry.MaxBackoff {
			backoff = r.retry.MaxBackoff
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", r.retry.MaxAttempts, lastErr)
}

// storeOutput persists a stage document to the sink. Output capture is
// best effort: a sink failure is logged and the stage keeps going.
func (r *Runner) storeOutput(ctx context.Context, runID string, stage domain.StageName, doc any) string {
	if r.sink == nil {
		return ""
	}
	body, err := json.Marshal(doc)
	if err != nil {
		r.logger.Error("encode stage output", slog.String("stage", string(stage)), slog.Any("error", err))
		return ""
	}
	key := fmt.Sprintf("%s/%s.json", runID, stage)
	ref, err := r.sink.Put(ctx, key, body)
	if err != nil {
		r.logger.Error("store stage output", slog.String("stage", string(stage)), slog.Any("error", err))
		return ""
	}
	return ref
}

// notApplied lists the diff resources absent from result.Applied, so a
// partial application records exactly what remains for compensation.
func notApplied(diff collab.Diff, result collab.ApplyResult) []string {
	applied := make(map[string]bool, len(result.Applied))
	for _, name := range result.Applied {
		applied[name] = true
	}
	var out []string
	for _, res := range diff.Resources {
		if !applied[res.Name] {
			out = append(out, res.Name)
		}
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
