// Package sequence orchestrates pipeline runs across ordered
// environments. Staging runs before production; a failure halts the
// chain, and promotion to the next environment waits on an explicit
// gate. The sequencer never retries an environment on its own; a
// re-trigger from source is required, at which point run idempotency
// prevents redundant work.
package sequence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/conduit-labs/conduit/internal/domain"
)

// Runner executes one pipeline run for one environment.
type Runner interface {
	Run(ctx context.Context, req domain.PipelineRequest, env domain.Environment) (domain.Run, error)
}

// HaltError describes why a promotion chain stopped: the failing
// environment, the failing stage, and the underlying cause.
type HaltError struct {
	Environment domain.Environment
	Stage       domain.StageName
	Cause       string
}

func (e *HaltError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("promotion halted: environment %s failed at stage %s: %s", e.Environment, e.Stage, e.Cause)
	}
	return fmt.Sprintf("promotion halted: environment %s failed: %s", e.Environment, e.Cause)
}

// ChainResult is the outcome of carrying one request through the
// environment order.
type ChainResult struct {
	Status domain.ChainStatus
	States map[domain.Environment]domain.EnvState
	Runs   []domain.Run
	Halt   *HaltError
}

type Sequencer struct {
	runner Runner
	gate   Gate
	order  []domain.Environment
	logger *slog.Logger
}

func NewSequencer(runner Runner, gate Gate, order []domain.Environment, logger *slog.Logger) *Sequencer {
	if len(order) == 0 {
		order = domain.DefaultEnvironmentOrder
	}
	if gate == nil {
		gate = PassGate{}
	}
	return &Sequencer{runner: runner, gate: gate, order: order, logger: logger}
}

// Promote visits every environment strictly in order. A failed run
// halts the chain as an outcome, reported in the result with a nil
// error. A non-nil error means the chain could not make progress at
// all: a gate denied or was cancelled while waiting, or the runner hit
// a fatal ledger failure.
func (s *Sequencer) Promote(ctx context.Context, req domain.PipelineRequest) (ChainResult, error) {
	result := ChainResult{
		Status: domain.ChainRunning,
		States: make(map[domain.Environment]domain.EnvState, len(s.order)),
	}
	for _, env := range s.order {
		result.States[env] = domain.EnvNotStarted
	}

	for i, env := range s.order {
		if i > 0 {
			prev := s.order[i-1]
			s.logger.Info("waiting on promotion gate",
				slog.String("revision", req.Revision),
				slog.String("from", string(prev)),
				slog.String("to", string(env)))
			if err := s.gate.Wait(ctx, req, prev, env); err != nil {
				return result, fmt.Errorf("promotion gate %s to %s: %w", prev, env, err)
			}
		}

		result.States[env] = domain.EnvInProgress
		run, err := s.runner.Run(ctx, req, env)
		if err != nil {
			return result, fmt.Errorf("dispatch run for %s: %w", env, err)
		}
		result.Runs = append(result.Runs, run)

		if run.Status != domain.RunSucceeded {
			result.States[env] = domain.EnvFailed
			s.haltAfter(&result, i)
			result.Status = domain.ChainHalted
			result.Halt = &HaltError{
				Environment: env,
				Stage:       failedStage(run),
				Cause:       run.Cause,
			}
			s.logger.Error("promotion chain halted",
				slog.String("revision", req.Revision),
				slog.String("environment", string(env)),
				slog.String("cause", run.Cause))
			return result, nil
		}
		result.States[env] = domain.EnvSucceeded
	}

	result.Status = domain.ChainSucceeded
	s.logger.Info("promotion chain succeeded", slog.String("revision", req.Revision))
	return result, nil
}

// haltAfter marks every environment past index i as halted; they are
// never dispatched.
func (s *Sequencer) haltAfter(result *ChainResult, i int) {
	for _, env := range s.order[i+1:] {
		result.States[env] = domain.EnvHalted
	}
}

func failedStage(run domain.Run) domain.StageName {
	for _, stage := range run.Stages {
		if stage.Status == domain.StageFailed {
			return stage.Name
		}
	}
	return ""
}
