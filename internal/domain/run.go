package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Environment is an isolated deployment target with its own project
// identifier.
type Environment string

const (
	EnvStaging    Environment = "staging"
	EnvProduction Environment = "production"
)

// DefaultEnvironmentOrder is the promotion order: staging first,
// production only after the gate passes.
var DefaultEnvironmentOrder = []Environment{EnvStaging, EnvProduction}

func (e Environment) Valid() bool {
	return e == EnvStaging || e == EnvProduction
}

// RunStatus is the overall status of a Run.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunRunning    RunStatus = "running"
	RunSucceeded  RunStatus = "succeeded"
	RunFailed     RunStatus = "failed"
	RunRolledBack RunStatus = "rolled_back"
)

// Run is one attempt to carry a PipelineRequest through one
// environment. Owned by the runner executing it until written to the
// ledger; immutable after reaching a terminal status.
type Run struct {
	ID          string
	Revision    string
	Branch      string
	Environment Environment
	Status      RunStatus
	Stages      []Stage
	StartedAt   time.Time
	EndedAt     *time.Time
	Cause       string
}

// RunID derives the run identifier deterministically from revision and
// environment, which is what makes repeated requests idempotent.
func RunID(revision string, env Environment) string {
	sum := sha256.Sum256([]byte(revision + "\x00" + string(env)))
	return "run-" + hex.EncodeToString(sum[:])[:32]
}

// NewRun creates a pending Run with every stage pending, in declared
// order.
func NewRun(req PipelineRequest, env Environment, now time.Time) Run {
	stages := make([]Stage, 0, len(StageOrder))
	for _, name := range StageOrder {
		stages = append(stages, Stage{Name: name, Status: StagePending})
	}
	return Run{
		ID:          RunID(req.Revision, env),
		Revision:    req.Revision,
		Branch:      req.Branch,
		Environment: env,
		Status:      RunPending,
		Stages:      stages,
		StartedAt:   now.UTC(),
	}
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.Revision) == "" {
		return errors.New("revision is required")
	}
	if !r.Environment.Valid() {
		return errors.New("environment is invalid")
	}
	if strings.TrimSpace(string(r.Status)) == "" {
		return errors.New("status is required")
	}
	return nil
}

// Terminal reports whether the run reached a final status.
func (r Run) Terminal() bool {
	switch r.Status {
	case RunSucceeded, RunFailed, RunRolledBack:
		return true
	}
	return false
}

// Stage returns the named stage, if present.
func (r Run) Stage(name StageName) (Stage, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// SetStage replaces the named stage in place.
func (r *Run) SetStage(stage Stage) {
	for i := range r.Stages {
		if r.Stages[i].Name == stage.Name {
			r.Stages[i] = stage
			return
		}
	}
	r.Stages = append(r.Stages, stage)
}

var runTransitions = map[RunStatus][]RunStatus{
	RunPending:    {RunRunning, RunFailed},
	RunRunning:    {RunSucceeded, RunFailed},
	RunFailed:     {RunRolledBack},
	RunSucceeded:  {},
	RunRolledBack: {},
}

// CanTransitionRunStatus enforces forward-only run progression.
func CanTransitionRunStatus(from, to RunStatus) bool {
	if from == to {
		return true
	}
	for _, candidate := range runTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
