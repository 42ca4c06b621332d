package domain

import "time"

// StageName names one phase of a Run.
type StageName string

const (
	StageBuild StageName = "build"
	StageTest  StageName = "test"
	StagePlan  StageName = "plan"
	StageApply StageName = "apply"
)

// StageOrder is the fixed execution order. A failed stage causes every
// later stage in the same Run to be marked skipped.
var StageOrder = []StageName{StageBuild, StageTest, StagePlan, StageApply}

// StageStatus is the status of a single stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Stage is one phase of a Run. Applied and NotApplied are populated by
// the apply stage only, so a partial application leaves an exact record
// of what went through before the failure.
type Stage struct {
	Name       StageName
	Status     StageStatus
	StartedAt  *time.Time
	EndedAt    *time.Time
	OutputRef  string
	Applied    []string
	NotApplied []string
	Cause      string
}

var stageTransitions = map[StageStatus][]StageStatus{
	StagePending:   {StageRunning, StageSkipped},
	StageRunning:   {StageSucceeded, StageFailed},
	StageSucceeded: {},
	StageFailed:    {},
	StageSkipped:   {},
}

// CanTransitionStageStatus enforces forward-only stage progression.
func CanTransitionStageStatus(from, to StageStatus) bool {
	if from == to {
		return true
	}
	for _, candidate := range stageTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
