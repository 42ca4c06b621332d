// Package collab defines the external collaborator contracts the
// pipeline invokes: build/test and plan/apply. Implementations are
// black boxes; the orchestrator only depends on these interfaces.
package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/conduit-labs/conduit/internal/domain"
)

// ArtifactRef points at the packaged build output.
type ArtifactRef struct {
	URI    string `json:"uri"`
	Digest string `json:"digest,omitempty"`
}

// Builder compiles and verifies artifacts for a revision.
type Builder interface {
	Build(ctx context.Context, revision string, cfg domain.Configuration) (ArtifactRef, error)
	Test(ctx context.Context, artifact ArtifactRef, cfg domain.Configuration) error
}

// StateDescriptor is the desired-state input to planning, derived from
// the Configuration and the target environment's project.
type StateDescriptor struct {
	Revision   string `json:"revision"`
	ProjectID  string `json:"project_id"`
	Region     string `json:"region"`
	Repository string `json:"repository"`
	Artifact   string `json:"artifact,omitempty"`
}

// Resource is one planned infrastructure change.
type Resource struct {
	Name   string `json:"name"`
	Action string `json:"action"` // create | update | delete
}

// Diff is the computed difference between desired and observed state.
type Diff struct {
	Revision  string     `json:"revision"`
	ProjectID string     `json:"project_id"`
	Region    string     `json:"region"`
	Resources []Resource `json:"resources"`
}

// ApplyResult records per-resource outcomes. A result with Failed or
// NotAttempted entries is a partial application; Applied must list
// exactly the resources that went through.
type ApplyResult struct {
	Applied      []string `json:"applied"`
	Failed       []string `json:"failed,omitempty"`
	NotAttempted []string `json:"not_attempted,omitempty"`
}

// Partial reports whether some resources did not apply.
func (r ApplyResult) Partial() bool {
	return len(r.Failed) > 0 || len(r.NotAttempted) > 0
}

// Planner computes and applies infrastructure diffs.
type Planner interface {
	Plan(ctx context.Context, desired StateDescriptor) (Diff, error)
	Apply(ctx context.Context, diff Diff) (ApplyResult, error)
}

// TransientError marks a collaborator failure as retriable. Only the
// plan and apply stages retry; build and test failures are source
// defects and never wrapped.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retriable. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retriable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
