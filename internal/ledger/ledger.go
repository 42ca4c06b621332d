// Package ledger defines the durable, append-only record of pipeline
// runs. The ledger is the single source of truth for idempotency
// checks, auditing, and resumption after a crash: every stage
// transition is flushed before the call returns.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/conduit-labs/conduit/internal/domain"
)

var (
	// ErrNotFound indicates no ledger entry for the key.
	ErrNotFound = errors.New("ledger: not found")
	// ErrCompleted rejects writes against a run that already reached
	// succeeded status; succeeded runs are immutable.
	ErrCompleted = errors.New("ledger: run already succeeded")
)

// Cursor is the trigger listener's last-acknowledged position for a
// (connection, repository) pair.
type Cursor struct {
	Connection string
	Repository string
	Position   string
	UpdatedAt  time.Time
}

// Approval is a recorded promotion-gate approval for a revision and
// target environment.
type Approval struct {
	ID          string
	Revision    string
	Environment domain.Environment
	ApprovedBy  string
	Note        string
	ApprovedAt  time.Time
}

// Ledger persists runs, stage transitions, trigger cursors, and
// promotion approvals. Writes for different run identifiers are
// independent; writes for the same identifier are serialized.
type Ledger interface {
	// Record upserts the run projection. It refuses to overwrite a
	// run that already succeeded.
	Record(ctx context.Context, run domain.Run) error
	// RecordStage flushes a single stage transition synchronously.
	RecordStage(ctx context.Context, runID string, stage domain.Stage) error
	Get(ctx context.Context, runID string) (domain.Run, error)
	// ListByRevision returns runs for a revision ordered by start
	// time, for auditing.
	ListByRevision(ctx context.Context, revision string) ([]domain.Run, error)

	SaveCursor(ctx context.Context, cursor Cursor) error
	Cursor(ctx context.Context, connection, repository string) (Cursor, error)

	RecordApproval(ctx context.Context, approval Approval) error
	Approval(ctx context.Context, revision string, env domain.Environment) (Approval, error)
}
