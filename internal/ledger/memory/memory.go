// Package memory provides an in-process ledger for tests and dev
// runs. It honors the same serialization guarantees as the durable
// implementation: per-run locking, immutable succeeded runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/conduit-labs/conduit/internal/domain"
	"github.com/conduit-labs/conduit/internal/ledger"
	"github.com/google/uuid"
)

type Ledger struct {
	mu        sync.Mutex
	runLocks  map[string]*sync.Mutex
	runs      map[string]domain.Run
	cursors   map[string]ledger.Cursor
	approvals map[string]ledger.Approval
}

func New() *Ledger {
	return &Ledger{
		runLocks:  map[string]*sync.Mutex{},
		runs:      map[string]domain.Run{},
		cursors:   map[string]ledger.Cursor{},
		approvals: map[string]ledger.Approval{},
	}
}

// lockRun returns the mutex serializing writes for one run ID. Writes
// for different runs only contend on the short map accesses below.
func (l *Ledger) lockRun(runID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.runLocks[runID]
	if !ok {
		lock = &sync.Mutex{}
		l.runLocks[runID] = lock
	}
	return lock
}

func (l *Ledger) getRun(runID string) (domain.Run, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.runs[runID]
	if !ok {
		return domain.Run{}, false
	}
	return cloneRun(run), true
}

func (l *Ledger) putRun(run domain.Run) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs[run.ID] = run
}

func (l *Ledger) Record(ctx context.Context, run domain.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	lock := l.lockRun(run.ID)
	lock.Lock()
	defer lock.Unlock()

	if existing, ok := l.getRun(run.ID); ok && existing.Status == domain.RunSucceeded {
		return ledger.ErrCompleted
	}
	l.putRun(cloneRun(run))
	return nil
}

func (l *Ledger) RecordStage(ctx context.Context, runID string, stage domain.Stage) error {
	lock := l.lockRun(runID)
	lock.Lock()
	defer lock.Unlock()

	run, ok := l.getRun(runID)
	if !ok {
		return ledger.ErrNotFound
	}
	run.SetStage(stage)
	l.putRun(run)
	return nil
}

func (l *Ledger) Get(ctx context.Context, runID string) (domain.Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.runs[runID]
	if !ok {
		return domain.Run{}, ledger.ErrNotFound
	}
	return cloneRun(run), nil
}

func (l *Ledger) ListByRevision(ctx context.Context, revision string) ([]domain.Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []domain.Run{}
	for _, run := range l.runs {
		if run.Revision == revision {
			out = append(out, cloneRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].Environment < out[j].Environment
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func (l *Ledger) SaveCursor(ctx context.Context, cursor ledger.Cursor) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cursor.UpdatedAt.IsZero() {
		cursor.UpdatedAt = time.Now().UTC()
	}
	l.cursors[cursor.Connection+"/"+cursor.Repository] = cursor
	return nil
}

func (l *Ledger) Cursor(ctx context.Context, connection, repository string) (ledger.Cursor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cursor, ok := l.cursors[connection+"/"+repository]
	if !ok {
		return ledger.Cursor{}, ledger.ErrNotFound
	}
	return cursor, nil
}

func (l *Ledger) RecordApproval(ctx context.Context, approval ledger.Approval) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if approval.ID == "" {
		approval.ID = uuid.NewString()
	}
	if approval.ApprovedAt.IsZero() {
		approval.ApprovedAt = time.Now().UTC()
	}
	l.approvals[approval.Revision+"/"+string(approval.Environment)] = approval
	return nil
}

func (l *Ledger) Approval(ctx context.Context, revision string, env domain.Environment) (ledger.Approval, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	approval, ok := l.approvals[revision+"/"+string(env)]
	if !ok {
		return ledger.Approval{}, ledger.ErrNotFound
	}
	return approval, nil
}

func cloneRun(run domain.Run) domain.Run {
	out := run
	out.Stages = make([]domain.Stage, len(run.Stages))
	copy(out.Stages, run.Stages)
	for i := range out.Stages {
		out.Stages[i].Applied = append([]string(nil), run.Stages[i].Applied...)
		out.Stages[i].NotApplied = append([]string(nil), run.Stages[i].NotApplied...)
	}
	return out
}
