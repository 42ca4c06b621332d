// Package postgres implements the run ledger on PostgreSQL. Every
// write is a synchronous statement; a crash immediately after a
// returned write never loses that transition.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/conduit-labs/conduit/internal/domain"
	"github.com/conduit-labs/conduit/internal/ledger"
	"github.com/google/uuid"
)

// DB is the narrow database surface the ledger needs.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Ledger struct {
	db DB
}

func New(db DB) *Ledger {
	if db == nil {
		return nil
	}
	return &Ledger{db: db}
}

func (l *Ledger) Record(ctx context.Context, run domain.Run) error {
	if l == nil || l.db == nil {
		return errors.New("ledger not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}

	var endedAt sql.NullTime
	if run.EndedAt != nil {
		endedAt = sql.NullTime{Time: run.EndedAt.UTC(), Valid: true}
	}
	res, err := l.db.ExecContext(
		ctx,
		`INSERT INTO pipeline_runs (run_id, revision, branch, environment, status, started_at, ended_at, cause)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (run_id) DO UPDATE
		 SET status = EXCLUDED.status,
		     started_at = EXCLUDED.started_at,
		     ended_at = EXCLUDED.ended_at,
		     cause = EXCLUDED.cause
		 WHERE pipeline_runs.status <> 'succeeded'`,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.Revision),
		strings.TrimSpace(run.Branch),
		string(run.Environment),
		string(run.Status),
		run.StartedAt.UTC(),
		endedAt,
		run.Cause,
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		// The guard clause only skips succeeded rows.
		return ledger.ErrCompleted
	}

	for i, stage := range run.Stages {
		if err := l.upsertStage(ctx, run.ID, i, stage); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) RecordStage(ctx context.Context, runID string, stage domain.Stage) error {
	if l == nil || l.db == nil {
		return errors.New("ledger not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("run id is required")
	}
	return l.upsertStage(ctx, runID, stagePosition(stage.Name), stage)
}

func (l *Ledger) upsertStage(ctx context.Context, runID string, position int, stage domain.Stage) error {
	appliedJSON, err := encodeStrings(stage.Applied)
	if err != nil {
		return fmt.Errorf("encode applied: %w", err)
	}
	notAppliedJSON, err := encodeStrings(stage.NotApplied)
	if err != nil {
		return fmt.Errorf("encode not applied: %w", err)
	}
	var startedAt, endedAt sql.NullTime
	if stage.StartedAt != nil {
		startedAt = sql.NullTime{Time: stage.StartedAt.UTC(), Valid: true}
	}
	if stage.EndedAt != nil {
		endedAt = sql.NullTime{Time: stage.EndedAt.UTC(), Valid: true}
	}
	_, err = l.db.ExecContext(
		ctx,
		`INSERT INTO run_stages (run_id, name, position, status, started_at, ended_at, output_ref, applied, not_applied, cause)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (run_id, name) DO UPDATE
		 SET status = EXCLUDED.status,
		     started_at = EXCLUDED.started_at,
		     ended_at = EXCLUDED.ended_at,
		     output_ref = EXCLUDED.output_ref,
		     applied = EXCLUDED.applied,
		     not_applied = EXCLUDED.not_applied,
		     cause = EXCLUDED.cause`,
		runID,
		string(stage.Name),
		position,
		string(stage.Status),
		startedAt,
		endedAt,
		stage.OutputRef,
		appliedJSON,
		notAppliedJSON,
		stage.Cause,
	)
	if err != nil {
		return fmt.Errorf("upsert stage %s: %w", stage.Name, err)
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, runID string) (domain.Run, error) {
	if l == nil || l.db == nil {
		return domain.Run{}, errors.New("ledger not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Run{}, errors.New("run id is required")
	}

	var run domain.Run
	var endedAt sql.NullTime
	var status, environment string
	row := l.db.QueryRowContext(
		ctx,
		`SELECT run_id, revision, branch, environment, status, started_at, ended_at, cause
		 FROM pipeline_runs WHERE run_id = $1`,
		runID,
	)
	if err := row.Scan(&run.ID, &run.Revision, &run.Branch, &environment, &status, &run.StartedAt, &endedAt, &run.Cause); err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	run.Environment = domain.Environment(environment)
	run.Status = domain.RunStatus(status)
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		run.EndedAt = &t
	}

	stages, err := l.loadStages(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	run.Stages = stages
	return run, nil
}

func (l *Ledger) ListByRevision(ctx context.Context, revision string) ([]domain.Run, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("ledger not initialized")
	}
	revision = strings.TrimSpace(revision)
	if revision == "" {
		return nil, errors.New("revision is required")
	}

	rows, err := l.db.QueryContext(
		ctx,
		`SELECT run_id FROM pipeline_runs WHERE revision = $1 ORDER BY started_at ASC, environment ASC`,
		revision,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.Run, 0, len(ids))
	for _, id := range ids {
		run, err := l.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (l *Ledger) loadStages(ctx context.Context, runID string) ([]domain.Stage, error) {
	rows, err := l.db.QueryContext(
		ctx,
		`SELECT name, status, started_at, ended_at, output_ref, applied, not_applied, cause
		 FROM run_stages WHERE run_id = $1 ORDER BY position ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("load stages: %w", err)
	}
	defer rows.Close()

	out := []domain.Stage{}
	for rows.Next() {
		var stage domain.Stage
		var name, status string
		var startedAt, endedAt sql.NullTime
		var appliedJSON, notAppliedJSON []byte
		if err := rows.Scan(&name, &status, &startedAt, &endedAt, &stage.OutputRef, &appliedJSON, &notAppliedJSON, &stage.Cause); err != nil {
			return nil, err
		}
		stage.Name = domain.StageName(name)
		stage.Status = domain.StageStatus(status)
		if startedAt.Valid {
			t := startedAt.Time.UTC()
			stage.StartedAt = &t
		}
		if endedAt.Valid {
			t := endedAt.Time.UTC()
			stage.EndedAt = &t
		}
		if stage.Applied, err = decodeStrings(appliedJSON); err != nil {
			return nil, err
		}
		if stage.NotApplied, err = decodeStrings(notAppliedJSON); err != nil {
			return nil, err
		}
		out = append(out, stage)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Ledger) SaveCursor(ctx context.Context, cursor ledger.Cursor) error {
	if l == nil || l.db == nil {
		return errors.New("ledger not initialized")
	}
	updatedAt := cursor.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(
		ctx,
		`INSERT INTO trigger_cursors (connection_name, repository_name, position, updated_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (connection_name, repository_name) DO UPDATE
		 SET position = EXCLUDED.position, updated_at = EXCLUDED.updated_at`,
		strings.TrimSpace(cursor.Connection),
		strings.TrimSpace(cursor.Repository),
		cursor.Position,
		updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (l *Ledger) Cursor(ctx context.Context, connection, repository string) (ledger.Cursor, error) {
	if l == nil || l.db == nil {
		return ledger.Cursor{}, errors.New("ledger not initialized")
	}
	var cursor ledger.Cursor
	row := l.db.QueryRowContext(
		ctx,
		`SELECT connection_name, repository_name, position, updated_at
		 FROM trigger_cursors WHERE connection_name = $1 AND repository_name = $2`,
		strings.TrimSpace(connection),
		strings.TrimSpace(repository),
	)
	if err := row.Scan(&cursor.Connection, &cursor.Repository, &cursor.Position, &cursor.UpdatedAt); err != nil {
		return ledger.Cursor{}, handleNotFound(err)
	}
	return cursor, nil
}

func (l *Ledger) RecordApproval(ctx context.Context, approval ledger.Approval) error {
	if l == nil || l.db == nil {
		return errors.New("ledger not initialized")
	}
	if approval.ID == "" {
		approval.ID = uuid.NewString()
	}
	approvedAt := approval.ApprovedAt
	if approvedAt.IsZero() {
		approvedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(
		ctx,
		`INSERT INTO promotion_approvals (approval_id, revision, environment, approved_by, note, approved_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (revision, environment) DO NOTHING`,
		approval.ID,
		strings.TrimSpace(approval.Revision),
		string(approval.Environment),
		strings.TrimSpace(approval.ApprovedBy),
		approval.Note,
		approvedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record approval: %w", err)
	}
	return nil
}

func (l *Ledger) Approval(ctx context.Context, revision string, env domain.Environment) (ledger.Approval, error) {
	if l == nil || l.db == nil {
		return ledger.Approval{}, errors.New("ledger not initialized")
	}
	var approval ledger.Approval
	var environment string
	row := l.db.QueryRowContext(
		ctx,
		`SELECT approval_id, revision, environment, approved_by, note, approved_at
		 FROM promotion_approvals WHERE revision = $1 AND environment = $2`,
		strings.TrimSpace(revision),
		string(env),
	)
	if err := row.Scan(&approval.ID, &approval.Revision, &environment, &approval.ApprovedBy, &approval.Note, &approval.ApprovedAt); err != nil {
		return ledger.Approval{}, handleNotFound(err)
	}
	approval.Environment = domain.Environment(environment)
	return approval, nil
}

func stagePosition(name domain.StageName) int {
	for i, candidate := range domain.StageOrder {
		if candidate == name {
			return i
		}
	}
	return len(domain.StageOrder)
}

func encodeStrings(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}

func decodeStrings(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}
	return err
}
