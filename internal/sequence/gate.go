package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/conduit-labs/conduit/internal/domain"
	"github.com/conduit-labs/conduit/internal/ledger"
)

// ErrPromotionDenied means the gate rejected the promotion outright
// rather than leaving the chain waiting.
var ErrPromotionDenied = errors.New("promotion denied")

// Gate decides whether a revision may advance from one environment to
// the next. Wait blocks until the gate passes, the gate denies, or ctx
// is cancelled. Blocking here suspends the chain without failing it.
type Gate interface {
	Wait(ctx context.Context, req domain.PipelineRequest, from, to domain.Environment) error
}

// PassGate approves every promotion immediately.
type PassGate struct{}

func (PassGate) Wait(ctx context.Context, req domain.PipelineRequest, from, to domain.Environment) error {
	return ctx.Err()
}

// SoakGate holds the promotion until a minimum soak period has
// elapsed since the previous environment's run finished. The soak is
// anchored to the end time recorded in the ledger, so re-triggering
// an already-soaked revision passes straight through.
type SoakGate struct {
	Ledger ledger.Ledger
	Soak   time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSoakGate(led ledger.Ledger, soak time.Duration) *SoakGate {
	return &SoakGate{Ledger: led, Soak: soak, now: time.Now, sleep: sleepContext}
}

func (g *SoakGate) Wait(ctx context.Context, req domain.PipelineRequest, from, to domain.Environment) error {
	if g.Soak <= 0 {
		return ctx.Err()
	}
	remaining := g.Soak
	if g.Ledger != nil {
		run, err := g.Ledger.Get(ctx, domain.RunID(req.Revision, from))
		switch {
		case err == nil && run.EndedAt != nil:
			remaining = g.Soak - g.now().UTC().Sub(run.EndedAt.UTC())
		case err != nil && !errors.Is(err, ledger.ErrNotFound):
			return fmt.Errorf("check soak anchor: %w", err)
		}
	}
	if remaining <= 0 {
		return ctx.Err()
	}
	return g.sleep(ctx, remaining)
}

// ApprovalGate waits for a recorded manual approval for the revision
// and target environment. It polls the ledger; absence of an approval
// keeps the chain suspended rather than failing it.
type ApprovalGate struct {
	Ledger       ledger.Ledger
	PollInterval time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

func NewApprovalGate(led ledger.Ledger, pollInterval time.Duration) *ApprovalGate {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &ApprovalGate{Ledger: led, PollInterval: pollInterval, sleep: sleepContext}
}

func (g *ApprovalGate) Wait(ctx context.Context, req domain.PipelineRequest, from, to domain.Environment) error {
	for {
		_, err := g.Ledger.Approval(ctx, req.Revision, to)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("check approval: %w", err)
		}
		if err := g.sleep(ctx, g.PollInterval); err != nil {
			return err
		}
	}
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
