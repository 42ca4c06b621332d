// Package trigger turns source-repository change events into pipeline
// requests. The listener is an infinite, restartable loop: the resume
// position is persisted to the ledger after each emitted request, so a
// restart resumes from the last acknowledged event rather than the
// beginning. Delivery is at-least-once; downstream idempotency absorbs
// duplicates.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/conduit-labs/conduit/internal/domain"
	"github.com/conduit-labs/conduit/internal/ledger"
)

// Event is one qualifying change on a source repository.
type Event struct {
	Revision   string
	Branch     string
	Connection string
	Repository string
	// Position is the provider's opaque resume token for this event.
	Position   string
	OccurredAt time.Time
}

// Source is a subscribe/poll primitive over a repository connection.
// Next blocks until an event past the given position is available, the
// context is cancelled, or the source fails. A failed source may be
// re-polled with the same position.
type Source interface {
	Next(ctx context.Context, position string) (Event, error)
}

type Listener struct {
	source Source
	ledger ledger.Ledger
	config domain.Configuration
	logger *slog.Logger

	// retryDelay spaces out re-polls after a source error.
	retryDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewListener(source Source, led ledger.Ledger, config domain.Configuration, logger *slog.Logger) *Listener {
	return &Listener{
		source:     source,
		ledger:     led,
		config:     config,
		logger:     logger,
		retryDelay: 5 * time.Second,
		sleep:      sleepContext,
	}
}

// Listen emits requests to out until ctx is cancelled. It resumes from
// the ledger cursor for the configured connection and repository, and
// advances the cursor only after a request has been handed off; a
// crash between emit and save replays the event on restart.
func (l *Listener) Listen(ctx context.Context, out chan<- domain.PipelineRequest) error {
	position, err := l.resume(ctx)
	if err != nil {
		return err
	}
	l.logger.Info("trigger listener started",
		slog.String("connection", l.config.HostConnectionName),
		slog.String("repository", l.config.RepositoryName),
		slog.String("position", position))

	for {
		event, err := l.source.Next(ctx, position)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error("source poll failed", slog.Any("error", err))
			if err := l.sleep(ctx, l.retryDelay); err != nil {
				return err
			}
			continue
		}
		if !l.matches(event) {
			position = event.Position
			continue
		}

		req := domain.PipelineRequest{
			Revision:   event.Revision,
			Branch:     event.Branch,
			Connection: event.Connection,
			Repository: event.Repository,
			OccurredAt: event.OccurredAt,
			Config:     l.config,
		}
		select {
		case out <- req:
		case <-ctx.Done():
			return ctx.Err()
		}

		position = event.Position
		cursor := ledger.Cursor{
			Connection: l.config.HostConnectionName,
			Repository: l.config.RepositoryName,
			Position:   position,
			UpdatedAt:  time.Now().UTC(),
		}
		if err := l.ledger.SaveCursor(ctx, cursor); err != nil {
			return fmt.Errorf("save trigger cursor: %w", err)
		}
		l.logger.Info("pipeline request emitted",
			slog.String("revision", event.Revision),
			slog.String("branch", event.Branch))
	}
}

func (l *Listener) resume(ctx context.Context) (string, error) {
	cursor, err := l.ledger.Cursor(ctx, l.config.HostConnectionName, l.config.RepositoryName)
	if errors.Is(err, ledger.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load trigger cursor: %w", err)
	}
	return cursor.Position, nil
}

// matches applies the filtering policy: only events addressed to the
// configured connection and repository qualify. An event with no
// connection set is taken at face value from a dedicated source.
func (l *Listener) matches(event Event) bool {
	if strings.TrimSpace(event.Revision) == "" {
		return false
	}
	if event.Connection != "" && event.Connection != l.config.HostConnectionName {
		return false
	}
	if event.Repository != "" && event.Repository != l.config.RepositoryName {
		return false
	}
	return true
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
