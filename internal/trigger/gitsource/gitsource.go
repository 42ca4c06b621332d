// Package gitsource polls a git remote for branch head movement and
// surfaces each new head as a trigger event. Listing refs avoids a
// clone; the branch head hash doubles as the resume position.
package gitsource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/conduit-labs/conduit/internal/platform/env"
	"github.com/conduit-labs/conduit/internal/trigger"
)

type Config struct {
	// RemoteURL is the fetch URL of the watched repository.
	RemoteURL string
	// Branch is the short branch name to watch, for example "main".
	Branch string
	// Token authenticates against HTTPS remotes when set.
	Token        string
	PollInterval time.Duration
}

func ConfigFromEnv() (Config, error) {
	pollInterval, err := env.Duration("CONDUIT_GIT_POLL_INTERVAL", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	return Config{
		RemoteURL:    env.String("CONDUIT_GIT_REMOTE_URL", ""),
		Branch:       env.String("CONDUIT_GIT_BRANCH", "main"),
		Token:        env.String("CONDUIT_GIT_TOKEN", ""),
		PollInterval: pollInterval,
	}, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.RemoteURL) == "" {
		return errors.New("git remote url is required")
	}
	if strings.TrimSpace(c.Branch) == "" {
		return errors.New("git branch is required")
	}
	if c.PollInterval <= 0 {
		return errors.New("git poll interval must be positive")
	}
	return nil
}

// Poller implements trigger.Source by listing the remote's refs on an
// interval and reporting when the watched branch head changes.
type Poller struct {
	config Config
	list   func(ctx context.Context) (plumbing.Hash, error)
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

func NewPoller(config Config) (*Poller, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	p := &Poller{
		config: config,
		sleep:  sleepContext,
		now:    time.Now,
	}
	p.list = p.listHead
	return p, nil
}

// Next blocks until the branch head differs from position, then
// returns an event for the new head. The event carries no connection
// or repository qualifier because the poller watches a single remote.
func (p *Poller) Next(ctx context.Context, position string) (trigger.Event, error) {
	for {
		head, err := p.list(ctx)
		if err != nil {
			return trigger.Event{}, fmt.Errorf("list remote %s: %w", p.config.RemoteURL, err)
		}
		revision := head.String()
		if revision != position && !head.IsZero() {
			return trigger.Event{
				Revision:   revision,
				Branch:     p.config.Branch,
				Position:   revision,
				OccurredAt: p.now().UTC(),
			}, nil
		}
		if err := p.sleep(ctx, p.config.PollInterval); err != nil {
			return trigger.Event{}, err
		}
	}
}

func (p *Poller) listHead(ctx context.Context) (plumbing.Hash, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{p.config.RemoteURL},
	})
	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: p.auth()})
	if err != nil {
		return plumbing.ZeroHash, err
	}
	want := plumbing.NewBranchReferenceName(p.config.Branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return ref.Hash(), nil
		}
	}
	return plumbing.ZeroHash, fmt.Errorf("branch %q not found on remote", p.config.Branch)
}

func (p *Poller) auth() transport.AuthMethod {
	if p.config.Token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "conduit", Password: p.config.Token}
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
