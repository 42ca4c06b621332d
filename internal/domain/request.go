package domain

import (
	"errors"
	"strings"
	"time"
)

// PipelineRequest is a qualifying change event bound to the
// configuration it targets. Immutable once created.
type PipelineRequest struct {
	Revision   string
	Branch     string
	Connection string
	Repository string
	OccurredAt time.Time
	Config     Configuration
}

func (r PipelineRequest) Validate() error {
	if strings.TrimSpace(r.Revision) == "" {
		return errors.New("revision is required")
	}
	if strings.TrimSpace(r.Branch) == "" {
		return errors.New("branch is required")
	}
	if r.OccurredAt.IsZero() {
		return errors.New("occurred at is required")
	}
	if err := r.Config.Validate(); err != nil {
		return err
	}
	return nil
}
