package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Configuration is the resolved deployment configuration. It is
// immutable after resolution and shared read-only by every component.
type Configuration struct {
	ProjectName         string
	StagingProjectID    string
	ProdProjectID       string
	CICDRunnerProjectID string
	HostConnectionName  string
	RepositoryName      string
	Region              string
}

func (c Configuration) Validate() error {
	if strings.TrimSpace(c.ProjectName) == "" {
		return errors.New("project name is required")
	}
	if strings.TrimSpace(c.StagingProjectID) == "" {
		return errors.New("staging project id is required")
	}
	if strings.TrimSpace(c.ProdProjectID) == "" {
		return errors.New("prod project id is required")
	}
	if strings.TrimSpace(c.CICDRunnerProjectID) == "" {
		return errors.New("cicd runner project id is required")
	}
	if strings.TrimSpace(c.HostConnectionName) == "" {
		return errors.New("host connection name is required")
	}
	if strings.TrimSpace(c.RepositoryName) == "" {
		return errors.New("repository name is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	return nil
}

// ProjectFor returns the project identifier addressed by an
// environment. Staging and production are independent namespaces even
// when their values coincide.
func (c Configuration) ProjectFor(env Environment) (string, error) {
	switch env {
	case EnvStaging:
		return c.StagingProjectID, nil
	case EnvProduction:
		return c.ProdProjectID, nil
	default:
		return "", fmt.Errorf("unknown environment %q", env)
	}
}
