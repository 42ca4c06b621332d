// Package config resolves the deployment configuration wire format
// into an immutable domain.Configuration. Resolution is a pure
// function: validate, normalize, no side effects.
package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/conduit-labs/conduit/internal/domain"
	"gopkg.in/yaml.v3"
)

// ErrorKind classifies a resolution failure.
type ErrorKind string

const (
	MissingField     ErrorKind = "missing_field"
	InvalidFormat    ErrorKind = "invalid_format"
	DisallowedRegion ErrorKind = "disallowed_region"
)

// Error names the offending field; it is the only error type Resolve
// returns for invalid input.
type Error struct {
	Kind   ErrorKind
	Field  string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("config: %s: %s", e.Kind, e.Field)
	}
	return fmt.Sprintf("config: %s: %s: %s", e.Kind, e.Field, e.Detail)
}

// Cloud resource names: lowercase alphanumerics and hyphens, 6-30
// chars, must start with a letter and end with a letter or digit.
var resourceNameRe = regexp.MustCompile(`^[a-z][a-z0-9-]{4,28}[a-z0-9]$`)

var allowedRegions = map[string]struct{}{
	"us-central1":     {},
	"us-east1":        {},
	"us-east4":        {},
	"us-west1":        {},
	"europe-west1":    {},
	"europe-west4":    {},
	"asia-east1":      {},
	"asia-northeast1": {},
	"asia-southeast1": {},
}

// AllowedRegions returns the sorted-insensitive set of valid regions,
// for error messages and CLI help.
func AllowedRegions() []string {
	out := make([]string, 0, len(allowedRegions))
	for r := range allowedRegions {
		out = append(out, r)
	}
	return out
}

type wire struct {
	ProjectName         string `yaml:"project_name"`
	ProdProjectID       string `yaml:"prod_project_id"`
	StagingProjectID    string `yaml:"staging_project_id"`
	CICDRunnerProjectID string `yaml:"cicd_runner_project_id"`
	HostConnectionName  string `yaml:"host_connection_name"`
	RepositoryName      string `yaml:"repository_name"`
	Region              string `yaml:"region"`
}

// Resolve validates and normalizes a raw configuration document.
// Staging and production project ids are validated independently even
// when textually equal.
func Resolve(raw []byte) (domain.Configuration, error) {
	var w wire
	if err := yaml.Unmarshal(raw, &w); err != nil {
		return domain.Configuration{}, &Error{Kind: InvalidFormat, Field: "document", Detail: err.Error()}
	}

	fields := []struct {
		name  string
		value *string
	}{
		{"project_name", &w.ProjectName},
		{"prod_project_id", &w.ProdProjectID},
		{"staging_project_id", &w.StagingProjectID},
		{"cicd_runner_project_id", &w.CICDRunnerProjectID},
		{"host_connection_name", &w.HostConnectionName},
		{"repository_name", &w.RepositoryName},
		{"region", &w.Region},
	}
	for _, f := range fields {
		*f.value = strings.TrimSpace(*f.value)
		if *f.value == "" {
			return domain.Configuration{}, &Error{Kind: MissingField, Field: f.name}
		}
	}

	for _, f := range fields {
		if f.name == "region" {
			continue
		}
		if !resourceNameRe.MatchString(*f.value) {
			return domain.Configuration{}, &Error{
				Kind:   InvalidFormat,
				Field:  f.name,
				Detail: fmt.Sprintf("%q is not a valid cloud resource name", *f.value),
			}
		}
	}

	if _, ok := allowedRegions[w.Region]; !ok {
		return domain.Configuration{}, &Error{
			Kind:   DisallowedRegion,
			Field:  "region",
			Detail: fmt.Sprintf("%q is not an allowed region", w.Region),
		}
	}

	return domain.Configuration{
		ProjectName:         w.ProjectName,
		StagingProjectID:    w.StagingProjectID,
		ProdProjectID:       w.ProdProjectID,
		CICDRunnerProjectID: w.CICDRunnerProjectID,
		HostConnectionName:  w.HostConnectionName,
		RepositoryName:      w.RepositoryName,
		Region:              w.Region,
	}, nil
}
