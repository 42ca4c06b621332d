package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/conduit-labs/conduit/internal/domain"
)

// TransientExitCode marks a collaborator failure as retriable, in the
// tradition of EX_TEMPFAIL.
const TransientExitCode = 75

// ExecBuilder shells out to configured build and test commands. The
// revision and configuration are passed through the environment.
type ExecBuilder struct {
	BuildCmd []string
	TestCmd  []string
}

func (b ExecBuilder) Build(ctx context.Context, revision string, cfg domain.Configuration) (ArtifactRef, error) {
	if len(b.BuildCmd) == 0 {
		return ArtifactRef{}, errors.New("build command not configured")
	}
	out, err := runCommand(ctx, b.BuildCmd, commandEnv(revision, cfg))
	if err != nil {
		return ArtifactRef{}, err
	}
	var ref ArtifactRef
	if decodeErr := json.Unmarshal(out, &ref); decodeErr == nil && ref.URI != "" {
		return ref, nil
	}
	// Commands that print nothing structured still produce a usable
	// reference keyed by revision.
	return ArtifactRef{URI: "build://" + revision}, nil
}

func (b ExecBuilder) Test(ctx context.Context, artifact ArtifactRef, cfg domain.Configuration) error {
	if len(b.TestCmd) == 0 {
		return errors.New("test command not configured")
	}
	env := append(commandEnv("", cfg), "CONDUIT_ARTIFACT_URI="+artifact.URI)
	_, err := runCommand(ctx, b.TestCmd, env)
	return err
}

// ExecPlanner shells out to configured plan and apply commands. The
// plan command receives the state descriptor as JSON on stdin and must
// print a Diff as JSON; the apply command receives the Diff and must
// print an ApplyResult. Exit code 75 marks the failure transient.
type ExecPlanner struct {
	PlanCmd  []string
	ApplyCmd []string
}

func (p ExecPlanner) Plan(ctx context.Context, desired StateDescriptor) (Diff, error) {
	if len(p.PlanCmd) == 0 {
		return Diff{}, errors.New("plan command not configured")
	}
	input, err := json.Marshal(desired)
	if err != nil {
		return Diff{}, fmt.Errorf("encode descriptor: %w", err)
	}
	out, err := runCommandWithInput(ctx, p.PlanCmd, nil, input)
	if err != nil {
		return Diff{}, err
	}
	var diff Diff
	if err := json.Unmarshal(out, &diff); err != nil {
		return Diff{}, fmt.Errorf("decode plan output: %w", err)
	}
	return diff, nil
}

func (p ExecPlanner) Apply(ctx context.Context, diff Diff) (ApplyResult, error) {
	if len(p.ApplyCmd) == 0 {
		return ApplyResult{}, errors.New("apply command not configured")
	}
	input, err := json.Marshal(diff)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("encode diff: %w", err)
	}
	out, runErr := runCommandWithInput(ctx, p.ApplyCmd, nil, input)
	var result ApplyResult
	if len(out) > 0 {
		// A failed apply may still report which resources went
		// through; that record is what makes compensation possible.
		_ = json.Unmarshal(out, &result)
	}
	return result, runErr
}

func commandEnv(revision string, cfg domain.Configuration) []string {
	env := os.Environ()
	if revision != "" {
		env = append(env, "CONDUIT_REVISION="+revision)
	}
	env = append(env,
		"CONDUIT_PROJECT_NAME="+cfg.ProjectName,
		"CONDUIT_CICD_PROJECT_ID="+cfg.CICDRunnerProjectID,
		"CONDUIT_REPOSITORY="+cfg.RepositoryName,
		"CONDUIT_REGION="+cfg.Region,
	)
	return env
}

func runCommand(ctx context.Context, argv []string, env []string) ([]byte, error) {
	return runCommandWithInput(ctx, argv, env, nil)
}

func runCommandWithInput(ctx context.Context, argv []string, env []string, input []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if env != nil {
		cmd.Env = env
	}
	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	detail := strings.TrimSpace(stderr.String())
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == TransientExitCode {
		return stdout.Bytes(), Transient(fmt.Errorf("%s: %s", argv[0], detail))
	}
	if detail == "" {
		return stdout.Bytes(), fmt.Errorf("%s: %w", argv[0], err)
	}
	return stdout.Bytes(), fmt.Errorf("%s: %s: %w", argv[0], detail, err)
}
