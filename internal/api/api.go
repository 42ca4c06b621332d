// Package api exposes the operator surface over HTTP: run lookups for
// auditing, promotion approvals, and manual trigger dispatch.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/conduit-labs/conduit/internal/domain"
	"github.com/conduit-labs/conduit/internal/ledger"
	"github.com/conduit-labs/conduit/internal/platform/auditlog"
	"github.com/conduit-labs/conduit/internal/platform/auth"
)

// Dispatch hands a manual pipeline request to the coordinating loop.
// It returns false when the loop is not accepting requests.
type Dispatch func(req domain.PipelineRequest) bool

type API struct {
	logger   *slog.Logger
	ledger   ledger.Ledger
	config   domain.Configuration
	dispatch Dispatch
	audit    *auditlog.Log
}

func New(logger *slog.Logger, led ledger.Ledger, config domain.Configuration, dispatch Dispatch, audit *auditlog.Log) *API {
	return &API{logger: logger, ledger: led, config: config, dispatch: dispatch, audit: audit}
}

// recordAudit is best effort: losing an audit row is logged, never
// surfaced to the operator.
func (api *API) recordAudit(r *http.Request, event auditlog.Event) {
	event.RequestID = r.Header.Get("X-Request-Id")
	if _, err := api.audit.Record(r.Context(), event); err != nil {
		api.logger.Error("record audit event",
			slog.String("action", event.Action),
			slog.Any("error", err))
	}
}

func (api *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/runs", api.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /v1/approvals", api.handleCreateApproval)
	mux.HandleFunc("POST /v1/trigger", api.handleTrigger)
}

type stageResponse struct {
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	OutputRef  string     `json:"output_ref,omitempty"`
	Applied    []string   `json:"applied,omitempty"`
	NotApplied []string   `json:"not_applied,omitempty"`
	Cause      string     `json:"cause,omitempty"`
}

type runResponse struct {
	RunID       string          `json:"run_id"`
	Revision    string          `json:"revision"`
	Branch      string          `json:"branch,omitempty"`
	Environment string          `json:"environment"`
	Status      string          `json:"status"`
	Stages      []stageResponse `json:"stages"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	Cause       string          `json:"cause,omitempty"`
}

func runToResponse(run domain.Run) runResponse {
	stages := make([]stageResponse, 0, len(run.Stages))
	for _, stage := range run.Stages {
		stages = append(stages, stageResponse{
			Name:       string(stage.Name),
			Status:     string(stage.Status),
			StartedAt:  stage.StartedAt,
			EndedAt:    stage.EndedAt,
			OutputRef:  stage.OutputRef,
			Applied:    stage.Applied,
			NotApplied: stage.NotApplied,
			Cause:      stage.Cause,
		})
	}
	return runResponse{
		RunID:       run.ID,
		Revision:    run.Revision,
		Branch:      run.Branch,
		Environment: string(run.Environment),
		Status:      string(run.Status),
		Stages:      stages,
		StartedAt:   run.StartedAt,
		EndedAt:     run.EndedAt,
		Cause:       run.Cause,
	}
}

func (api *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	run, err := api.ledger.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("get run", slog.String("run_id", runID), slog.Any("error", err))
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, runToResponse(run))
}

func (api *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	revision := strings.TrimSpace(r.URL.Query().Get("revision"))
	if revision == "" {
		api.writeError(w, r, http.StatusBadRequest, "revision_required")
		return
	}
	runs, err := api.ledger.ListByRevision(r.Context(), revision)
	if err != nil {
		api.logger.Error("list runs", slog.String("revision", revision), slog.Any("error", err))
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runToResponse(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"revision": revision,
		"runs":     out,
	})
}

type createApprovalRequest struct {
	Revision    string `json:"revision"`
	Environment string `json:"environment"`
	Note        string `json:"note,omitempty"`
}

func (api *API) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	var req createApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	revision := strings.TrimSpace(req.Revision)
	if revision == "" {
		api.writeError(w, r, http.StatusBadRequest, "revision_required")
		return
	}
	env := domain.Environment(strings.TrimSpace(req.Environment))
	if !env.Valid() {
		api.writeError(w, r, http.StatusBadRequest, "environment_invalid")
		return
	}

	approvedBy := "anonymous"
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		approvedBy = identity.Subject
	}
	approval := ledger.Approval{
		Revision:    revision,
		Environment: env,
		ApprovedBy:  approvedBy,
		Note:        strings.TrimSpace(req.Note),
		ApprovedAt:  time.Now().UTC(),
	}
	if err := api.ledger.RecordApproval(r.Context(), approval); err != nil {
		api.logger.Error("record approval", slog.String("revision", revision), slog.Any("error", err))
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	stored, err := api.ledger.Approval(r.Context(), revision, env)
	if err != nil {
		api.logger.Error("load approval", slog.String("revision", revision), slog.Any("error", err))
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.logger.Info("promotion approved",
		slog.String("revision", revision),
		slog.String("environment", string(env)),
		slog.String("approved_by", stored.ApprovedBy))
	api.recordAudit(r, auditlog.Event{
		Actor:        stored.ApprovedBy,
		Action:       "promotion.approve",
		ResourceType: "revision",
		ResourceID:   revision,
		Payload: map[string]any{
			"environment": string(env),
			"note":        stored.Note,
		},
	})
	api.writeJSON(w, http.StatusCreated, map[string]any{
		"approval_id": stored.ID,
		"revision":    stored.Revision,
		"environment": string(stored.Environment),
		"approved_by": stored.ApprovedBy,
		"approved_at": stored.ApprovedAt,
	})
}

type triggerRequest struct {
	Revision string `json:"revision"`
	Branch   string `json:"branch"`
}

func (api *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if api.dispatch == nil {
		api.writeError(w, r, http.StatusServiceUnavailable, "dispatch_unavailable")
		return
	}
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	revision := strings.TrimSpace(req.Revision)
	if revision == "" {
		api.writeError(w, r, http.StatusBadRequest, "revision_required")
		return
	}
	branch := strings.TrimSpace(req.Branch)
	if branch == "" {
		branch = "main"
	}

	pipelineReq := domain.PipelineRequest{
		Revision:   revision,
		Branch:     branch,
		Connection: api.config.HostConnectionName,
		Repository: api.config.RepositoryName,
		OccurredAt: time.Now().UTC(),
		Config:     api.config,
	}
	if !api.dispatch(pipelineReq) {
		api.writeError(w, r, http.StatusServiceUnavailable, "dispatch_unavailable")
		return
	}
	actor := "anonymous"
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		actor = identity.Subject
	}
	api.logger.Info("manual trigger accepted",
		slog.String("revision", revision),
		slog.String("branch", branch),
		slog.String("actor", actor))
	api.recordAudit(r, auditlog.Event{
		Actor:        actor,
		Action:       "pipeline.trigger",
		ResourceType: "revision",
		ResourceID:   revision,
		Payload: map[string]any{
			"branch": branch,
		},
	})
	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"revision": revision,
		"branch":   branch,
		"run_id":   domain.RunID(revision, domain.EnvStaging),
	})
}

func (api *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *API) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
