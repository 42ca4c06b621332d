package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/conduit-labs/conduit/internal/domain"
	"github.com/conduit-labs/conduit/internal/ledger/memory"
	"github.com/conduit-labs/conduit/internal/platform/auth"
)

func testConfig() domain.Configuration {
	return domain.Configuration{
		ProjectName:         "geo-agents",
		StagingProjectID:    "geo-agents-staging",
		ProdProjectID:       "geo-agents-prod",
		CICDRunnerProjectID: "geo-agents-cicd",
		HostConnectionName:  "github-connection",
		RepositoryName:      "geo-agents-repo",
		Region:              "us-central1",
	}
}

func newTestAPI(led *memory.Ledger, dispatch Dispatch) *http.ServeMux {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mux := http.NewServeMux()
	New(logger, led, testConfig(), dispatch, nil).Register(mux)
	return mux
}

func seedRun(t *testing.T, led *memory.Ledger, revision string, env domain.Environment, status domain.RunStatus) domain.Run {
	t.Helper()
	req := domain.PipelineRequest{Revision: revision, Branch: "main", OccurredAt: time.Now(), Config: testConfig()}
	run := domain.NewRun(req, env, time.Now())
	run.Status = status
	if err := led.Record(context.Background(), run); err != nil {
		t.Fatalf("Record() err=%v", err)
	}
	return run
}

func TestGetRun(t *testing.T) {
	led := memory.New()
	run := seedRun(t, led, "abc123", domain.EnvStaging, domain.RunSucceeded)
	mux := newTestAPI(led, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body runResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RunID != run.ID || body.Status != "succeeded" || len(body.Stages) != 4 {
		t.Fatalf("body=%+v", body)
	}
}

func TestGetRunNotFound(t *testing.T) {
	mux := newTestAPI(memory.New(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/run-missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestListRunsByRevision(t *testing.T) {
	led := memory.New()
	seedRun(t, led, "abc123", domain.EnvStaging, domain.RunSucceeded)
	seedRun(t, led, "abc123", domain.EnvProduction, domain.RunRunning)
	seedRun(t, led, "def456", domain.EnvStaging, domain.RunFailed)
	mux := newTestAPI(led, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?revision=abc123", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var body struct {
		Revision string        `json:"revision"`
		Runs     []runResponse `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Runs) != 2 {
		t.Fatalf("runs=%d, want 2", len(body.Runs))
	}
}

func TestListRunsRequiresRevision(t *testing.T) {
	mux := newTestAPI(memory.New(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestCreateApprovalUsesIdentity(t *testing.T) {
	led := memory.New()
	mux := newTestAPI(led, nil)

	payload := `{"revision":"abc123","environment":"production","note":"looks good"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/approvals", strings.NewReader(payload))
	ctx := auth.ContextWithIdentity(req.Context(), auth.Identity{Subject: "alice", Roles: []string{auth.RoleOperator}})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req.WithContext(ctx))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	approval, err := led.Approval(context.Background(), "abc123", domain.EnvProduction)
	if err != nil {
		t.Fatalf("Approval() err=%v", err)
	}
	if approval.ApprovedBy != "alice" || approval.Note != "looks good" {
		t.Fatalf("approval=%+v", approval)
	}
}

func TestCreateApprovalRejectsBadEnvironment(t *testing.T) {
	mux := newTestAPI(memory.New(), nil)
	payload := `{"revision":"abc123","environment":"qa"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/approvals", strings.NewReader(payload)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestTriggerDispatchesRequest(t *testing.T) {
	var dispatched []domain.PipelineRequest
	dispatch := func(req domain.PipelineRequest) bool {
		dispatched = append(dispatched, req)
		return true
	}
	mux := newTestAPI(memory.New(), dispatch)

	payload := `{"revision":"abc123","branch":"main"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/trigger", strings.NewReader(payload)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if len(dispatched) != 1 || dispatched[0].Revision != "abc123" {
		t.Fatalf("dispatched=%+v", dispatched)
	}
	if dispatched[0].Config.ProjectName != "geo-agents" {
		t.Fatalf("config not attached to manual trigger")
	}
}

func TestTriggerWithoutDispatcher(t *testing.T) {
	mux := newTestAPI(memory.New(), nil)
	payload := `{"revision":"abc123"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/trigger", strings.NewReader(payload)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rec.Code)
	}
}
