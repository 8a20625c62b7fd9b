package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/types"
	"github.com/BaSui01/researchflow/workflow"
)

// =============================================================================
// 🧪 测试辅助类型
// =============================================================================

type gateCall struct {
	runID    string
	decision workflow.GateDecision
	approver string
}

// fakeRunService 记录调用并返回预设结果
type fakeRunService struct {
	mu        sync.Mutex
	runs      map[string]*workflow.Checkpoint
	launchErr error
	gateErr   error
	cancelErr error
	gates     []gateCall
	cancelled []string
}

func newFakeRunService() *fakeRunService {
	return &fakeRunService{runs: make(map[string]*workflow.Checkpoint)}
}

func (f *fakeRunService) LaunchWorkflow(_ context.Context, workflowID string, version int) (string, error) {
	if f.launchErr != nil {
		return "", f.launchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	runID := "run-" + workflowID
	state := workflow.NewRunState()
	f.runs[runID] = &workflow.Checkpoint{
		Run:     workflow.WorkflowRun{RunID: runID, WorkflowID: workflowID, Version: version, Status: workflow.RunPending},
		State:   state,
		Version: 1,
	}
	return runID, nil
}

func (f *fakeRunService) GetRun(_ context.Context, runID string) (*workflow.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.runs[runID]
	if !ok {
		return nil, workflow.ErrRunNotFound
	}
	return cp, nil
}

func (f *fakeRunService) ResumeGateAsync(_ context.Context, runID string, decision workflow.GateDecision, approver string) error {
	if f.gateErr != nil {
		return f.gateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gates = append(f.gates, gateCall{runID: runID, decision: decision, approver: approver})
	return nil
}

func (f *fakeRunService) Cancel(_ context.Context, runID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	if cp, ok := f.runs[runID]; ok {
		cp.Run.Status = workflow.RunCancelled
		cp.State.Status = workflow.RunCancelled
	}
	return nil
}

func (f *fakeRunService) put(cp *workflow.Checkpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[cp.Run.RunID] = cp
}

func waitingCheckpoint(runID string) *workflow.Checkpoint {
	state := workflow.NewRunState()
	state.Status = workflow.RunWaitingGate
	state.CurrentStep = "review"
	state.CompletedSteps = []string{"ingest"}
	state.Outcomes["ingest"] = workflow.OutcomeSucceeded
	state.StepOutputs["ingest"] = json.RawMessage(`{"rows":3}`)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &workflow.Checkpoint{
		Run: workflow.WorkflowRun{
			RunID: runID, WorkflowID: "wf", Version: 2,
			Status: workflow.RunWaitingGate, StartedAt: now, UpdatedAt: now,
		},
		State:   state,
		Version: 4,
	}
}

func newRunMux(svc RunService) *http.ServeMux {
	h := NewRunHandler(svc, zap.NewNop())
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/workflows/{id}/versions/{version}/runs", h.HandleStartRun)
	mux.HandleFunc("GET /v1/runs/{id}", h.HandleGetRun)
	mux.HandleFunc("POST /v1/runs/{id}/gate", h.HandleGate)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", h.HandleCancel)
	return mux
}

func decodeRunView(t *testing.T, w *httptest.ResponseRecorder) RunView {
	t.Helper()
	var body struct {
		Success bool    `json:"success"`
		Data    RunView `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.True(t, body.Success)
	return body.Data
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}

// =============================================================================
// 🧪 RunHandler 测试
// =============================================================================

func TestRunHandler_StartRun(t *testing.T) {
	svc := newFakeRunService()
	mux := newRunMux(svc)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/workflows/wf/versions/3/runs", nil))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "/v1/runs/run-wf", w.Header().Get("Location"))

	var body struct {
		Data StartRunResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, StartRunResponse{RunID: "run-wf", WorkflowID: "wf", Version: 3}, body.Data)
}

func TestRunHandler_StartRunErrors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		launchErr  error
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{name: "bad version", path: "/v1/workflows/wf/versions/abc/runs", wantStatus: http.StatusBadRequest, wantCode: types.ErrInvalidRequest},
		{name: "zero version", path: "/v1/workflows/wf/versions/0/runs", wantStatus: http.StatusBadRequest, wantCode: types.ErrInvalidRequest},
		{name: "missing definition", path: "/v1/workflows/wf/versions/1/runs", launchErr: workflow.ErrDefinitionNotFound, wantStatus: http.StatusNotFound, wantCode: types.ErrNotFound},
		{name: "cycle", path: "/v1/workflows/wf/versions/1/runs", launchErr: &workflow.CycleDetectedError{CyclePath: []string{"a", "a"}}, wantStatus: http.StatusBadRequest, wantCode: types.ErrCycleDetected},
		{name: "policy", path: "/v1/workflows/wf/versions/1/runs", launchErr: &workflow.PolicyViolationError{WorkflowID: "wf", Rule: "max_concurrent_runs"}, wantStatus: http.StatusForbidden, wantCode: types.ErrPolicyViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeRunService()
			svc.launchErr = tt.launchErr

			w := httptest.NewRecorder()
			newRunMux(svc).ServeHTTP(w, httptest.NewRequest(http.MethodPost, tt.path, nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, string(tt.wantCode), errorCode(t, w))
		})
	}
}

func TestRunHandler_GetRun(t *testing.T) {
	svc := newFakeRunService()
	svc.put(waitingCheckpoint("r1"))
	mux := newRunMux(svc)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/runs/r1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	view := decodeRunView(t, w)
	assert.Equal(t, workflow.RunWaitingGate, view.Status)
	assert.Equal(t, "review", view.CurrentStep)
	assert.Equal(t, int64(4), view.CheckpointVersion)
	assert.Nil(t, view.StepOutputs)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/runs/r1?include=outputs", nil))
	view = decodeRunView(t, w)
	assert.JSONEq(t, `{"rows":3}`, string(view.StepOutputs["ingest"]))
}

func TestRunHandler_GetRunNotFound(t *testing.T) {
	w := httptest.NewRecorder()
	newRunMux(newFakeRunService()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/runs/missing", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(types.ErrNotFound), errorCode(t, w))
}

func TestRunHandler_Gate(t *testing.T) {
	svc := newFakeRunService()
	svc.put(waitingCheckpoint("r1"))
	mux := newRunMux(svc)

	r := httptest.NewRequest(http.MethodPost, "/v1/runs/r1/gate", strings.NewReader(`{"decision":"approve"}`))
	r = r.WithContext(types.WithUserID(r.Context(), "alice"))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, svc.gates, 1)
	assert.Equal(t, gateCall{runID: "r1", decision: workflow.GateApprove, approver: "alice"}, svc.gates[0])
	assert.Equal(t, "r1", decodeRunView(t, w).RunID)
}

func TestRunHandler_GateRejections(t *testing.T) {
	tests := []struct {
		name       string
		user       string
		body       string
		gateErr    error
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{name: "unauthenticated", body: `{"decision":"approve"}`, wantStatus: http.StatusUnauthorized, wantCode: types.ErrUnauthorized},
		{name: "bad decision", user: "alice", body: `{"decision":"maybe"}`, wantStatus: http.StatusBadRequest, wantCode: types.ErrInvalidRequest},
		{name: "approver in body", user: "alice", body: `{"decision":"approve","approver":"mallory"}`, wantStatus: http.StatusBadRequest, wantCode: types.ErrInvalidRequest},
		{name: "not waiting", user: "alice", body: `{"decision":"reject"}`, gateErr: workflow.ErrNotWaitingGate, wantStatus: http.StatusConflict, wantCode: types.ErrNotWaitingGate},
		{name: "terminal", user: "alice", body: `{"decision":"approve"}`, gateErr: workflow.ErrRunTerminal, wantStatus: http.StatusConflict, wantCode: types.ErrRunTerminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeRunService()
			svc.put(waitingCheckpoint("r1"))
			svc.gateErr = tt.gateErr

			r := httptest.NewRequest(http.MethodPost, "/v1/runs/r1/gate", strings.NewReader(tt.body))
			if tt.user != "" {
				r = r.WithContext(types.WithUserID(r.Context(), tt.user))
			}
			w := httptest.NewRecorder()
			newRunMux(svc).ServeHTTP(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, string(tt.wantCode), errorCode(t, w))
			assert.Empty(t, svc.gates)
		})
	}
}

func TestRunHandler_Cancel(t *testing.T) {
	svc := newFakeRunService()
	svc.put(waitingCheckpoint("r1"))

	w := httptest.NewRecorder()
	newRunMux(svc).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/runs/r1/cancel", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"r1"}, svc.cancelled)
	assert.Equal(t, workflow.RunCancelled, decodeRunView(t, w).Status)
}

func TestRunHandler_CancelTerminal(t *testing.T) {
	svc := newFakeRunService()
	svc.cancelErr = workflow.ErrRunTerminal

	w := httptest.NewRecorder()
	newRunMux(svc).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/runs/r1/cancel", nil))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(types.ErrRunTerminal), errorCode(t, w))
}

func TestNewRunView(t *testing.T) {
	cp := waitingCheckpoint("r9")
	view := NewRunView(cp, true)

	assert.Equal(t, "r9", view.RunID)
	assert.Equal(t, "wf", view.WorkflowID)
	assert.Equal(t, 2, view.Version)
	assert.Equal(t, []string{"ingest"}, view.CompletedSteps)
	assert.Equal(t, workflow.OutcomeSucceeded, view.Outcomes["ingest"])
	assert.NotNil(t, view.StepOutputs)
}
