package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/types"
	"github.com/BaSui01/researchflow/workflow"
)

// =============================================================================
// 🏃 运行管理 Handler
// =============================================================================

// RunService 运行器对外暴露的操作，由 *workflow.Runner 实现
type RunService interface {
	LaunchWorkflow(ctx context.Context, workflowID string, version int) (string, error)
	GetRun(ctx context.Context, runID string) (*workflow.Checkpoint, error)
	ResumeGateAsync(ctx context.Context, runID string, decision workflow.GateDecision, approver string) error
	Cancel(ctx context.Context, runID string) error
}

var _ RunService = (*workflow.Runner)(nil)

// RunHandler 启动、查询、审批与取消运行
type RunHandler struct {
	runs   RunService
	logger *zap.Logger
}

// NewRunHandler 创建运行处理器
func NewRunHandler(runs RunService, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{runs: runs, logger: logger.With(zap.String("component", "run_handler"))}
}

// StartRunResponse 启动运行的响应
type StartRunResponse struct {
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	Version    int    `json:"version"`
}

// GateRequest 审批请求
type GateRequest struct {
	Decision workflow.GateDecision `json:"decision"`
}

// RunView 运行状态视图，step_outputs 仅在 ?include=outputs 时返回
type RunView struct {
	RunID             string                           `json:"run_id"`
	WorkflowID        string                           `json:"workflow_id"`
	Version           int                              `json:"version"`
	Status            workflow.RunStatus               `json:"status"`
	CurrentStep       string                           `json:"current_step,omitempty"`
	CompletedSteps    []string                         `json:"completed_steps"`
	Outcomes          map[string]workflow.StepOutcome  `json:"outcomes"`
	Attempts          map[string]int                   `json:"attempts"`
	Approvals         map[string]workflow.GateApproval `json:"approvals,omitempty"`
	FailedStep        string                           `json:"failed_step,omitempty"`
	Error             *workflow.ErrorRecord            `json:"error,omitempty"`
	StepOutputs       map[string]json.RawMessage       `json:"step_outputs,omitempty"`
	StartedAt         time.Time                        `json:"started_at"`
	UpdatedAt         time.Time                        `json:"updated_at"`
	CheckpointVersion int64                            `json:"checkpoint_version"`
}

// NewRunView 由检查点构造视图
func NewRunView(cp *workflow.Checkpoint, includeOutputs bool) RunView {
	v := RunView{
		RunID:             cp.Run.RunID,
		WorkflowID:        cp.Run.WorkflowID,
		Version:           cp.Run.Version,
		Status:            cp.State.Status,
		CurrentStep:       cp.State.CurrentStep,
		CompletedSteps:    cp.State.CompletedSteps,
		Outcomes:          cp.State.Outcomes,
		Attempts:          cp.State.Attempts,
		Approvals:         cp.State.Approvals,
		FailedStep:        cp.State.FailedStep,
		Error:             cp.State.Error,
		StartedAt:         cp.Run.StartedAt,
		UpdatedAt:         cp.Run.UpdatedAt,
		CheckpointVersion: cp.Version,
	}
	if includeOutputs {
		v.StepOutputs = cp.State.StepOutputs
	}
	return v
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleStartRun POST /v1/workflows/{id}/versions/{version}/runs
func (h *RunHandler) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	version, err := strconv.Atoi(r.PathValue("version"))
	if workflowID == "" || err != nil || version <= 0 {
		WriteErrorMessage(w, r, types.ErrInvalidRequest, "workflow id and a positive version are required", h.logger)
		return
	}

	runID, err := h.runs.LaunchWorkflow(r.Context(), workflowID, version)
	if err != nil {
		WriteError(w, r, FromWorkflowError(err), h.logger)
		return
	}

	h.logger.Info("run launched",
		zap.String("run_id", runID),
		zap.String("workflow_id", workflowID),
		zap.Int("version", version),
	)
	w.Header().Set("Location", "/v1/runs/"+runID)
	WriteData(w, r, http.StatusAccepted, StartRunResponse{RunID: runID, WorkflowID: workflowID, Version: version})
}

// HandleGetRun GET /v1/runs/{id}
func (h *RunHandler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	cp, err := h.runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, FromWorkflowError(err), h.logger)
		return
	}
	WriteSuccess(w, r, NewRunView(cp, r.URL.Query().Get("include") == "outputs"))
}

// HandleGate POST /v1/runs/{id}/gate。审批人取自认证身份，不接受请求体指定。
func (h *RunHandler) HandleGate(w http.ResponseWriter, r *http.Request) {
	approver, ok := types.UserID(r.Context())
	if !ok {
		WriteErrorMessage(w, r, types.ErrUnauthorized, "an authenticated approver is required", h.logger)
		return
	}

	var req GateRequest
	if !DecodeJSONBody(w, r, &req, h.logger) {
		return
	}
	if req.Decision != workflow.GateApprove && req.Decision != workflow.GateReject {
		WriteErrorMessage(w, r, types.ErrInvalidRequest, `decision must be "approve" or "reject"`, h.logger)
		return
	}

	runID := r.PathValue("id")
	if err := h.runs.ResumeGateAsync(r.Context(), runID, req.Decision, approver); err != nil {
		WriteError(w, r, FromWorkflowError(err), h.logger)
		return
	}
	h.logger.Info("gate decided",
		zap.String("run_id", runID),
		zap.String("decision", string(req.Decision)),
		zap.String("approver", approver),
	)
	h.writeCurrent(w, r, runID, http.StatusAccepted)
}

// HandleCancel POST /v1/runs/{id}/cancel
func (h *RunHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := h.runs.Cancel(r.Context(), runID); err != nil {
		WriteError(w, r, FromWorkflowError(err), h.logger)
		return
	}
	h.logger.Info("run cancelled", zap.String("run_id", runID))
	h.writeCurrent(w, r, runID, http.StatusOK)
}

func (h *RunHandler) writeCurrent(w http.ResponseWriter, r *http.Request, runID string, status int) {
	cp, err := h.runs.GetRun(r.Context(), runID)
	if err != nil {
		WriteData(w, r, status, map[string]string{"run_id": runID})
		return
	}
	WriteData(w, r, status, NewRunView(cp, false))
}
