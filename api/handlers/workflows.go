package handlers

import (
	"context"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/types"
	"github.com/BaSui01/researchflow/workflow"
)

// =============================================================================
// 🧩 工作流定义 Handler
// =============================================================================

// Catalog 定义与策略的写入端
type Catalog interface {
	PutDefinition(ctx context.Context, def *workflow.WorkflowDefinition) error
	PutPolicy(ctx context.Context, p *workflow.WorkflowPolicy) error
}

// WorkflowHandler 编译、注册定义与策略
type WorkflowHandler struct {
	catalog Catalog
	cache   workflow.CompiledCache
	logger  *zap.Logger
}

// NewWorkflowHandler 创建工作流处理器。cache 可为 nil，非 nil 时注册成功后预热编译缓存。
func NewWorkflowHandler(catalog Catalog, cache workflow.CompiledCache, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{
		catalog: catalog,
		cache:   cache,
		logger:  logger.With(zap.String("component", "workflow_handler")),
	}
}

// HandleCompile POST /v1/compile。请求体为 JSON 或 YAML 定义，返回编译计划，不写入任何存储。
func (h *WorkflowHandler) HandleCompile(w http.ResponseWriter, r *http.Request) {
	def, ok := h.decodeDefinition(w, r)
	if !ok {
		return
	}
	compiled, err := workflow.Compile(def)
	if err != nil {
		WriteError(w, r, FromWorkflowError(err), h.logger)
		return
	}
	WriteSuccess(w, r, compiled)
}

// HandlePutDefinition PUT /v1/workflows/{id}/versions/{version}
func (h *WorkflowHandler) HandlePutDefinition(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	version, err := strconv.Atoi(r.PathValue("version"))
	if workflowID == "" || err != nil || version <= 0 {
		WriteErrorMessage(w, r, types.ErrInvalidRequest, "workflow id and a positive version are required", h.logger)
		return
	}

	def, ok := h.decodeDefinition(w, r)
	if !ok {
		return
	}
	if (def.WorkflowID != "" && def.WorkflowID != workflowID) || (def.Version != 0 && def.Version != version) {
		WriteErrorMessage(w, r, types.ErrInvalidRequest, "body workflowId/version do not match the path", h.logger)
		return
	}
	def.WorkflowID = workflowID
	def.Version = version

	// 先编译，非法定义不会进入目录
	compiled, err := workflow.Compile(def)
	if err != nil {
		WriteError(w, r, FromWorkflowError(err), h.logger)
		return
	}
	if err := h.catalog.PutDefinition(r.Context(), def); err != nil {
		WriteError(w, r, FromWorkflowError(err), h.logger)
		return
	}
	if h.cache != nil {
		if err := h.cache.Put(r.Context(), compiled); err != nil {
			h.logger.Warn("failed to warm compiled cache",
				zap.String("workflow_id", workflowID),
				zap.Int("version", version),
				zap.Error(err),
			)
		}
	}

	h.logger.Info("definition registered",
		zap.String("workflow_id", workflowID),
		zap.Int("version", version),
		zap.Int("steps", len(compiled.Steps)),
	)
	w.Header().Set("Location", "/v1/workflows/"+workflowID+"/versions/"+strconv.Itoa(version))
	WriteData(w, r, http.StatusCreated, compiled)
}

// HandlePutPolicy PUT /v1/workflows/{id}/policy
func (h *WorkflowHandler) HandlePutPolicy(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	if workflowID == "" {
		WriteErrorMessage(w, r, types.ErrInvalidRequest, "workflow id is required", h.logger)
		return
	}

	var policy workflow.WorkflowPolicy
	if !DecodeJSONBody(w, r, &policy, h.logger) {
		return
	}
	if policy.WorkflowID != "" && policy.WorkflowID != workflowID {
		WriteErrorMessage(w, r, types.ErrInvalidRequest, "body workflowId does not match the path", h.logger)
		return
	}
	if policy.MaxConcurrentRuns < 0 {
		WriteErrorMessage(w, r, types.ErrInvalidRequest, "maxConcurrentRuns must not be negative", h.logger)
		return
	}
	for _, st := range policy.AllowedStages {
		if !st.Valid() {
			WriteError(w, r, types.NewError(types.ErrInvalidRequest, "unknown stage type in allowedStages").
				WithDetail("stage_type", string(st)), h.logger)
			return
		}
	}
	policy.WorkflowID = workflowID

	if err := h.catalog.PutPolicy(r.Context(), &policy); err != nil {
		WriteError(w, r, FromWorkflowError(err), h.logger)
		return
	}
	h.logger.Info("policy updated",
		zap.String("workflow_id", workflowID),
		zap.Int("max_concurrent_runs", policy.MaxConcurrentRuns),
		zap.Bool("require_approval", policy.RequireApproval),
	)
	WriteSuccess(w, r, policy)
}

// decodeDefinition 按 Content-Type 选择 YAML 或 JSON，失败时已写出错误响应
func (h *WorkflowHandler) decodeDefinition(w http.ResponseWriter, r *http.Request) (*workflow.WorkflowDefinition, bool) {
	data, apiErr := ReadBody(w, r)
	if apiErr != nil {
		WriteError(w, r, apiErr, h.logger)
		return nil, false
	}

	var (
		def *workflow.WorkflowDefinition
		err error
	)
	if isYAMLContent(r.Header.Get("Content-Type")) {
		def, err = workflow.DefinitionFromYAML(data)
	} else {
		def, err = workflow.DefinitionFromJSON(data)
	}
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrInvalidRequest, "malformed workflow definition").WithCause(err), h.logger)
		return nil, false
	}
	return def, true
}

func isYAMLContent(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasSuffix(mediaType, "yaml") || strings.HasSuffix(mediaType, "yml")
}
