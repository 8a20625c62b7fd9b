package handlers

import (
	"context"
	"errors"

	"github.com/BaSui01/researchflow/types"
	"github.com/BaSui01/researchflow/workflow"
)

// =============================================================================
// 🔄 工作流错误到 API 错误的映射
// =============================================================================

// FromWorkflowError 将编译器与运行器的错误转换为 API 错误。客户端只能看到
// 安全消息与定义标识符，原始错误保留在 Cause 中供日志使用。
func FromWorkflowError(err error) *types.Error {
	if err == nil {
		return nil
	}
	var apiErr *types.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var (
		schema *workflow.SchemaError
		ref    *workflow.UnknownReferenceError
		cycle  *workflow.CycleDetectedError
		policy *workflow.PolicyViolationError
		tmo    *workflow.TimeoutError
		exec   *workflow.ExecutorError
		gate   *workflow.GateRejectedError
	)

	var out *types.Error
	switch {
	case errors.As(err, &schema):
		out = types.NewError(types.ErrSchemaInvalid, schema.Error()).
			WithDetail("field", schema.Field)
	case errors.As(err, &ref) && ref.DuplicateNodeID != "":
		out = types.NewError(types.ErrUnknownReference, "workflow declares a node id more than once").
			WithDetail("duplicate_node_id", ref.DuplicateNodeID)
	case errors.As(err, &ref):
		out = types.NewError(types.ErrUnknownReference, "workflow edge references an unknown node").
			WithDetail("edge_id", ref.EdgeID).
			WithDetail("missing_node_id", ref.MissingNodeID)
	case errors.As(err, &cycle):
		out = types.NewError(types.ErrCycleDetected, "workflow graph contains a cycle").
			WithDetail("cycle_path", cycle.CyclePath)
	case errors.As(err, &policy):
		out = types.NewError(types.ErrPolicyViolation, "workflow policy denied the operation").
			WithDetail("rule", policy.Rule)
	case errors.As(err, &tmo):
		out = types.NewError(types.ErrTimeout, "run exceeded its time limit").
			WithDetail("timeout_minutes", tmo.TimeoutMinutes)
	case errors.As(err, &exec):
		rec := workflow.Sanitize(err, "", 0)
		out = types.NewError(types.ErrStageFailed, rec.Message).WithRetryable(exec.Transient)
		if rec.Code != "" {
			out.WithDetail("code", rec.Code)
		}
	case errors.As(err, &gate):
		out = types.NewError(types.ErrGateRejected, "review gate was rejected").
			WithDetail("node_id", gate.NodeID)
	case errors.Is(err, workflow.ErrVersionConflict):
		out = types.NewError(types.ErrVersionConflict, "concurrent checkpoint update").WithRetryable(true)
	case errors.Is(err, workflow.ErrRunActive):
		out = types.NewError(types.ErrVersionConflict, "run is being processed").WithRetryable(true)
	case errors.Is(err, workflow.ErrRunNotFound):
		out = types.NewError(types.ErrNotFound, "run not found")
	case errors.Is(err, workflow.ErrDefinitionNotFound):
		out = types.NewError(types.ErrNotFound, "workflow definition not found")
	case errors.Is(err, workflow.ErrPolicyNotFound):
		out = types.NewError(types.ErrNotFound, "workflow policy not found")
	case errors.Is(err, workflow.ErrDefinitionExists):
		out = types.NewError(types.ErrAlreadyExists, "definition version already exists")
	case errors.Is(err, workflow.ErrRunTerminal):
		out = types.NewError(types.ErrRunTerminal, "run is already terminal")
	case errors.Is(err, workflow.ErrNotWaitingGate):
		out = types.NewError(types.ErrNotWaitingGate, "run is not waiting at a gate")
	case errors.Is(err, workflow.ErrExecutorNotRegistered):
		out = types.NewError(types.ErrServiceUnavailable, "no executor registered for a stage type")
	case errors.Is(err, context.DeadlineExceeded):
		out = types.NewError(types.ErrTimeout, "request timed out").WithRetryable(true)
	case errors.Is(err, context.Canceled):
		out = types.NewError(types.ErrCancelled, "request was cancelled")
	default:
		out = types.NewError(types.ErrInternalError, "internal error")
	}
	return out.WithCause(err)
}
