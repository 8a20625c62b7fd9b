package workflow

import "fmt"

const (
	RuleMaxConcurrentRuns = "max_concurrent_runs"
	RuleAllowedStages     = "allowed_stages"
)

// StepDecision is the gate's verdict on a step about to be dispatched.
type StepDecision struct {
	// RequireGate forces a WAITING_GATE stop before dispatch even for
	// non-review steps.
	RequireGate bool
}

// PolicyGate evaluates a WorkflowPolicy. It holds no state; a nil policy
// permits everything.
type PolicyGate struct{}

// AdmitRun checks maxConcurrentRuns against the number of runs already
// active for the workflow.
func (PolicyGate) AdmitRun(p *WorkflowPolicy, workflowID string, active int) error {
	if p == nil || p.MaxConcurrentRuns <= 0 {
		return nil
	}
	if active >= p.MaxConcurrentRuns {
		return &PolicyViolationError{
			WorkflowID: workflowID,
			Rule:       RuleMaxConcurrentRuns,
			Detail:     fmt.Sprintf("%d active runs, limit %d", active, p.MaxConcurrentRuns),
		}
	}
	return nil
}

// CheckStep checks allowedStages and reports whether requireApproval
// applies to step.
func (PolicyGate) CheckStep(p *WorkflowPolicy, workflowID string, step *CompiledStep) (StepDecision, error) {
	if p == nil {
		return StepDecision{}, nil
	}
	if len(p.AllowedStages) > 0 && !containsStage(p.AllowedStages, step.StageType) {
		return StepDecision{}, &PolicyViolationError{
			WorkflowID: workflowID,
			NodeID:     step.NodeID,
			Rule:       RuleAllowedStages,
			Detail:     fmt.Sprintf("stage type %s not allowed", step.StageType),
		}
	}
	return StepDecision{RequireGate: p.RequireApproval}, nil
}

func containsStage(set []StageType, t StageType) bool {
	for _, s := range set {
		if s == t {
			return true
		}
	}
	return false
}
