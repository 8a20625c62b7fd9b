package workflow

import (
	"encoding/json"
	"time"
)

// StageType identifies what kind of work a node performs.
type StageType string

const (
	StageDataIngestion  StageType = "data_ingestion"
	StageAIAnalysis     StageType = "ai_analysis"
	StageHumanReview    StageType = "human_review"
	StageTransformation StageType = "transformation"
	StageExport         StageType = "export"
	StageNotification   StageType = "notification"
	StageConditional    StageType = "conditional"
)

var knownStageTypes = map[StageType]struct{}{
	StageDataIngestion:  {},
	StageAIAnalysis:     {},
	StageHumanReview:    {},
	StageTransformation: {},
	StageExport:         {},
	StageNotification:   {},
	StageConditional:    {},
}

// Valid reports whether t is one of the closed set of stage types.
func (t StageType) Valid() bool {
	_, ok := knownStageTypes[t]
	return ok
}

// StageTypes returns every known stage type in a stable order.
func StageTypes() []StageType {
	return []StageType{
		StageDataIngestion,
		StageAIAnalysis,
		StageHumanReview,
		StageTransformation,
		StageExport,
		StageNotification,
		StageConditional,
	}
}

// EdgeCondition decides when an edge enables its target.
type EdgeCondition string

const (
	ConditionOnSuccess EdgeCondition = "on_success"
	ConditionOnFailure EdgeCondition = "on_failure"
	ConditionAlways    EdgeCondition = "always"
)

// Valid reports whether c is a recognized condition. The empty value is
// accepted and means on_success.
func (c EdgeCondition) Valid() bool {
	switch c {
	case "", ConditionOnSuccess, ConditionOnFailure, ConditionAlways:
		return true
	}
	return false
}

// Normalize maps the empty condition to on_success.
func (c EdgeCondition) Normalize() EdgeCondition {
	if c == "" {
		return ConditionOnSuccess
	}
	return c
}

// RetryPolicy selects how transient executor failures are retried.
type RetryPolicy string

const (
	RetryNone        RetryPolicy = "none"
	RetryLinear      RetryPolicy = "linear"
	RetryExponential RetryPolicy = "exponential"
)

// Valid reports whether p is a recognized retry policy. The empty value means none.
func (p RetryPolicy) Valid() bool {
	switch p {
	case "", RetryNone, RetryLinear, RetryExponential:
		return true
	}
	return false
}

// WorkflowNode is a single user-authored stage.
type WorkflowNode struct {
	ID        string         `json:"id" yaml:"id"`
	StageType StageType      `json:"stageType" yaml:"stageType"`
	Config    map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Label     string         `json:"label,omitempty" yaml:"label,omitempty"`
}

// WorkflowEdge connects two nodes. Condition defaults to on_success.
type WorkflowEdge struct {
	ID        string        `json:"id" yaml:"id"`
	Source    string        `json:"source" yaml:"source"`
	Target    string        `json:"target" yaml:"target"`
	Condition EdgeCondition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// WorkflowSettings carries run-wide knobs. RetryMaxAttempts and
// RetryBaseDelayMs override the runner defaults when positive.
type WorkflowSettings struct {
	TimeoutMinutes    int         `json:"timeoutMinutes" yaml:"timeoutMinutes"`
	RetryPolicy       RetryPolicy `json:"retryPolicy" yaml:"retryPolicy"`
	CheckpointEnabled bool        `json:"checkpointEnabled" yaml:"checkpointEnabled"`
	RetryMaxAttempts  int         `json:"retryMaxAttempts,omitempty" yaml:"retryMaxAttempts,omitempty"`
	RetryBaseDelayMs  int         `json:"retryBaseDelayMs,omitempty" yaml:"retryBaseDelayMs,omitempty"`
}

// WorkflowDefinition is one immutable version of a user-authored graph.
type WorkflowDefinition struct {
	WorkflowID string           `json:"workflowId" yaml:"workflowId"`
	Version    int              `json:"version" yaml:"version"`
	Nodes      []WorkflowNode   `json:"nodes" yaml:"nodes"`
	Edges      []WorkflowEdge   `json:"edges" yaml:"edges"`
	Settings   WorkflowSettings `json:"settings" yaml:"settings"`
}

// Dependency is one inbound edge of a compiled step.
type Dependency struct {
	EdgeID    string        `json:"edgeId"`
	Source    string        `json:"source"`
	Condition EdgeCondition `json:"condition"`
}

// CompiledStep is a node placed in execution order.
type CompiledStep struct {
	NodeID    string         `json:"nodeId"`
	StageType StageType      `json:"stageType"`
	Label     string         `json:"label,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
	DependsOn []string       `json:"dependsOn"`
	Inbound   []Dependency   `json:"inbound,omitempty"`
	Order     int            `json:"order"`
	// Depth is the Kahn round the step was released in.
	Depth int `json:"depth"`
	// Condition is shared by every inbound edge; empty for roots and for
	// steps whose inbound edges disagree.
	Condition EdgeCondition `json:"condition,omitempty"`
	IsGate    bool          `json:"isGate"`
}

// CompiledWorkflow is the validated, ordered plan for one definition version.
type CompiledWorkflow struct {
	WorkflowID        string         `json:"workflowId"`
	Version           int            `json:"version"`
	Steps             []CompiledStep `json:"steps"`
	TimeoutMinutes    int            `json:"timeoutMinutes"`
	RetryPolicy       RetryPolicy    `json:"retryPolicy"`
	CheckpointEnabled bool           `json:"checkpointEnabled"`
	RetryMaxAttempts  int            `json:"retryMaxAttempts,omitempty"`
	RetryBaseDelayMs  int            `json:"retryBaseDelayMs,omitempty"`
}

// Step returns the compiled step for nodeID.
func (w *CompiledWorkflow) Step(nodeID string) (*CompiledStep, bool) {
	for i := range w.Steps {
		if w.Steps[i].NodeID == nodeID {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// RunStatus is the lifecycle state of a WorkflowRun.
type RunStatus string

const (
	RunPending     RunStatus = "PENDING"
	RunInProgress  RunStatus = "IN_PROGRESS"
	RunWaitingGate RunStatus = "WAITING_GATE"
	RunCompleted   RunStatus = "COMPLETED"
	RunFailed      RunStatus = "FAILED"
	RunCancelled   RunStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Active reports whether the run counts against maxConcurrentRuns.
func (s RunStatus) Active() bool {
	return s == RunPending || s == RunInProgress || s == RunWaitingGate
}

// WorkflowRun is one execution of a compiled workflow version.
type WorkflowRun struct {
	RunID      string    `json:"run_id"`
	WorkflowID string    `json:"workflow_id"`
	Version    int       `json:"version"`
	Status     RunStatus `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StepOutcome is the recorded result of a resolved step.
type StepOutcome string

const (
	OutcomeSucceeded StepOutcome = "succeeded"
	OutcomeFailed    StepOutcome = "failed"
	OutcomeSkipped   StepOutcome = "skipped"
)

// GateDecision is the answer supplied to a waiting gate.
type GateDecision string

const (
	GateApprove GateDecision = "approve"
	GateReject  GateDecision = "reject"
)

// GateApproval records who released a gate.
type GateApproval struct {
	Approver   string    `json:"approver"`
	ApprovedAt time.Time `json:"approved_at"`
}

// RunState is the checkpoint payload. CompletedSteps holds every resolved
// step (succeeded, handled failure or skipped) in resolution order.
type RunState struct {
	Status         RunStatus                  `json:"status"`
	CurrentStep    string                     `json:"current_step,omitempty"`
	CompletedSteps []string                   `json:"completed_steps"`
	Outcomes       map[string]StepOutcome     `json:"outcomes"`
	StepOutputs    map[string]json.RawMessage `json:"step_outputs"`
	Attempts       map[string]int             `json:"attempts"`
	Approvals      map[string]GateApproval    `json:"approvals,omitempty"`
	FailedStep     string                     `json:"failed_step,omitempty"`
	Error          *ErrorRecord               `json:"error,omitempty"`
}

// NewRunState returns an empty PENDING state.
func NewRunState() RunState {
	return RunState{
		Status:         RunPending,
		CompletedSteps: []string{},
		Outcomes:       make(map[string]StepOutcome),
		StepOutputs:    make(map[string]json.RawMessage),
		Attempts:       make(map[string]int),
		Approvals:      make(map[string]GateApproval),
	}
}

// IsCompleted reports whether nodeID has been resolved.
func (s *RunState) IsCompleted(nodeID string) bool {
	_, ok := s.Outcomes[nodeID]
	return ok
}

func (s *RunState) ensureMaps() {
	if s.CompletedSteps == nil {
		s.CompletedSteps = []string{}
	}
	if s.Outcomes == nil {
		s.Outcomes = make(map[string]StepOutcome)
	}
	if s.StepOutputs == nil {
		s.StepOutputs = make(map[string]json.RawMessage)
	}
	if s.Attempts == nil {
		s.Attempts = make(map[string]int)
	}
	if s.Approvals == nil {
		s.Approvals = make(map[string]GateApproval)
	}
}

func (s *RunState) resolve(nodeID string, outcome StepOutcome) {
	if s.IsCompleted(nodeID) {
		return
	}
	s.Outcomes[nodeID] = outcome
	s.CompletedSteps = append(s.CompletedSteps, nodeID)
}

// WorkflowPolicy constrains runs of one workflow. An empty AllowedStages
// permits every stage type; MaxConcurrentRuns of zero is unlimited.
type WorkflowPolicy struct {
	WorkflowID        string      `json:"workflowId" yaml:"workflowId"`
	MaxConcurrentRuns int         `json:"maxConcurrentRuns" yaml:"maxConcurrentRuns"`
	RequireApproval   bool        `json:"requireApproval" yaml:"requireApproval"`
	AllowedStages     []StageType `json:"allowedStages,omitempty" yaml:"allowedStages,omitempty"`
}

// Checkpoint is the durable unit of run progress. Version increases by one
// on every successful save.
type Checkpoint struct {
	Run     WorkflowRun `json:"run"`
	State   RunState    `json:"state"`
	Version int64       `json:"version"`
	// Plan and Policy are fixed when the run is created; resuming uses
	// them instead of the current definition and policy stores.
	Plan   *CompiledWorkflow `json:"plan,omitempty"`
	Policy *WorkflowPolicy   `json:"policy,omitempty"`
}

// Clone returns a deep copy through the JSON form.
func (c *Checkpoint) Clone() *Checkpoint {
	data, err := json.Marshal(c)
	if err != nil {
		cp := *c
		return &cp
	}
	var out Checkpoint
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *c
		return &cp
	}
	out.State.ensureMaps()
	return &out
}
