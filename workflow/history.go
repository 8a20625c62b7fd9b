package workflow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// StepExecution records the attempts of a single step within a run.
type StepExecution struct {
	NodeID    string        `json:"node_id"`
	StageType StageType     `json:"stage_type,omitempty"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time,omitempty"`
	Duration  time.Duration `json:"duration"`
	Outcome   StepOutcome   `json:"outcome,omitempty"`
	Attempts  int           `json:"attempts"`
	Error     *ErrorRecord  `json:"error,omitempty"`
}

// ExecutionHistory is the event-derived record of one run.
type ExecutionHistory struct {
	RunID      string           `json:"run_id"`
	WorkflowID string           `json:"workflow_id"`
	StartTime  time.Time        `json:"start_time"`
	EndTime    time.Time        `json:"end_time,omitempty"`
	Status     RunStatus        `json:"status"`
	Steps      []*StepExecution `json:"steps"`
	Events     []RunEvent       `json:"events"`
	Error      *ErrorRecord     `json:"error,omitempty"`
	mu         sync.RWMutex
}

// NewExecutionHistory creates an empty history for a run.
func NewExecutionHistory(runID, workflowID string) *ExecutionHistory {
	return &ExecutionHistory{
		RunID:      runID,
		WorkflowID: workflowID,
		Status:     RunPending,
		Steps:      make([]*StepExecution, 0),
	}
}

func (h *ExecutionHistory) apply(ev RunEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.Events = append(h.Events, ev)
	h.Status = ev.Status
	switch ev.Type {
	case EventRunStarted:
		if h.StartTime.IsZero() {
			h.StartTime = ev.Time
		}
	case EventStepStarted:
		step := h.step(ev.NodeID)
		if step == nil {
			step = &StepExecution{NodeID: ev.NodeID, StageType: ev.StageType, StartTime: ev.Time}
			h.Steps = append(h.Steps, step)
		}
		step.Attempts = ev.Attempt
	case EventStepSucceeded, EventStepFailed, EventStepSkipped:
		step := h.step(ev.NodeID)
		if step == nil {
			step = &StepExecution{NodeID: ev.NodeID, StageType: ev.StageType, StartTime: ev.Time}
			h.Steps = append(h.Steps, step)
		}
		step.EndTime = ev.Time
		step.Duration = step.EndTime.Sub(step.StartTime)
		step.Error = ev.Error
		switch ev.Type {
		case EventStepFailed:
			step.Outcome = OutcomeFailed
		case EventStepSkipped:
			step.Outcome = OutcomeSkipped
		default:
			step.Outcome = OutcomeSucceeded
		}
	case EventStepRetrying:
		if step := h.step(ev.NodeID); step != nil {
			step.Error = ev.Error
		}
	case EventRunCompleted, EventRunFailed, EventRunCancelled:
		h.EndTime = ev.Time
		h.Error = ev.Error
	}
}

func (h *ExecutionHistory) step(nodeID string) *StepExecution {
	for _, s := range h.Steps {
		if s.NodeID == nodeID {
			return s
		}
	}
	return nil
}

// GetSteps returns a copy of the step records.
func (h *ExecutionHistory) GetSteps() []*StepExecution {
	h.mu.RLock()
	defer h.mu.RUnlock()

	steps := make([]*StepExecution, len(h.Steps))
	copy(steps, h.Steps)
	return steps
}

// GetStep returns the record for a specific node.
func (h *ExecutionHistory) GetStep(nodeID string) *StepExecution {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.step(nodeID)
}

// EventTypes returns the recorded event types in order.
func (h *ExecutionHistory) EventTypes() []EventType {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]EventType, len(h.Events))
	for i, ev := range h.Events {
		out[i] = ev.Type
	}
	return out
}

// CurrentStatus returns the last status seen.
func (h *ExecutionHistory) CurrentStatus() RunStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.Status
}

// ExecutionHistoryStore is an EventSink that keeps one history per run.
type ExecutionHistoryStore struct {
	histories map[string]*ExecutionHistory
	mu        sync.RWMutex
}

// NewExecutionHistoryStore creates a new execution history store.
func NewExecutionHistoryStore() *ExecutionHistoryStore {
	return &ExecutionHistoryStore{
		histories: make(map[string]*ExecutionHistory),
	}
}

// Emit implements EventSink.
func (s *ExecutionHistoryStore) Emit(_ context.Context, ev RunEvent) {
	s.mu.Lock()
	h, ok := s.histories[ev.RunID]
	if !ok {
		h = NewExecutionHistory(ev.RunID, ev.WorkflowID)
		s.histories[ev.RunID] = h
	}
	s.mu.Unlock()
	h.apply(ev)
}

// Get retrieves the history of a run.
func (s *ExecutionHistoryStore) Get(runID string) (*ExecutionHistory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[runID]
	return h, ok
}

// ListByWorkflow returns all histories for a workflow, oldest first.
func (s *ExecutionHistoryStore) ListByWorkflow(workflowID string) []*ExecutionHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*ExecutionHistory
	for _, h := range s.histories {
		if h.WorkflowID == workflowID {
			result = append(result, h)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartTime.Before(result[j].StartTime) })
	return result
}

// ListByStatus returns histories whose last seen status is status.
func (s *ExecutionHistoryStore) ListByStatus(status RunStatus) []*ExecutionHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*ExecutionHistory
	for _, h := range s.histories {
		if h.CurrentStatus() == status {
			result = append(result, h)
		}
	}
	return result
}
