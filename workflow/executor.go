package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// StageRequest is everything an executor receives for one attempt.
type StageRequest struct {
	RunID           string                     `json:"run_id"`
	WorkflowID      string                     `json:"workflow_id"`
	NodeID          string                     `json:"node_id"`
	StageType       StageType                  `json:"stage_type"`
	Config          map[string]any             `json:"config,omitempty"`
	UpstreamOutputs map[string]json.RawMessage `json:"upstream_outputs,omitempty"`
	Attempt         int                        `json:"attempt"`
}

// StageExecutor performs the work of one stage type. Failures should be
// returned as *ExecutorError; any other error is treated as terminal.
// Cancel is a request, not a kill: the in-flight Execute may still return.
type StageExecutor interface {
	Execute(ctx context.Context, req StageRequest) (json.RawMessage, error)
	Cancel(ctx context.Context, runID, nodeID string) error
}

// ExecutorFunc adapts a function into a StageExecutor with a no-op Cancel.
type ExecutorFunc func(ctx context.Context, req StageRequest) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, req StageRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

func (f ExecutorFunc) Cancel(context.Context, string, string) error { return nil }

// StageRegistry maps the closed set of stage types to executors.
type StageRegistry struct {
	mu        sync.RWMutex
	executors map[StageType]StageExecutor
}

// NewStageRegistry creates an empty registry.
func NewStageRegistry() *StageRegistry {
	return &StageRegistry{executors: make(map[StageType]StageExecutor)}
}

// Register binds exec to t. human_review is handled by the runner itself
// and cannot be bound.
func (r *StageRegistry) Register(t StageType, exec StageExecutor) error {
	if !t.Valid() {
		return fmt.Errorf("register executor: unknown stage type %q", t)
	}
	if t == StageHumanReview {
		return fmt.Errorf("register executor: %s is resolved by gate approval", t)
	}
	if exec == nil {
		return fmt.Errorf("register executor: nil executor for %s", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[t] = exec
	return nil
}

// Lookup returns the executor for t.
func (r *StageRegistry) Lookup(t StageType) (StageExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutorNotRegistered, t)
	}
	return exec, nil
}

// Covers reports the first step of w whose stage type has no executor.
func (r *StageRegistry) Covers(w *CompiledWorkflow) error {
	for i := range w.Steps {
		s := &w.Steps[i]
		if s.StageType == StageHumanReview {
			continue
		}
		if _, err := r.Lookup(s.StageType); err != nil {
			return fmt.Errorf("step %s: %w", s.NodeID, err)
		}
	}
	return nil
}
