package workflow

import (
	"context"
	"time"
)

// EventType names a run lifecycle event.
type EventType string

const (
	EventRunStarted    EventType = "run_started"
	EventStepStarted   EventType = "step_started"
	EventStepSucceeded EventType = "step_succeeded"
	EventStepFailed    EventType = "step_failed"
	EventStepRetrying  EventType = "step_retrying"
	EventStepSkipped   EventType = "step_skipped"
	EventGateWaiting   EventType = "gate_waiting"
	EventGateApproved  EventType = "gate_approved"
	EventGateRejected  EventType = "gate_rejected"
	EventRunCompleted  EventType = "run_completed"
	EventRunFailed     EventType = "run_failed"
	EventRunCancelled  EventType = "run_cancelled"
)

// RunEvent is emitted after the state change it describes has been
// checkpointed (or, with checkpointing disabled, applied).
type RunEvent struct {
	Type       EventType     `json:"type"`
	RunID      string        `json:"run_id"`
	WorkflowID string        `json:"workflow_id"`
	NodeID     string        `json:"node_id,omitempty"`
	StageType  StageType     `json:"stage_type,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
	Status     RunStatus     `json:"status"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      *ErrorRecord  `json:"error,omitempty"`
	Time       time.Time     `json:"time"`
}

// EventSink receives run events. Emit must not block for long.
type EventSink interface {
	Emit(ctx context.Context, ev RunEvent)
}

// RunRecorder receives metric observations from the runner.
type RunRecorder interface {
	RecordRunStarted(workflowID string)
	RecordRunFinished(workflowID string, status RunStatus, duration time.Duration)
	RecordStep(stageType StageType, outcome StepOutcome, duration time.Duration)
	RecordStepRetry(stageType StageType)
	RecordGateWaiting(workflowID string)
	RecordCheckpoint(duration time.Duration, err error)
}

type nopSink struct{}

func (nopSink) Emit(context.Context, RunEvent) {}

type nopRecorder struct{}

func (nopRecorder) RecordRunStarted(string) {}
func (nopRecorder) RecordRunFinished(string, RunStatus, time.Duration) {}
func (nopRecorder) RecordStep(StageType, StepOutcome, time.Duration) {}
func (nopRecorder) RecordStepRetry(StageType) {}
func (nopRecorder) RecordGateWaiting(string) {}
func (nopRecorder) RecordCheckpoint(time.Duration, error) {}

// MultiSink fans one event out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Emit(ctx context.Context, ev RunEvent) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}
