package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies every error the compiler and runner can produce.
type ErrorKind string

const (
	KindSchema           ErrorKind = "schema"
	KindUnknownReference ErrorKind = "unknown_reference"
	KindCycleDetected    ErrorKind = "cycle_detected"
	KindPolicyViolation  ErrorKind = "policy_violation"
	KindTimeout          ErrorKind = "timeout"
	KindExecutor         ErrorKind = "executor"
	KindVersionConflict  ErrorKind = "version_conflict"
	KindGateRejected     ErrorKind = "gate_rejected"
	KindCancelled        ErrorKind = "cancelled"
	KindInternal         ErrorKind = "internal"
)

var (
	ErrVersionConflict       = errors.New("checkpoint version conflict")
	ErrRunNotFound           = errors.New("run not found")
	ErrDefinitionNotFound    = errors.New("workflow definition not found")
	ErrDefinitionExists      = errors.New("definition version already exists")
	ErrPolicyNotFound        = errors.New("workflow policy not found")
	ErrRunTerminal           = errors.New("run is already terminal")
	ErrNotWaitingGate        = errors.New("run is not waiting at a gate")
	ErrCacheMiss             = errors.New("compiled workflow not cached")
	ErrExecutorNotRegistered = errors.New("no executor registered for stage type")
	ErrRunActive             = errors.New("run is already being processed by this runner")
)

// CompilationError is implemented by the three compile-time failures.
type CompilationError interface {
	error
	Kind() ErrorKind
	compilation()
}

// SchemaError reports a structurally invalid definition.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error at %s: %s", e.Field, e.Reason)
}

func (e *SchemaError) Kind() ErrorKind { return KindSchema }
func (e *SchemaError) compilation()    {}

// UnknownReferenceError reports an edge endpoint that names no node, or a
// node id declared more than once, which leaves edges ambiguous.
type UnknownReferenceError struct {
	EdgeID          string
	MissingNodeID   string
	DuplicateNodeID string
}

func (e *UnknownReferenceError) Error() string {
	if e.DuplicateNodeID != "" {
		return fmt.Sprintf("node id %q is declared more than once", e.DuplicateNodeID)
	}
	return fmt.Sprintf("edge %q references unknown node %q", e.EdgeID, e.MissingNodeID)
}

func (e *UnknownReferenceError) Kind() ErrorKind { return KindUnknownReference }
func (e *UnknownReferenceError) compilation()    {}

// CycleDetectedError lists the nodes of one cycle in traversal order.
type CycleDetectedError struct {
	CyclePath []string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.CyclePath, " -> "))
}

func (e *CycleDetectedError) Kind() ErrorKind { return KindCycleDetected }
func (e *CycleDetectedError) compilation()    {}

// PolicyViolationError is returned when a workflow policy denies a run or step.
type PolicyViolationError struct {
	WorkflowID string
	NodeID     string
	Rule       string
	Detail     string
}

func (e *PolicyViolationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("policy %s violated by step %s: %s", e.Rule, e.NodeID, e.Detail)
	}
	return fmt.Sprintf("policy %s violated for workflow %s: %s", e.Rule, e.WorkflowID, e.Detail)
}

func (e *PolicyViolationError) Kind() ErrorKind { return KindPolicyViolation }

// TimeoutError is raised when a run outlives its timeoutMinutes.
type TimeoutError struct {
	TimeoutMinutes int
	ElapsedMinutes int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("run exceeded timeout of %d minutes (elapsed %d)", e.TimeoutMinutes, e.ElapsedMinutes)
}

func (e *TimeoutError) Kind() ErrorKind { return KindTimeout }

// ExecutorError is the failure contract for stage executors. Code is an
// optional short machine-readable identifier.
type ExecutorError struct {
	Transient bool
	Code      string
	Err       error
}

func (e *ExecutorError) Error() string {
	class := "terminal"
	if e.Transient {
		class = "transient"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s executor failure", class)
	}
	return fmt.Sprintf("%s executor failure: %v", class, e.Err)
}

func (e *ExecutorError) Unwrap() error   { return e.Err }
func (e *ExecutorError) Kind() ErrorKind { return KindExecutor }

// Transient wraps err as a retryable executor failure.
func Transient(code string, err error) *ExecutorError {
	return &ExecutorError{Transient: true, Code: code, Err: err}
}

// Terminal wraps err as a non-retryable executor failure.
func Terminal(code string, err error) *ExecutorError {
	return &ExecutorError{Code: code, Err: err}
}

// IsTransient reports whether err carries a transient executor failure.
func IsTransient(err error) bool {
	var ee *ExecutorError
	return errors.As(err, &ee) && ee.Transient
}

// GateRejectedError records a gate closed by a reviewer.
type GateRejectedError struct {
	NodeID   string
	Approver string
}

func (e *GateRejectedError) Error() string {
	return fmt.Sprintf("gate %s rejected by %s", e.NodeID, e.Approver)
}

func (e *GateRejectedError) Kind() ErrorKind { return KindGateRejected }

// KindOf classifies any error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var k interface{ Kind() ErrorKind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	switch {
	case errors.Is(err, ErrVersionConflict):
		return KindVersionConflict
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}

// ErrorRecord is the only form in which an error is persisted or logged.
type ErrorRecord struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Attempt int            `json:"attempt,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

var safeMessages = map[ErrorKind]string{
	KindSchema:           "workflow definition is structurally invalid",
	KindUnknownReference: "workflow edge references an unknown node",
	KindCycleDetected:    "workflow graph contains a cycle",
	KindPolicyViolation:  "workflow policy denied the operation",
	KindTimeout:          "run exceeded its time limit",
	KindExecutor:         "stage executor failed",
	KindVersionConflict:  "concurrent checkpoint update",
	KindGateRejected:     "review gate was rejected",
	KindCancelled:        "run was cancelled",
	KindInternal:         "internal error",
}

const maxCodeLen = 64

// Sanitize reduces err to a fixed message plus structured identifiers. Raw
// error text never survives; only definition identifiers and a validated
// executor code do.
func Sanitize(err error, nodeID string, attempt int) *ErrorRecord {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	rec := &ErrorRecord{
		Kind:    kind,
		Message: safeMessages[kind],
		NodeID:  nodeID,
		Attempt: attempt,
	}

	var (
		schema *SchemaError
		ref    *UnknownReferenceError
		cycle  *CycleDetectedError
		policy *PolicyViolationError
		tmo    *TimeoutError
		exec   *ExecutorError
	)
	switch {
	case errors.As(err, &schema):
		rec.Context = map[string]any{"field": schema.Field}
	case errors.As(err, &ref):
		rec.Context = map[string]any{"edge_id": ref.EdgeID, "missing_node_id": ref.MissingNodeID}
		if ref.DuplicateNodeID != "" {
			rec.Context = map[string]any{"duplicate_node_id": ref.DuplicateNodeID}
		}
	case errors.As(err, &cycle):
		rec.Context = map[string]any{"cycle_path": append([]string(nil), cycle.CyclePath...)}
	case errors.As(err, &policy):
		rec.Context = map[string]any{"rule": policy.Rule}
	case errors.As(err, &tmo):
		rec.Context = map[string]any{"timeout_minutes": tmo.TimeoutMinutes}
	case errors.As(err, &exec):
		rec.Code = safeCode(exec.Code)
		rec.Context = map[string]any{"transient": exec.Transient}
	}
	return rec
}

// safeCode keeps a code only if it is short and limited to [a-z0-9_.-].
func safeCode(code string) string {
	if code == "" || len(code) > maxCodeLen {
		return ""
	}
	for _, r := range code {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
		default:
			return ""
		}
	}
	return code
}
