package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"schema", &SchemaError{Field: "nodes"}, KindSchema},
		{"wrapped reference", fmt.Errorf("compile: %w", &UnknownReferenceError{EdgeID: "e"}), KindUnknownReference},
		{"cycle", &CycleDetectedError{CyclePath: []string{"a"}}, KindCycleDetected},
		{"policy", &PolicyViolationError{Rule: RuleAllowedStages}, KindPolicyViolation},
		{"timeout", &TimeoutError{TimeoutMinutes: 5}, KindTimeout},
		{"executor", Transient("rate_limited", errors.New("429")), KindExecutor},
		{"gate", &GateRejectedError{NodeID: "review"}, KindGateRejected},
		{"version conflict", fmt.Errorf("save: %w", ErrVersionConflict), KindVersionConflict},
		{"context cancelled", context.Canceled, KindCancelled},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"plain", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTransient(Transient("", errors.New("x"))))
	assert.True(t, IsTransient(fmt.Errorf("step: %w", Transient("", nil))))
	assert.False(t, IsTransient(Terminal("bad_input", errors.New("x"))))
	assert.False(t, IsTransient(errors.New("x")))
	assert.False(t, IsTransient(nil))
}

func TestExecutorError_Unwrap(t *testing.T) {
	t.Parallel()

	root := errors.New("connection reset")
	err := Transient("net", root)
	assert.ErrorIs(t, err, root)
	assert.Contains(t, err.Error(), "transient")
	assert.Contains(t, Terminal("", nil).Error(), "terminal")
}

func TestSanitize_DropsRawText(t *testing.T) {
	t.Parallel()

	secret := "patient 4711 glucose=6.1 token=sk-abc"
	rec := Sanitize(Transient("upstream.timeout", errors.New(secret)), "analyze", 2)
	require.NotNil(t, rec)

	assert.Equal(t, KindExecutor, rec.Kind)
	assert.Equal(t, "stage executor failed", rec.Message)
	assert.Equal(t, "upstream.timeout", rec.Code)
	assert.Equal(t, "analyze", rec.NodeID)
	assert.Equal(t, 2, rec.Attempt)
	assert.Equal(t, true, rec.Context["transient"])

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "4711")
	assert.NotContains(t, string(data), "sk-abc")
}

func TestSanitize_StructuredContext(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Sanitize(nil, "", 0))

	rec := Sanitize(&SchemaError{Field: "nodes[2].id", Reason: "free text"}, "", 0)
	assert.Equal(t, "nodes[2].id", rec.Context["field"])
	assert.NotContains(t, rec.Message, "free text")

	rec = Sanitize(&UnknownReferenceError{EdgeID: "e9", MissingNodeID: "ghost"}, "", 0)
	assert.Equal(t, "e9", rec.Context["edge_id"])
	assert.Equal(t, "ghost", rec.Context["missing_node_id"])

	rec = Sanitize(&CycleDetectedError{CyclePath: []string{"a", "b"}}, "", 0)
	assert.Equal(t, []string{"a", "b"}, rec.Context["cycle_path"])

	rec = Sanitize(&PolicyViolationError{Rule: RuleMaxConcurrentRuns, Detail: "3 active"}, "", 0)
	assert.Equal(t, RuleMaxConcurrentRuns, rec.Context["rule"])

	rec = Sanitize(&TimeoutError{TimeoutMinutes: 30, ElapsedMinutes: 31}, "", 0)
	assert.Equal(t, 30, rec.Context["timeout_minutes"])

	rec = Sanitize(errors.New("database password=hunter2"), "x", 1)
	assert.Equal(t, KindInternal, rec.Kind)
	assert.Equal(t, "internal error", rec.Message)
	assert.Nil(t, rec.Context)
}

func TestSafeCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"rate_limited", "rate_limited"},
		{"http.503", "http.503"},
		{"upstream-timeout", "upstream-timeout"},
		{"Upper", ""},
		{"has space", ""},
		{"user@example.com", ""},
		{strings.Repeat("a", 64), strings.Repeat("a", 64)},
		{strings.Repeat("a", 65), ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, safeCode(tt.in), "input %q", tt.in)
	}
}
