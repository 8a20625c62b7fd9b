package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 HealthHandler 测试
// =============================================================================

func TestHealthHandler_HandleHealth(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "healthy", status.Status)
	assert.False(t, status.Timestamp.IsZero())
}

func TestHealthHandler_HandleReady(t *testing.T) {
	tests := []struct {
		name       string
		checks     []HealthCheck
		wantStatus int
		wantState  string
	}{
		{
			name:       "no checks",
			wantStatus: http.StatusOK,
			wantState:  "healthy",
		},
		{
			name: "all pass",
			checks: []HealthCheck{
				NewPingCheck("redis", func(context.Context) error { return nil }),
				NewPingCheck("database", func(context.Context) error { return nil }),
			},
			wantStatus: http.StatusOK,
			wantState:  "healthy",
		},
		{
			name: "one fails",
			checks: []HealthCheck{
				NewPingCheck("redis", func(context.Context) error { return nil }),
				NewPingCheck("database", func(context.Context) error { return errors.New("connection refused") }),
			},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHealthHandler(nil)
			for _, c := range tt.checks {
				handler.RegisterCheck(c)
			}

			w := httptest.NewRecorder()
			handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			var status HealthStatus
			require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
			assert.Equal(t, tt.wantState, status.Status)
			assert.Len(t, status.Checks, len(tt.checks))
		})
	}
}

func TestHealthHandler_EvaluateReportsFailure(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop())
	handler.RegisterCheck(NewPingCheck("mongo", func(context.Context) error { return errors.New("no reachable servers") }))

	status, healthy := handler.Evaluate(context.Background())
	assert.False(t, healthy)
	require.Contains(t, status.Checks, "mongo")
	assert.Equal(t, "fail", status.Checks["mongo"].Status)
	assert.Equal(t, "no reachable servers", status.Checks["mongo"].Message)
}

func TestHealthHandler_EvaluateAppliesTimeout(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop())
	handler.RegisterCheck(NewPingCheck("deadline", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("missing deadline")
		}
		return nil
	}))

	_, healthy := handler.Evaluate(context.Background())
	assert.True(t, healthy)
}

func TestHealthHandler_OptionalCheckDegrades(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop())
	handler.RegisterCheck(NewPingCheck("database", func(context.Context) error { return nil }))
	handler.RegisterOptionalCheck(NewPingCheck("redis", func(context.Context) error { return errors.New("i/o timeout") }))

	w := httptest.NewRecorder()
	handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, StatusDegraded, status.Status)
	assert.True(t, status.Checks["redis"].Optional)
	assert.Equal(t, "fail", status.Checks["redis"].Status)
	assert.Equal(t, "pass", status.Checks["database"].Status)
}

func TestHealthHandler_RequiredFailureWinsOverDegraded(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop())
	handler.RegisterOptionalCheck(NewPingCheck("redis", func(context.Context) error { return errors.New("down") }))
	handler.RegisterCheck(NewPingCheck("mongo", func(context.Context) error { return errors.New("down") }))

	status, ready := handler.Evaluate(context.Background())
	assert.False(t, ready)
	assert.Equal(t, StatusUnhealthy, status.Status)
}

func TestHealthHandler_ChecksRunConcurrently(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop())
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	for _, name := range []string{"a", "b"} {
		handler.RegisterCheck(NewPingCheck(name, func(ctx context.Context) error {
			started <- struct{}{}
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))
	}

	// 两个检查都开始后才放行，串行执行会卡到超时
	go func() {
		<-started
		<-started
		close(release)
	}()
	_, ready := handler.Evaluate(context.Background())
	assert.True(t, ready)
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleVersion("1.2.3", "2026-01-01", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1.2.3", data["version"])
	assert.Equal(t, "abc123", data["git_commit"])
}
