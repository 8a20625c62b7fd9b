package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/workflow"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(nextTestNamespace(), reg, zap.NewNop()), reg
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector_DefaultRegisterer(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), nil, nil)

	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.runsStarted)
	assert.NotNil(t, collector.checkpointDuration)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordHTTPRequest("GET", "/v1/runs/{id}", 200, 100*time.Millisecond, 1024, 2048)
	collector.RecordHTTPRequest("GET", "/v1/runs/{id}", 204, 50*time.Millisecond, 512, 1024)
	collector.RecordHTTPRequest("POST", "/v1/compile", 422, 5*time.Millisecond, 64, 128)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/v1/runs/{id}", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/v1/compile", "4xx")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.httpRequestDuration))
}

func TestCollector_RunLifecycle(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordRunStarted("wf-1")
	collector.RecordRunStarted("wf-1")
	collector.RecordGateWaiting("wf-1")
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.runsStarted.WithLabelValues("wf-1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.runsInFlight))

	collector.RecordRunFinished("wf-1", workflow.RunCompleted, 3*time.Second)
	collector.RecordRunFinished("wf-1", workflow.RunFailed, time.Second)

	assert.Equal(t, 0.0, testutil.ToFloat64(collector.runsInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.runsFinished.WithLabelValues("wf-1", string(workflow.RunCompleted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.runsFinished.WithLabelValues("wf-1", string(workflow.RunFailed))))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.gateWaits.WithLabelValues("wf-1")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.runDuration))
}

func TestCollector_RecordStep(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordStep(workflow.StageAIAnalysis, workflow.OutcomeSucceeded, 2*time.Second)
	collector.RecordStep(workflow.StageAIAnalysis, workflow.OutcomeFailed, time.Second)
	collector.RecordStep(workflow.StageExport, workflow.OutcomeSkipped, 0)
	collector.RecordStepRetry(workflow.StageAIAnalysis)
	collector.RecordStepRetry(workflow.StageAIAnalysis)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.stepsTotal.WithLabelValues(string(workflow.StageExport), string(workflow.OutcomeSkipped))))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.stepRetries.WithLabelValues(string(workflow.StageAIAnalysis))))
	// skipped steps never ran, so only the analysis series has observations
	assert.Equal(t, 1, testutil.CollectAndCount(collector.stepDuration))
}

func TestCollector_RecordCheckpoint(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordCheckpoint(2*time.Millisecond, nil)
	collector.RecordCheckpoint(3*time.Millisecond, nil)
	collector.RecordCheckpoint(time.Millisecond, errors.New("redis down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.checkpointWrites.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.checkpointWrites.WithLabelValues("error")))
}

func TestCollector_InstrumentCompiledCache(t *testing.T) {
	collector, _ := newTestCollector(t)
	ctx := context.Background()

	cache := collector.InstrumentCompiledCache(workflow.NewMemoryCompiledCache())
	_, err := cache.Get(ctx, "wf", 1)
	assert.ErrorIs(t, err, workflow.ErrCacheMiss)

	cw, err := workflow.Compile(&workflow.WorkflowDefinition{
		WorkflowID: "wf",
		Version:    1,
		Nodes:      []workflow.WorkflowNode{{ID: "a", StageType: workflow.StageDataIngestion}},
	})
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, cw))

	got, err := cache.Get(ctx, "wf", 1)
	require.NoError(t, err)
	assert.Equal(t, "wf", got.WorkflowID)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheHits.WithLabelValues(CompiledCacheType)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheMisses.WithLabelValues(CompiledCacheType)))
}

func TestCollector_DatabaseMetrics(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordDBConnections("primary", 8, 3)
	collector.RecordDBQuery("primary", "update", 4*time.Millisecond)

	assert.Equal(t, 8.0, testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("primary")))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("primary")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.dbQueryDuration))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector, _ := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordRunStarted("wf")
			collector.RecordStep(workflow.StageTransformation, workflow.OutcomeSucceeded, time.Millisecond)
			collector.RecordCheckpoint(time.Millisecond, nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50.0, testutil.ToFloat64(collector.runsStarted.WithLabelValues("wf")))
	assert.Equal(t, 50.0, testutil.ToFloat64(collector.checkpointWrites.WithLabelValues("ok")))
}

func TestCollector_RegistryGather(t *testing.T) {
	reg := prometheus.NewRegistry()
	ns := nextTestNamespace()
	collector := NewCollector(ns, reg, zap.NewNop())

	collector.RecordRunStarted("wf")
	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, ns+"_workflow_runs_started_total")
}

func TestStatusCode(t *testing.T) {
	tests := map[int]string{200: "2xx", 301: "3xx", 404: "4xx", 503: "5xx", 100: "unknown"}
	for code, want := range tests {
		assert.Equal(t, want, statusCode(code))
	}
}
