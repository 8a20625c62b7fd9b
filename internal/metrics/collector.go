// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/workflow"
)

var _ workflow.RunRecorder = (*Collector)(nil)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 运行指标
	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	gateWaits    *prometheus.CounterVec
	runsInFlight prometheus.Gauge

	// 步骤指标
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	stepRetries  *prometheus.CounterVec

	// 检查点指标
	checkpointWrites   *prometheus.CounterVec
	checkpointDuration prometheus.Histogram

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，reg 为 nil 时注册到默认 Registry
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 运行指标
	c.runsStarted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_started_total",
			Help:      "Total number of workflow runs admitted",
		},
		[]string{"workflow_id"},
	)

	c.runsFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_finished_total",
			Help:      "Total number of workflow runs reaching a terminal status",
		},
		[]string{"workflow_id", "status"},
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_run_duration_seconds",
			Help:      "Wall-clock run duration in seconds, gate waits included",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 3600, 14400, 86400},
		},
		[]string{"status"},
	)

	c.gateWaits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_gate_waits_total",
			Help:      "Total number of times a run paused for human approval",
		},
		[]string{"workflow_id"},
	)

	c.runsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflow_runs_in_flight",
			Help:      "Runs started by this process and not yet finished",
		},
	)

	// 步骤指标
	c.stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_steps_total",
			Help:      "Total number of resolved steps",
		},
		[]string{"stage_type", "outcome"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_step_duration_seconds",
			Help:      "Step duration in seconds, retries included",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage_type"},
	)

	c.stepRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_step_retries_total",
			Help:      "Total number of step retry attempts",
		},
		[]string{"stage_type"},
	)

	// 检查点指标
	c.checkpointWrites = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_checkpoint_writes_total",
			Help:      "Total number of checkpoint writes",
		},
		[]string{"result"},
	)

	c.checkpointDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_checkpoint_write_duration_seconds",
			Help:      "Checkpoint write duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// 缓存指标
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🔄 运行指标记录（workflow.RunRecorder）
// =============================================================================

// RecordRunStarted 记录运行被接纳
func (c *Collector) RecordRunStarted(workflowID string) {
	c.runsStarted.WithLabelValues(workflowID).Inc()
	c.runsInFlight.Inc()
}

// RecordRunFinished 记录运行进入终态
func (c *Collector) RecordRunFinished(workflowID string, status workflow.RunStatus, duration time.Duration) {
	c.runsFinished.WithLabelValues(workflowID, string(status)).Inc()
	c.runDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
	c.runsInFlight.Dec()
}

// RecordStep 记录步骤结果
func (c *Collector) RecordStep(stageType workflow.StageType, outcome workflow.StepOutcome, duration time.Duration) {
	c.stepsTotal.WithLabelValues(string(stageType), string(outcome)).Inc()
	if outcome != workflow.OutcomeSkipped {
		c.stepDuration.WithLabelValues(string(stageType)).Observe(duration.Seconds())
	}
}

// RecordStepRetry 记录一次重试
func (c *Collector) RecordStepRetry(stageType workflow.StageType) {
	c.stepRetries.WithLabelValues(string(stageType)).Inc()
}

// RecordGateWaiting 记录运行进入人工审批等待
func (c *Collector) RecordGateWaiting(workflowID string) {
	c.gateWaits.WithLabelValues(workflowID).Inc()
}

// RecordCheckpoint 记录检查点写入
func (c *Collector) RecordCheckpoint(duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.checkpointWrites.WithLabelValues(result).Inc()
	c.checkpointDuration.Observe(duration.Seconds())
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// CompiledCacheType 编译计划缓存的 cache_type 标签
const CompiledCacheType = "compiled_plan"

// InstrumentCompiledCache 包装编译计划缓存，记录命中与未命中
func (c *Collector) InstrumentCompiledCache(inner workflow.CompiledCache) workflow.CompiledCache {
	return &instrumentedCache{inner: inner, c: c}
}

type instrumentedCache struct {
	inner workflow.CompiledCache
	c     *Collector
}

func (i *instrumentedCache) Get(ctx context.Context, workflowID string, version int) (*workflow.CompiledWorkflow, error) {
	w, err := i.inner.Get(ctx, workflowID, version)
	if err != nil {
		i.c.RecordCacheMiss(CompiledCacheType)
		return nil, err
	}
	i.c.RecordCacheHit(CompiledCacheType)
	return w, nil
}

func (i *instrumentedCache) Put(ctx context.Context, w *workflow.CompiledWorkflow) error {
	return i.inner.Put(ctx, w)
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
