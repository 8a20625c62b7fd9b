package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/researchflow/api/handlers"
	"github.com/BaSui01/researchflow/config"
	"github.com/BaSui01/researchflow/internal/cache"
	"github.com/BaSui01/researchflow/internal/database"
	"github.com/BaSui01/researchflow/internal/metrics"
	"github.com/BaSui01/researchflow/internal/migration"
	"github.com/BaSui01/researchflow/internal/server"
	"github.com/BaSui01/researchflow/internal/telemetry"
	"github.com/BaSui01/researchflow/workflow"
	"github.com/BaSui01/researchflow/workflow/persistence"
	"github.com/BaSui01/researchflow/workflow/stages"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 持有运行器、存储后端与两个 HTTP 服务（API 与 metrics）
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	registry  *prometheus.Registry
	collector *metrics.Collector
	telemetry *telemetry.Providers

	cacheManager *cache.Manager
	pool         *database.PoolManager
	mongoClient  *mongo.Client

	runner  *workflow.Runner
	handler http.Handler

	httpManager    *server.Manager
	metricsManager *server.Manager

	stopLimiter context.CancelFunc
}

// NewServer 按配置连接后端并组装 API。失败时已初始化的资源会被释放。
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	if err := s.init(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) init(ctx context.Context) error {
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector("researchflow", s.registry, s.logger)

	providers, err := telemetry.Init(s.cfg.Telemetry, Version, s.logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	s.telemetry = providers

	backends, err := s.connectBackends(ctx)
	if err != nil {
		return err
	}

	stores, err := persistence.New(ctx, persistence.Config{
		Type:            persistence.StoreType(s.cfg.Store.Type),
		KeyPrefix:       s.cfg.Store.KeyPrefix,
		MongoDatabase:   s.cfg.Mongo.Database,
		MongoCollection: s.cfg.Mongo.Collection,
	}, backends, s.logger)
	if err != nil {
		return fmt.Errorf("init persistence: %w", err)
	}

	var compiled workflow.CompiledCache = workflow.NewMemoryCompiledCache()
	if s.cfg.Store.Cache == "redis" {
		compiled = cache.NewCompiledCache(s.cacheManager)
	}
	compiled = s.collector.InstrumentCompiledCache(compiled)

	stageRegistry, err := s.buildStageRegistry()
	if err != nil {
		return err
	}

	s.runner = workflow.NewRunner(stageRegistry, stores.Checkpoints, stores.Catalog, stores.Catalog, s.logger,
		workflow.WithRunnerConfig(workflow.RunnerConfig{
			MaxParallelSteps:  s.cfg.Runner.MaxParallelSteps,
			CancelGracePeriod: s.cfg.Runner.CancelGracePeriod,
			Retry: workflow.RetryDefaults{
				BaseDelay:   s.cfg.Runner.Retry.BaseDelay,
				MaxDelay:    s.cfg.Runner.Retry.MaxDelay,
				MaxAttempts: s.cfg.Runner.Retry.MaxAttempts,
			},
		}),
		workflow.WithCompiledCache(compiled),
		workflow.WithRecorder(s.collector),
		workflow.WithTracer(s.telemetry.Tracer()),
		workflow.WithEventSink(newLogSink(s.logger)),
	)

	health := handlers.NewHealthHandler(s.logger)
	if s.cacheManager != nil {
		redisCheck := handlers.NewPingCheck("redis", s.cacheManager.Ping)
		if s.cfg.Store.Type == string(persistence.StoreTypeRedis) {
			health.RegisterCheck(redisCheck)
		} else {
			health.RegisterOptionalCheck(redisCheck)
		}
	}
	if s.pool != nil {
		health.RegisterCheck(handlers.NewPingCheck("database", s.pool.Ping))
	}
	if s.mongoClient != nil {
		health.RegisterCheck(handlers.NewPingCheck("mongo", func(ctx context.Context) error {
			return s.mongoClient.Ping(ctx, nil)
		}))
	}

	var auth Middleware
	if s.cfg.JWT.Enabled() {
		auth, err = JWTAuth(s.cfg.JWT, s.logger)
		if err != nil {
			return fmt.Errorf("init jwt auth: %w", err)
		}
	}

	router := newRouter(routeHandlers{
		runs:      handlers.NewRunHandler(s.runner, s.logger),
		workflows: handlers.NewWorkflowHandler(stores.Catalog, compiled, s.logger),
		health:    health,
	}, auth)

	limiterCtx, stopLimiter := context.WithCancel(context.Background())
	s.stopLimiter = stopLimiter

	s.handler = Chain(router,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		Metrics(s.collector),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(limiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	)

	s.httpManager = server.NewManager("api", s.handler, server.Config{
		Addr:            ":" + strconv.Itoa(s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		TLSCertFile:     s.cfg.Server.TLSCertFile,
		TLSKeyFile:      s.cfg.Server.TLSKeyFile,
	}, s.logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	s.metricsManager = server.NewManager("metrics", metricsMux, server.Config{
		Addr:            ":" + strconv.Itoa(s.cfg.Server.MetricsPort),
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return nil
}

// connectBackends 只连接当前配置实际用到的后端
func (s *Server) connectBackends(ctx context.Context) (persistence.Backends, error) {
	var b persistence.Backends

	if s.cfg.UsesRedis() {
		ccfg := cache.DefaultConfig()
		ccfg.Addr = s.cfg.Redis.Addr
		ccfg.Password = s.cfg.Redis.Password
		ccfg.DB = s.cfg.Redis.DB
		ccfg.TLS = s.cfg.Redis.TLS
		ccfg.DefaultTTL = s.cfg.Runner.CompileCacheTTL
		if s.cfg.Redis.PoolSize > 0 {
			ccfg.PoolSize = s.cfg.Redis.PoolSize
		}
		if s.cfg.Redis.MinIdleConns > 0 {
			ccfg.MinIdleConns = s.cfg.Redis.MinIdleConns
		}
		if s.cfg.Store.KeyPrefix != "" {
			ccfg.KeyPrefix = s.cfg.Store.KeyPrefix
		}
		m, err := cache.NewManager(ccfg, s.logger)
		if err != nil {
			return b, fmt.Errorf("connect redis: %w", err)
		}
		s.cacheManager = m
		b.Redis = m.Client()
	}

	if s.cfg.UsesDatabase() {
		driver := s.cfg.Database.Driver
		pool, err := database.Open(s.cfg.Database, s.logger,
			database.WithStatsHook(func(st database.PoolStats) {
				s.collector.RecordDBConnections(driver, st.OpenConnections, st.Idle)
			}))
		if err != nil {
			return b, fmt.Errorf("open database: %w", err)
		}
		s.pool = pool
		if err := database.InstrumentQueries(pool.DB(), func(op string, d time.Duration) {
			s.collector.RecordDBQuery(driver, op, d)
		}); err != nil {
			return b, fmt.Errorf("instrument database: %w", err)
		}
		if s.cfg.Database.AutoMigrate {
			if err := s.migrate(ctx); err != nil {
				return b, err
			}
		}
		b.DB = pool.DB()
	}

	if s.cfg.Store.Type == string(persistence.StoreTypeMongo) {
		client, err := mongo.Connect(options.Client().ApplyURI(s.cfg.Mongo.URI))
		if err != nil {
			return b, fmt.Errorf("connect mongo: %w", err)
		}
		s.mongoClient = client
		b.Mongo = client
	}

	return b, nil
}

func (s *Server) migrate(ctx context.Context) error {
	m, err := migration.NewMigratorFromDatabaseConfig(s.cfg.Database, s.logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	s.logger.Info("database migrations applied")
	return nil
}

// buildStageRegistry 为每个配置的阶段类型绑定 HTTP 执行器
func (s *Server) buildStageRegistry() (*workflow.StageRegistry, error) {
	endpoints := make(map[workflow.StageType]stages.EndpointConfig, len(s.cfg.Stages))
	for name, sc := range s.cfg.Stages {
		st := workflow.StageType(name)
		if !st.Valid() {
			return nil, fmt.Errorf("unknown stage type %q in stages config", name)
		}
		endpoints[st] = stages.EndpointConfig{
			Endpoint:      sc.Endpoint,
			Timeout:       sc.Timeout,
			Headers:       sc.Headers,
			RatePerSecond: sc.RatePerSecond,
			Burst:         sc.Burst,
		}
	}

	reg := workflow.NewStageRegistry()
	if err := stages.Register(reg, endpoints, s.logger); err != nil {
		return nil, fmt.Errorf("register stage executors: %w", err)
	}
	if len(endpoints) == 0 {
		s.logger.Warn("no stage executors configured, runs will fail at their first step")
	}
	return reg, nil
}

// Handler 返回完整中间件链包装后的 API handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// =============================================================================
// 🚀 运行与关闭
// =============================================================================

// Run 同时运行 API 与 metrics 服务，ctx 结束后优雅关闭并等待后台运行让出
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("servers starting",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("checkpoint_store", s.cfg.Store.Type),
		zap.Bool("jwt", s.cfg.JWT.Enabled()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.httpManager.Run(gctx) })
	g.Go(func() error { return s.metricsManager.Run(gctx) })
	err := g.Wait()

	s.waitRuns(s.cfg.Server.ShutdownTimeout)
	return err
}

// waitRuns 等待进行中的步骤结束，超时后放弃；未完成的运行可从检查点恢复
func (s *Server) waitRuns(timeout time.Duration) {
	if s.runner == nil {
		return
	}
	if timeout <= 0 {
		timeout = server.DefaultConfig().ShutdownTimeout
	}
	done := make(chan struct{})
	go func() {
		s.runner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("background runs still active at shutdown", zap.Duration("waited", timeout))
	}
}

// Close 释放所有后端连接，可重复调用
func (s *Server) Close() {
	if s.stopLimiter != nil {
		s.stopLimiter()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if s.telemetry != nil {
		errs = append(errs, s.telemetry.Shutdown(ctx))
		s.telemetry = nil
	}
	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil && !errors.Is(err, cache.ErrClosed) {
			errs = append(errs, err)
		}
		s.cacheManager = nil
	}
	if s.pool != nil {
		errs = append(errs, s.pool.Close())
		s.pool = nil
	}
	if s.mongoClient != nil {
		errs = append(errs, s.mongoClient.Disconnect(ctx))
		s.mongoClient = nil
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("error while closing backends", zap.Error(err))
	}
}

// =============================================================================
// 🧭 路由
// =============================================================================

type routeHandlers struct {
	runs      *handlers.RunHandler
	workflows *handlers.WorkflowHandler
	health    *handlers.HealthHandler
}

// newRouter 注册所有路由；auth 非 nil 时保护 /v1 下的全部接口
func newRouter(h routeHandlers, auth Middleware) *http.ServeMux {
	v1 := http.NewServeMux()
	v1.HandleFunc("POST /v1/compile", h.workflows.HandleCompile)
	v1.HandleFunc("PUT /v1/workflows/{id}/versions/{version}", h.workflows.HandlePutDefinition)
	v1.HandleFunc("PUT /v1/workflows/{id}/policy", h.workflows.HandlePutPolicy)
	v1.HandleFunc("POST /v1/workflows/{id}/versions/{version}/runs", h.runs.HandleStartRun)
	v1.HandleFunc("GET /v1/runs/{id}", h.runs.HandleGetRun)
	v1.HandleFunc("POST /v1/runs/{id}/gate", h.runs.HandleGate)
	v1.HandleFunc("POST /v1/runs/{id}/cancel", h.runs.HandleCancel)

	var api http.Handler = v1
	if auth != nil {
		api = auth(v1)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", api)
	mux.HandleFunc("GET /health", h.health.HandleHealth)
	mux.HandleFunc("GET /ready", h.health.HandleReady)
	mux.HandleFunc("GET /version", h.health.HandleVersion(Version, BuildTime, GitCommit))
	return mux
}

// =============================================================================
// 📝 运行事件日志
// =============================================================================

// logSink 把运行事件写入结构化日志；错误只记录脱敏后的 ErrorRecord
type logSink struct {
	logger *zap.Logger
}

func newLogSink(logger *zap.Logger) logSink {
	return logSink{logger: logger.With(zap.String("component", "run_events"))}
}

func (s logSink) Emit(_ context.Context, ev workflow.RunEvent) {
	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.String("run_id", ev.RunID),
		zap.String("workflow_id", ev.WorkflowID),
		zap.String("status", string(ev.Status)),
	}
	if ev.NodeID != "" {
		fields = append(fields,
			zap.String("node_id", ev.NodeID),
			zap.String("stage_type", string(ev.StageType)),
			zap.Int("attempt", ev.Attempt),
		)
	}
	if ev.Duration > 0 {
		fields = append(fields, zap.Duration("duration", ev.Duration))
	}
	if ev.Error != nil {
		fields = append(fields,
			zap.String("error_kind", string(ev.Error.Kind)),
			zap.String("error_message", ev.Error.Message),
			zap.String("error_code", ev.Error.Code),
		)
	}

	switch ev.Type {
	case workflow.EventStepFailed, workflow.EventRunFailed, workflow.EventStepRetrying:
		s.logger.Warn("run event", fields...)
	case workflow.EventStepStarted, workflow.EventStepSucceeded, workflow.EventStepSkipped:
		s.logger.Debug("run event", fields...)
	default:
		s.logger.Info("run event", fields...)
	}
}
