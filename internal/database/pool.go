package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrPoolClosed is returned by Ping after Close.
var ErrPoolClosed = errors.New("database pool is closed")

const probeTimeout = 5 * time.Second

// =============================================================================
// 🗄️ 检查点存储使用的连接池
// =============================================================================

// PoolConfig 连接池参数
type PoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`

	// ProbeInterval 后台探活间隔，0 表示不探活
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval"`
}

// DefaultPoolConfig 适合单实例运行器的默认值：检查点写入是短事务，
// 并发度约等于同时推进的运行数
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:    8,
		MaxOpenConns:    32,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ProbeInterval:   15 * time.Second,
	}
}

// Validate reports every invalid field at once.
func (c PoolConfig) Validate() error {
	var errs []error
	if c.MaxOpenConns <= 0 {
		errs = append(errs, errors.New("max_open_conns must be positive"))
	}
	if c.MaxIdleConns <= 0 {
		errs = append(errs, errors.New("max_idle_conns must be positive"))
	}
	if c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		errs = append(errs, fmt.Errorf("max_idle_conns (%d) exceeds max_open_conns (%d)", c.MaxIdleConns, c.MaxOpenConns))
	}
	if c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0 || c.ProbeInterval < 0 {
		errs = append(errs, errors.New("pool durations must not be negative"))
	}
	return errors.Join(errs...)
}

// PoolStats 探活后上报的快照
type PoolStats struct {
	MaxOpenConnections  int           `json:"max_open_connections"`
	OpenConnections     int           `json:"open_connections"`
	InUse               int           `json:"in_use"`
	Idle                int           `json:"idle"`
	WaitCount           int64         `json:"wait_count"`
	WaitDuration        time.Duration `json:"wait_duration"`
	Healthy             bool          `json:"healthy"`
	ConsecutiveFailures int64         `json:"consecutive_failures"`
}

// PoolOption 连接池选项
type PoolOption func(*PoolManager)

// WithStatsHook 每次探活后回调，无论成功与否
func WithStatsHook(fn func(PoolStats)) PoolOption {
	return func(pm *PoolManager) { pm.statsHook = fn }
}

// PoolManager owns the gorm handle shared by the checkpoint and catalog
// stores and probes it in the background.
type PoolManager struct {
	db        *gorm.DB
	sqlDB     *sql.DB
	config    PoolConfig
	logger    *zap.Logger
	statsHook func(PoolStats)

	failures atomic.Int64

	mu      sync.RWMutex
	closed  bool
	stop    chan struct{}
	stopped chan struct{}
}

// NewPoolManager applies cfg to db's underlying sql.DB.
func NewPoolManager(db *gorm.DB, cfg PoolConfig, logger *zap.Logger, opts ...PoolOption) (*PoolManager, error) {
	if db == nil {
		return nil, errors.New("database: nil gorm handle")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("database: invalid pool config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database: unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pm := &PoolManager{
		db:      db,
		sqlDB:   sqlDB,
		config:  cfg,
		logger:  logger.With(zap.String("component", "db_pool")),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(pm)
	}

	if cfg.ProbeInterval > 0 {
		go pm.probeLoop()
	} else {
		close(pm.stopped)
	}

	pm.logger.Info("database pool ready",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
		zap.Duration("probe_interval", cfg.ProbeInterval),
	)
	return pm, nil
}

// DB 返回共享的 GORM 句柄
func (pm *PoolManager) DB() *gorm.DB {
	return pm.db
}

// Ping checks connectivity; used by the readiness probe.
func (pm *PoolManager) Ping(ctx context.Context) error {
	pm.mu.RLock()
	closed := pm.closed
	pm.mu.RUnlock()
	if closed {
		return ErrPoolClosed
	}
	return pm.sqlDB.PingContext(ctx)
}

// Healthy reports whether the last background probe succeeded.
func (pm *PoolManager) Healthy() bool {
	return pm.failures.Load() == 0
}

// Stats 当前连接池快照
func (pm *PoolManager) Stats() PoolStats {
	s := pm.sqlDB.Stats()
	failures := pm.failures.Load()
	return PoolStats{
		MaxOpenConnections:  s.MaxOpenConnections,
		OpenConnections:     s.OpenConnections,
		InUse:               s.InUse,
		Idle:                s.Idle,
		WaitCount:           s.WaitCount,
		WaitDuration:        s.WaitDuration,
		Healthy:             failures == 0,
		ConsecutiveFailures: failures,
	}
}

// Close stops probing and closes the pool. Repeated calls return nil.
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	if pm.closed {
		pm.mu.Unlock()
		return nil
	}
	pm.closed = true
	close(pm.stop)
	pm.mu.Unlock()

	<-pm.stopped
	pm.logger.Info("closing database pool")
	return pm.sqlDB.Close()
}

// =============================================================================
// 🏥 后台探活
// =============================================================================

func (pm *PoolManager) probeLoop() {
	defer close(pm.stopped)
	ticker := time.NewTicker(pm.config.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-pm.stop:
			return
		case <-ticker.C:
			pm.probe()
		}
	}
}

func (pm *PoolManager) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	err := pm.Ping(ctx)
	switch {
	case errors.Is(err, ErrPoolClosed):
		return
	case err != nil:
		n := pm.failures.Add(1)
		// 只在首次失败与恢复时记录，避免刷屏
		if n == 1 {
			pm.logger.Warn("checkpoint database unreachable", zap.Error(err))
		}
	default:
		if prev := pm.failures.Swap(0); prev > 0 {
			pm.logger.Info("checkpoint database reachable again", zap.Int64("failed_probes", prev))
		}
	}

	if pm.statsHook != nil {
		pm.statsHook(pm.Stats())
	}
}
