package database

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/researchflow/config"
)

// =============================================================================
// 🔌 按驱动打开连接
// =============================================================================

// Dialector 根据驱动名返回 GORM 方言
func Dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	dsn := cfg.DSN()
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlite":
		if dsn == "" {
			return nil, fmt.Errorf("sqlite requires database.name to be a file path")
		}
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Open 打开数据库并按配置创建连接池管理器
func Open(cfg config.DatabaseConfig, logger *zap.Logger, opts ...PoolOption) (*PoolManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	pool := DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		pool.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		pool.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	if pool.MaxIdleConns > pool.MaxOpenConns {
		pool.MaxIdleConns = pool.MaxOpenConns
	}
	// sqlite 只允许单写连接
	if cfg.Driver == "sqlite" {
		pool.MaxOpenConns = 1
		pool.MaxIdleConns = 1
		pool.ConnMaxLifetime = 0
		pool.ConnMaxIdleTime = 0
	}

	return NewPoolManager(db, pool, logger.With(zap.String("driver", cfg.Driver)), opts...)
}

// =============================================================================
// ⏱️ 查询耗时插件
// =============================================================================

// QueryObserver 接收每条语句的操作类型与耗时
type QueryObserver func(operation string, duration time.Duration)

const startTimeKey = "researchflow:query_start"

// InstrumentQueries 在 GORM 回调链上注册计时钩子
func InstrumentQueries(db *gorm.DB, observe QueryObserver) error {
	if observe == nil {
		return nil
	}

	before := func(tx *gorm.DB) {
		tx.InstanceSet(startTimeKey, time.Now())
	}
	after := func(operation string) func(*gorm.DB) {
		return func(tx *gorm.DB) {
			v, ok := tx.InstanceGet(startTimeKey)
			if !ok {
				return
			}
			if start, ok := v.(time.Time); ok {
				observe(operation, time.Since(start))
			}
		}
	}

	cb := db.Callback()
	if err := cb.Create().Before("gorm:create").Register("researchflow:before_create", before); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("researchflow:after_create", after("create")); err != nil {
		return err
	}
	if err := cb.Query().Before("gorm:query").Register("researchflow:before_query", before); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("researchflow:after_query", after("query")); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("researchflow:before_update", before); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("researchflow:after_update", after("update")); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:delete").Register("researchflow:before_delete", before); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:delete").Register("researchflow:after_delete", after("delete")); err != nil {
		return err
	}
	if err := cb.Raw().Before("gorm:raw").Register("researchflow:before_raw", before); err != nil {
		return err
	}
	return cb.Raw().After("gorm:raw").Register("researchflow:after_raw", after("raw"))
}
