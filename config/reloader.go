// 配置文件变更重载。
//
// 以轮询方式检测配置文件修改时间，重新走一遍 Loader 流程并校验，
// 成功后把新配置交给回调；失败时保留旧配置并记录日志。
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reloader 轮询配置文件并在变更时重新加载
type Reloader struct {
	loader   *Loader
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	lastMod   time.Time
	callbacks []func(*Config)
}

// NewReloader 基于已设置 WithConfigPath 的 loader 创建重载器
func NewReloader(loader *Loader, interval time.Duration, logger *zap.Logger) (*Reloader, error) {
	if loader.configPath == "" {
		return nil, fmt.Errorf("reloader requires a config path")
	}
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reloader{
		loader:   loader,
		interval: interval,
		logger:   logger.With(zap.String("component", "config_reloader")),
	}
	if info, err := os.Stat(loader.configPath); err == nil {
		r.lastMod = info.ModTime()
	}
	return r, nil
}

// OnReload 注册重载回调
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Run 阻塞轮询直到 ctx 结束
func (r *Reloader) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("config reloader started",
		zap.String("path", r.loader.configPath),
		zap.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Check(); err != nil {
				r.logger.Warn("config reload rejected, keeping previous config", zap.Error(err))
			}
		}
	}
}

// Check 检查一次文件，发生变更且新配置有效时返回 true
func (r *Reloader) Check() (bool, error) {
	info, err := os.Stat(r.loader.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	r.mu.Lock()
	if !info.ModTime().After(r.lastMod) {
		r.mu.Unlock()
		return false, nil
	}
	r.lastMod = info.ModTime()
	r.mu.Unlock()

	cfg, err := r.loader.Load()
	if err != nil {
		return false, err
	}
	if err := cfg.Validate(); err != nil {
		return false, err
	}

	r.mu.Lock()
	callbacks := make([]func(*Config), len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()

	r.logger.Info("config reloaded", zap.String("path", r.loader.configPath))
	for _, cb := range callbacks {
		cb(cfg)
	}
	return true, nil
}
