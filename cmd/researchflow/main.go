// =============================================================================
// ResearchFlow 主入口
// =============================================================================
// 工作流执行服务入口点，包含 HTTP API、健康检查、Prometheus 指标与迁移工具
//
// 使用方法:
//
//	researchflow serve                       # 启动服务
//	researchflow serve --config config.yaml  # 指定配置文件
//	researchflow compile workflow.yaml       # 编译定义并输出执行计划
//	researchflow migrate up                  # 运行数据库迁移
//	researchflow migrate status              # 查看迁移状态
//	researchflow health                      # 健康检查
//	researchflow version                     # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/researchflow/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "compile":
		err = runCompile(os.Args[2:], os.Stdout)
	case "migrate":
		err = runMigrate(os.Args[2:], os.Stdout)
	case "health":
		err = runHealthCheck(os.Args[2:], os.Stdout)
	case "version":
		printVersion(os.Stdout)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	reloadInterval := fs.Duration("reload-interval", 5*time.Second, "Config file poll interval (0 disables reload)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, level := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting ResearchFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 仅日志级别支持热更新，其余配置需要重启
	if *configPath != "" && *reloadInterval > 0 {
		reloader, err := config.NewReloader(loader, *reloadInterval, logger)
		if err != nil {
			return err
		}
		reloader.OnReload(func(next *config.Config) {
			applyLogLevel(level, next.Log.Level, logger)
		})
		go reloader.Run(ctx)
	}

	srv, err := NewServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("ResearchFlow stopped")
	return nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	path := fs.String("path", "/ready", "Probe path (/health or /ready)")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Get(*addr + *path)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("health check failed: status %d: %s", resp.StatusCode, body)
	}

	fmt.Fprintln(out, "OK")
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(out io.Writer) {
	fmt.Fprintf(out, "ResearchFlow %s\n", Version)
	fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, `ResearchFlow - research workflow execution service

Usage:
  researchflow <command> [options]

Commands:
  serve     Start the ResearchFlow server
  compile   Compile a workflow definition file and print the plan
  migrate   Database migration commands
  health    Probe a running server
  version   Show version information
  help      Show this help message

Options for 'serve':
  --config <path>            Path to configuration file (YAML)
  --reload-interval <dur>    Config poll interval, 0 disables reload

Options for 'compile':
  --format json|yaml         Force the input format (default: by extension)

Migration subcommands:
  migrate up                 Apply all pending migrations
  migrate down [all]         Roll back the last (or every) migration
  migrate steps <n>          Apply (n>0) or roll back (n<0) n migrations
  migrate goto <v>           Migrate to a specific version
  migrate force <v>          Force set migration version
  migrate version            Show current migration version
  migrate status             Show migration status
  migrate info               Print migration info as JSON

Examples:
  researchflow serve --config /etc/researchflow/config.yaml
  researchflow compile literature-review.yaml
  researchflow migrate --config config.yaml up
  researchflow health --addr http://localhost:8080`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// initLogger 返回 logger 与可热更新的级别
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             level,
		Development:       cfg.Format == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger, level
}

func applyLogLevel(level zap.AtomicLevel, next string, logger *zap.Logger) {
	newLevel := parseLevel(next)
	if level.Level() == newLevel {
		return
	}
	level.SetLevel(newLevel)
	logger.Info("log level changed", zap.String("level", newLevel.String()))
}
