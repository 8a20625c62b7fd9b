// Copyright (c) ResearchFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 ResearchFlow 服务端程序入口。

# 概述

cmd/researchflow 是工作流执行服务的可执行入口，提供 HTTP API、
定义编译、数据库迁移、健康检查和版本查询等子命令。程序支持 YAML 配置
文件与 RESEARCHFLOW_ 环境变量、结构化日志（zap）、Prometheus 指标、
OpenTelemetry 追踪以及日志级别热更新。

# 核心类型

  - Server：按配置连接 Redis / SQL / MongoDB，组装运行器与 API，管理 API 与 Metrics 双端口
  - Middleware：HTTP 中间件函数签名 func(http.Handler) http.Handler
  - logSink：把运行事件写入结构化日志，只记录脱敏后的错误

# 主要能力

  - 子命令：serve、compile、migrate、health、version
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、Metrics、
    RequestLogger、CORS、RateLimiter（基于 IP）
  - JWTAuth：配置密钥或公钥后保护全部 /v1 接口，令牌 sub 作为审批人
  - 优雅关闭：信号 → 关闭 HTTP 与 Metrics → 限时等待后台运行 → 释放后端连接
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
