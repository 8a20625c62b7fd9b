// Copyright (c) ResearchFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、工作流运行、步骤、检查点、缓存与数据库六个维度。

# 概述

Collector 通过 promauto.With 注册到调用方提供的 Registerer
（为 nil 时使用默认 Registry），所有指标按 namespace 隔离。
Collector 实现 workflow.RunRecorder，可直接通过
workflow.WithRecorder 注入 Runner。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 运行指标：接纳数、终态数（按 status）、运行时长、审批等待次数、进行中运行数。
  - 步骤指标：按 stage_type/outcome 计数，耗时与重试次数。
  - 检查点指标：写入次数（ok/error）与写入耗时。
  - 缓存指标：InstrumentCompiledCache 包装编译计划缓存并记录命中/未命中。
  - 数据库指标：连接池 Gauge 与查询耗时 Histogram。
*/
package metrics
