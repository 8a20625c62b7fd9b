// Copyright (c) ResearchFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 ResearchFlow HTTP API 的请求处理器实现。

# 概述

handlers 包把工作流编译器与运行器暴露为 JSON 接口，
并负责统一的响应封装、错误映射与健康检查。
所有 Handler 均遵循标准 net/http 接口，路由使用 Go 1.22 的方法与路径模式。

# 核心类型

  - RunHandler：启动、查询、审批与取消运行
  - WorkflowHandler：编译定义、注册定义版本与策略
  - HealthHandler：存活与就绪探针（/health, /ready）
  - RunService：运行器接口，由 *workflow.Runner 实现
  - Catalog：定义与策略的写入端
  - Response：统一 JSON 响应结构（success + data + error + timestamp）
  - ResponseWriter：包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - FromWorkflowError：编译期与运行期错误到 types.Error 的映射
  - 错误只返回安全消息与定义标识符，执行器原文不进入响应与日志
  - 审批人取自认证上下文（types.UserID），请求体不可指定
  - DecodeJSONBody：4 MB 上限 + DisallowUnknownFields
*/
package handlers
