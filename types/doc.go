// Copyright (c) ResearchFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 ResearchFlow 的全局共享类型定义。

types 是最底层的公共包，不依赖任何内部包，为 api 与 cmd 提供统一契约。

# 核心类型

  - Error / ErrorCode：HTTP API 的结构化错误，HTTPStatusFor 给出各错误码的
    默认状态码。Cause 只进入日志，不返回给客户端。
  - Context 传播：WithTraceID / WithRequestID / WithUserID / WithRoles /
    WithRunID 及对应读取函数。审批人身份由 JWT 中间件写入 UserID。
*/
package types
