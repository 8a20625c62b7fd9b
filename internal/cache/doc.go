// Copyright (c) ResearchFlow Authors.
// Licensed under the MIT License.

/*
包 cache 持有服务共享的 Redis 连接，并在其上实现编译计划缓存。

# 核心类型

  - Manager：管理 Redis 客户端生命周期（连接、健康检查、关闭），
    提供 Get/Set/Delete 基础操作；Client() 供 Redis 检查点存储复用连接池。
  - CompiledCache：workflow.CompiledCache 的 Redis 实现，
    以 <prefix>compiled:<workflowId>:<version> 为键存储 JSON 编码的
    CompiledWorkflow。定义版本不可变，因此条目无需失效，TTL 仅用于控制内存。
  - Config：地址、连接池、默认 TTL、键前缀与健康检查间隔。

# 错误语义

  - ErrCacheMiss：键不存在；CompiledCache 将其转换为 workflow.ErrCacheMiss。
  - ErrClosed：管理器已关闭。
*/
package cache
