// Copyright (c) ResearchFlow Authors.
// Licensed under the MIT License.

/*
Package persistence 为工作流执行核心提供持久化后端。

# 概述

本包实现 workflow 包中定义的 CheckpointStore、DefinitionStore 与
PolicyStore 接口。所有检查点后端都遵循同一契约：Save 仅在存储中的
版本等于 expectedVersion 时写入（0 表示运行尚不存在），并返回新版本；
否则返回 workflow.ErrVersionConflict，且不产生部分写入。

# 后端实现

  - Redis: WATCH + MULTI/EXEC 乐观事务，按工作流维护活跃运行集合，
    适合分布式部署。
  - Database: 基于 GORM 的 SQL 实现（PostgreSQL / MySQL / SQLite），
    以 "WHERE version = ?" 条件更新完成版本检查；GormCatalog 存储
    版本化的工作流定义与策略。
  - Mongo: 以 {_id, version} 为过滤条件的条件更新。
  - Memory: 直接使用 workflow 包中的内存实现，适合开发与测试。

# 使用方式

通过工厂函数按配置组装存储：

	stores, err := persistence.New(cfg, persistence.Backends{Redis: client, DB: db}, logger)
	runner := workflow.NewRunner(registry, stores.Checkpoints, stores.Definitions, stores.Policies, logger)
*/
package persistence
