// Copyright (c) ResearchFlow Authors.
// Licensed under the MIT License.

/*
包 migration 管理检查点与工作流目录表的 Schema 版本，
支持 PostgreSQL、MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 内嵌在二进制中，覆盖
workflow_runs（运行检查点）、workflow_definitions（不可变定义版本）
与 workflow_policies（策略）三张表，列定义与 workflow/persistence
中的 GORM 模型一致。SQLite 使用纯 Go 的 glebarez 驱动，无需 CGO。

# 核心类型

  - Migrator：Up/Down/DownAll/Steps/Goto/Force/Version/Status/Info/Close。
  - DefaultMigrator：封装 golang-migrate 实例，日志转发到 zap，
    ctx 取消时在当前迁移完成后停止。
  - CLI：researchflow migrate 子命令的终端输出层，Run 负责参数分发。

# 工厂函数

  - NewMigratorFromConfig / NewMigratorFromDatabaseConfig：由应用配置
    拼接连接串；database.auto_migrate 为 true 时服务启动前自动执行 Up。
  - NewMigratorFromURL：直接使用连接串。
*/
package migration
