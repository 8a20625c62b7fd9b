// Copyright (c) ResearchFlow Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的数据库连接与连接池管理。

# 核心类型

  - PoolManager：检查点存储与目录存储共享的连接池，
    后台按 ProbeInterval 探活并记录连续失败次数（Healthy），
    每次探活后通过 WithStatsHook 上报快照。
  - PoolConfig：连接数上限、生命周期与探活间隔。
  - PoolStats：连接数、等待统计与健康状态快照。
  - QueryObserver：InstrumentQueries 注册在 GORM 回调链上的计时钩子。

# 驱动

Open 按 config.DatabaseConfig.Driver 选择方言：postgres、mysql
或 sqlite（github.com/glebarez/sqlite，纯 Go 实现，
连接池固定为单连接）。
*/
package database
