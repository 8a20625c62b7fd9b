// Copyright (c) ResearchFlow Authors.
// Licensed under the MIT License.

// Package config 提供 ResearchFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → RESEARCHFLOW_ 前缀环境变量 的顺序叠加，
// Validate 校验端口、运行器参数、存储类型与阶段端点。
// Reloader 轮询配置文件并在变更后重新加载，供服务热更新日志级别。
package config
