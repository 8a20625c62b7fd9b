// Copyright (c) ResearchFlow Authors.
// Licensed under the MIT License.

// Package tlsutil 提供集中式 TLS 配置，供阶段执行器 HTTP 客户端、
// API 服务端与 Redis 连接共用（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
