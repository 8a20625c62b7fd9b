// Copyright (c) ResearchFlow Authors.
// Licensed under the MIT License.

/*
包 server 管理 researchflow serve 使用的 HTTP 服务器生命周期。

API 端口与 metrics 端口各由一个 Manager 持有：Start 非阻塞监听，
Run 阻塞到 ctx 结束后在 ShutdownTimeout 内优雅关闭，RegisterOnShutdown
用于在关闭时通知运行器停止接收新运行。配置了证书时使用
tlsutil.ServerTLSConfig 提供 HTTPS。
*/
package server
