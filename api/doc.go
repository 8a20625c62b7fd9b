// Copyright (c) ResearchFlow Authors.
// Licensed under the MIT License.

// Package api documents the ResearchFlow HTTP API. Handlers live in
// api/handlers; routes are assembled by cmd/researchflow.
//
// # API Overview
//
// ResearchFlow exposes a JSON API for:
//   - Compiling workflow definitions without persisting them
//   - Registering immutable definition versions and per-workflow policies
//   - Starting, inspecting and cancelling runs
//   - Releasing or rejecting human review gates
//   - Health, readiness and Prometheus metrics
//
// # Endpoints
//
//	POST /v1/compile                                JSON or YAML definition -> compiled plan
//	PUT  /v1/workflows/{id}/versions/{version}      register a definition version (201)
//	PUT  /v1/workflows/{id}/policy                  create or replace the policy
//	POST /v1/workflows/{id}/versions/{version}/runs start a run (202)
//	GET  /v1/runs/{id}                              run status; ?include=outputs adds step outputs
//	POST /v1/runs/{id}/gate                         {"decision":"approve|reject"} (202)
//	POST /v1/runs/{id}/cancel                       cancel a non-terminal run
//	GET  /health, /ready, /version                  probes and build info
//	GET  /metrics                                   Prometheus, served on the metrics port
//
// # Authentication
//
// When jwt.secret is configured every /v1 route requires a bearer token:
//
//	Authorization: Bearer <token>
//
// The token subject becomes the gate approver; a request body can never
// name one.
//
// # Responses
//
// Every /v1 response uses the envelope
//
//	{"success": true, "data": {...}, "timestamp": "...", "request_id": "..."}
//
// and failures carry {"error": {"code", "message", "details", "retryable"}}.
// Error details only ever contain definition identifiers such as node and
// edge ids; raw executor output is never returned.
package api
