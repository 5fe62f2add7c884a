// Package http provides the inbound HTTP adapter of guard-proxy.
//
// The transport serves an OpenAI-compatible surface and hands every chat
// completion to the MediationService, which scans prompts and responses
// with the guardrail service before anything reaches the client.
//
// # Endpoints
//
//	POST /v1/chat/completions  - Mediated chat completion (JSON or SSE)
//	GET  /v1/models            - Backend model list, proxied unchanged
//	POST /chat/completions     - Same as above, for base URLs ending in /v1
//	GET  /models               - Same as above
//	GET  /health               - Component health as JSON
//	GET  /metrics              - Prometheus metrics
//
// # Control Headers
//
//	X-Enable-Guardrail: true|false  - Prompt and response scanning
//	X-Redact: true|false            - Prompt and response redaction
//	X-Scan-Prompt, X-Scan-Response, X-Redact-Prompt, X-Redact-Response
//	                                - Per-direction overrides, winning over the above
//
// Control headers are consumed by the proxy and never forwarded.
//
// # Middleware Chain
//
// Requests pass through middleware in this order:
//
//  1. MetricsMiddleware - Records duration and status
//  2. RequestIDMiddleware - Extracts or generates X-Request-ID, enriches the logger
//  3. RealIPMiddleware - Adds the client IP to the request logger
//  4. CORSMiddleware - Answers preflight requests, allows any origin
//  5. Handler - Chat completion or model listing
//
// # Refusals
//
// A blocked prompt or response is answered with the configured block status
// (403 by default) and an OpenAI-style error of type
// content_policy_violation. Streaming clients receive the same error as a
// single SSE event, so a refusal is never confused with a backend outage,
// which keeps the backend's own status or answers 502/504.
package http
