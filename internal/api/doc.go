// Package api hosts the HTTP server, middleware, and REST handlers for the
// capture service. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/captures to trigger a capture, synchronously or queued.
//   - GET /v1/captures/{target_id} for status polling and
//     GET /v1/captures/{target_id}/image for the cached photograph.
//   - DELETE /v1/captures/{target_id} to invalidate a cached image.
package api
