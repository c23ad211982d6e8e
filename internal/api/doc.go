// Package api hosts the HTTP server, middleware, and REST handlers for
// operators. Notable routes:
//   - GET /healthz and /readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sites/{site_id}/jobs to trigger a capture.
//   - GET /v1/jobs/{job_id}, POST .../cancel and .../retry for job control.
//   - GET /v1/sources/{source_id}/verify to re-check preserved artifacts.
package api
