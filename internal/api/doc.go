// Package api hosts the HTTP server, middleware, and the REST and WebSocket
// handlers for job intake. Notable routes:
//   - GET|HEAD /health and GET /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /translate and GET /translate/{job_id} for job submission and polling.
//   - GET /translate/{job_id}/export for spreadsheet downloads.
//   - GET /ws for realtime submission and result push.
//   - GET /api/runs and /api/runs/{job_id}/hosts for run history via the
//     RunRepository interface.
package api
