// Package api hosts the operator HTTP server that runs alongside a harvest. Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress and /v1/progress/{source} for the live run snapshot.
package api
