// Package api hosts the HTTP server, middleware, and REST handlers for
// submitting and observing analyses. Notable routes:
//   - POST /analyze to submit a URL for asynchronous analysis.
//   - GET /jobs/{jobID} and GET /reports/{jobID} for status and results.
//   - GET /queue/stats and POST /queue/retry/{jobID} for operators.
//   - GET /health and GET /metrics for probes and Prometheus scraping.
package api
