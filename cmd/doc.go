// Package cmd defines and implements the CLI commands for the sitelens executable.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, job submission, and report retrieval endpoints.
//     Submitted URLs are normalized, mapped to a priority by weekly traffic, persisted to the status store, and
//     enqueued as analysis jobs.
//   - Queue & workers: jobs flow through the lease-based queue (in-memory or SQLite) into a fixed worker pool sized
//     by config.Worker.Concurrency. Each worker leases one job at a time, heartbeats while it runs, and either
//     completes the job with a report or fails it with a classified error. Transient failures are retried with
//     exponential backoff up to queue.max_attempts; a janitor requeues stalled jobs and trims terminal history.
//   - Extraction pipeline: an optional Colly-based probe checks reachability and robots policy before the Chromedp
//     extractor renders the page, captures a screenshot, and runs the DOM census that yields the design signals.
//   - Scoring & recommendations: dimension scorers turn signals into 0-100 scores, the recommendation generator
//     derives prioritized advice from the weakest dimensions, and the assembler folds both into the final report.
//   - Persistence & fanout: screenshots go to the configured blob store (memory/local/GCS), job status and reports
//     to the status store (memory/Postgres), and a compact completion event to the publisher (memory/Pub/Sub).
//     Progress checkpoints fan out through the progress hub to log, Prometheus, queue, and store sinks.
//   - Configuration & plumbing: Viper populates config from file and SITELENS_-prefixed env vars; zap provides
//     structured logging; Prometheus metrics are exported via the HTTP middleware and the /metrics handler.
//
// Operational notes:
//   - Concurrency model: fixed worker pool with a pool-wide lease rate limiter; the Chromedp extractor holds its
//     own parallelism semaphore. Shutdown is coordinated by context cancellation with a bounded drain, so SIGTERM
//     lets in-flight analyses finish before the process exits.
//   - Failure handling: errors carry a kind (timeout, network, blocked, ...) that decides retry vs permanent
//     failure. Lease expiry returns jobs to the queue; jobs that stall too often fail permanently.
//   - Observability: logs carry job IDs and URLs at every transition, queue depths and job outcomes are exported
//     as Prometheus series, and GET /jobs/{id} serves live progress for pollers.
//
// Quick checklist:
//   - Configure env vars: SITELENS_HTTP_ADDR, SITELENS_WORKER_CONCURRENCY, SITELENS_QUEUE_BACKEND (memory|sqlite),
//     SITELENS_STORAGE_STATUS_BACKEND (memory|postgres) with SITELENS_STORAGE_DSN, SITELENS_STORAGE_BLOB_BACKEND
//     (memory|local|gcs), and SITELENS_PUBLISHER_BACKEND (memory|pubsub) with project and topic.
//   - Run locally: go run . serve --config config.yaml (or rely solely on env overrides).
//   - One-shot: go run . analyze https://example.com prints the report JSON on stdout.
package cmd
