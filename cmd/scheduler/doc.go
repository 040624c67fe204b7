// Package main hosts the crawl scheduler service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts crawl requests (query string or JSON), completion callbacks from the
//     spiders, queue inspection/cancellation and a thin proxy over the execution backend (jobs, cancel, logs).
//   - Admission: internal/admission enqueues every validated request into the durable per-spider FIFO and dispatches
//     the queue head only when the backend reports no pending or running job of that spider type. A weighted
//     semaphore per spider type serializes the check-pop-dispatch sequence inside this process.
//   - Requeue: completion callbacks finalize the ledger row, optionally archive the job log, wait the configured
//     backoff and drain the spider's queue. A periodic sweep drains every spider type in case a callback was lost.
//   - Persistence: the deferred queue lives in SQLite (single writer, WAL); the job ledger is Postgres or memory.
//     Lifecycle events go to Pub/Sub when a project is configured.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler.
//
// Operational notes:
//   - Shutdown: SIGINT/SIGTERM stops the sweeper, drains the HTTP server, waits for in-flight callbacks until the
//     shutdown timeout and closes the stores.
//   - Cloud Run: the HTTP server listens on the configured port (overridable via PORT).
//
// Quick checklist:
//   - Configure env vars: SCHEDULER_BACKEND_BASE_URL, SCHEDULER_BACKEND_PROJECT, SCHEDULER_QUEUE_PATH,
//     SCHEDULER_LEDGER_PROVIDER/SCHEDULER_LEDGER_DSN, MAX_JOBDIR_LENGTH, SCHEDULER_PUBSUB_PROJECT_ID.
//   - Run locally: go run ./cmd/scheduler -config config.yaml (or rely solely on env overrides).
package main
