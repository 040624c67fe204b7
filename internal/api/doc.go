// Package api hosts the HTTP server, middleware, and handlers for the crawl
// scheduler. Notable routes:
//   - GET /crawl and POST /v1/crawl submit a crawl request.
//   - GET /queue_list and /cancel_queue/{spider}/{queue_id} inspect and trim
//     the deferred queues.
//   - GET /crawler_queue_check/{spider}/{job_id} is the completion callback.
//   - GET /jobs, /jobs/{job_id}, /cancel_job/{job_id} and
//     /logs/{spider}/{job_id} expose backend and ledger state.
//   - GET /healthz / readyz for Kubernetes probes and /metrics for Prometheus.
package api
