// Package api hosts the operator HTTP surface of a crawl run. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings the queue store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for per-status queue counts.
//   - GET /v1/entries?url=... to inspect one queue entry.
//   - POST /v1/entries to enqueue book URLs while a crawl is running.
package api
