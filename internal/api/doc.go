// Package api hosts the HTTP server, middleware, and REST handlers. Routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET or POST /v1/scrape to run the pipeline once.
//   - GET /v1/articles to list stored articles, newest first.
package api
