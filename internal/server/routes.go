package server

import (
	"net/http"
)

// registerRoutes wires the OpenAI-batch-compatible subset spec.md §6 names. All paths
// are versioned under /v1 except the dead-letter re-drive, /health, /version,
// /debug/memstats and /admin/shutdown.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/debug/memstats", s.handleMemstats)
	mux.HandleFunc("/admin/shutdown", s.handleShutdown)

	mux.HandleFunc("/v1/files", s.handleFilesRoot)
	mux.HandleFunc("/v1/files/", s.routeFiles)

	mux.HandleFunc("/v1/batches", s.handleBatchesRoot)
	mux.HandleFunc("/v1/batches/", s.routeBatches)

	mux.HandleFunc("/webhooks/dead-letter/", s.routeWebhookDeadLetter)
}
