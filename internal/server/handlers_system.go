package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/bobmcallan/batchd/internal/common"
	"github.com/bobmcallan/batchd/internal/models"
)

// handleHealth handles GET/HEAD /health — the aggregated {worker, gpu, queue} liveness
// and readiness snapshot (spec.md §6).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	ctx := r.Context()

	hb, hbErr := s.app.Catalog.GetHeartbeat(ctx)
	if hb == nil {
		hb = &models.WorkerHeartbeat{}
	}
	workerStatus := "ok"
	if hbErr != nil || hb.LastSeen.IsZero() {
		workerStatus = "starting"
	} else if time.Since(hb.LastSeen) > s.app.Config.Scheduler.GetWorkerLivenessDeadline() {
		workerStatus = "stale"
	}

	gpuStats, gpuErr := s.app.GPU.Stats(ctx)
	gpuStatus := map[string]interface{}{}
	if gpuErr != nil {
		gpuStatus["error"] = gpuErr.Error()
	} else {
		gpuStatus["memory_percent"] = gpuStats.MemoryPercent
		gpuStatus["utilization_percent"] = gpuStats.UtilizationPercent
		gpuStatus["temperature_c"] = gpuStats.TemperatureC
		gpuStatus["free_bytes"] = gpuStats.FreeBytes
	}

	nonTerminal, _ := s.app.Catalog.CountNonTerminal(ctx)
	queuedRequests, _ := s.app.Catalog.SumQueuedRequests(ctx)

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"worker": map[string]interface{}{
			"status":    workerStatus,
			"last_seen": hb.LastSeen,
		},
		"gpu": gpuStatus,
		"queue": map[string]interface{}{
			"non_terminal_jobs": nonTerminal,
			"queued_requests":   queuedRequests,
		},
		"version": common.GetVersion(),
	})
}

// handleVersion handles GET/HEAD /version.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

// handleMemstats handles GET /debug/memstats — runtime memory diagnostics.
func (s *Server) handleMemstats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"heap_alloc_mb": float64(m.HeapAlloc) / 1024 / 1024,
		"heap_inuse_mb": float64(m.HeapInuse) / 1024 / 1024,
		"sys_mb":        float64(m.Sys) / 1024 / 1024,
		"num_gc":        m.NumGC,
	})
}

// handleShutdown handles POST /admin/shutdown (dev mode only).
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if s.app.Config.IsProduction() {
		WriteError(w, http.StatusForbidden, "Shutdown endpoint disabled in production")
		return
	}

	s.logger.Info().Msg("Shutdown requested via HTTP endpoint")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Shutting down gracefully...\n"))
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	if s.shutdownChan != nil {
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.shutdownChan <- struct{}{}
		}()
	}
}
