package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bobmcallan/batchd/internal/admission"
	"github.com/bobmcallan/batchd/internal/common"
	"github.com/bobmcallan/batchd/internal/models"
)

// webhookSpec is the nested `webhook` object spec.md §6 accepts on POST /v1/batches.
type webhookSpec struct {
	URL      string   `json:"url"`
	Secret   string   `json:"secret,omitempty"`
	Events   []string `json:"events,omitempty"`
	Retries  int      `json:"retries,omitempty"`
	TimeoutS int      `json:"timeout_s,omitempty"`
}

// batchRequest is the JSON body for POST /v1/batches (spec.md §6).
type batchRequest struct {
	InputFileID      string            `json:"input_file_id"`
	Endpoint         string            `json:"endpoint"`
	CompletionWindow string            `json:"completion_window"`
	Model            string            `json:"model"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Webhook          *webhookSpec      `json:"webhook,omitempty"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
}

// routeBatches dispatches /v1/batches/{id}, /v1/batches/{id}/results and
// /v1/batches/{id}/failed.
func (s *Server) routeBatches(w http.ResponseWriter, r *http.Request) {
	const prefix = "/v1/batches/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	if rest == r.URL.Path {
		WriteError(w, http.StatusNotFound, "not found")
		return
	}

	if id, ok := strings.CutSuffix(rest, "/results"); ok && id != "" {
		s.handleBatchResults(w, r, id)
		return
	}
	if id, ok := strings.CutSuffix(rest, "/failed"); ok && id != "" {
		s.handleBatchFailed(w, r, id)
		return
	}

	id := rest
	if id == "" {
		s.handleBatchesRoot(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleBatchGet(w, r, id)
	case http.MethodDelete:
		s.handleBatchCancel(w, r, id)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleBatchesRoot handles POST /v1/batches (create) and GET /v1/batches (list).
func (s *Server) handleBatchesRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createBatch(w, r)
	case http.MethodGet:
		s.listBatches(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if !DecodeJSON(w, r, &body) {
		return
	}

	sub := admission.Submission{
		Model:       body.Model,
		InputFileID: body.InputFileID,
		ExpiresAt:   body.ExpiresAt,
		Metadata:    body.Metadata,
	}
	if body.Webhook != nil {
		for _, ev := range body.Webhook.Events {
			if !models.ValidWebhookEvents[ev] {
				WriteErrorWithCode(w, http.StatusBadRequest, "invalid webhook event: "+ev, string(common.ErrInvalidInput))
				return
			}
		}
		sub.WebhookURL = body.Webhook.URL
		sub.WebhookSecret = body.Webhook.Secret
		sub.WebhookEvents = body.Webhook.Events
		sub.WebhookRetries = body.Webhook.Retries
		sub.WebhookTimeoutS = body.Webhook.TimeoutS
	}

	job, err := s.app.Admission.Admit(r.Context(), sub)
	if err != nil {
		WriteKindedError(w, err)
		return
	}

	nonTerminal, err := s.app.Catalog.CountNonTerminal(r.Context())
	if err != nil {
		nonTerminal = 0
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"batch_id":       job.ID,
		"status":         job.Status,
		"total_requests": job.TotalRequests,
		"queue_position": nonTerminal,
	})
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}

	jobs, err := s.app.Catalog.ListJobs(r.Context(), status, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list batches: "+err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"batches": jobs, "count": len(jobs)})
}

// handleBatchGet handles GET /v1/batches/{id}.
func (s *Server) handleBatchGet(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.app.Catalog.GetJob(r.Context(), id)
	if err != nil {
		WriteErrorWithCode(w, http.StatusNotFound, "batch not found: "+err.Error(), string(common.ErrInvalidInput))
		return
	}
	if job == nil {
		WriteErrorWithCode(w, http.StatusNotFound, "batch not found: "+id, string(common.ErrInvalidInput))
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// handleBatchResults handles GET /v1/batches/{id}/results — returns the output JSONL once
// the job has reached a terminal state.
func (s *Server) handleBatchResults(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	job, err := s.app.Catalog.GetJob(r.Context(), id)
	if err != nil {
		WriteErrorWithCode(w, http.StatusNotFound, "batch not found: "+err.Error(), string(common.ErrInvalidInput))
		return
	}
	if job == nil {
		WriteErrorWithCode(w, http.StatusNotFound, "batch not found: "+id, string(common.ErrInvalidInput))
		return
	}
	if !models.IsTerminal(job.Status) {
		WriteErrorWithCode(w, http.StatusConflict, "batch "+id+" has not finished running", string(common.ErrCancelled))
		return
	}
	if job.OutputFileID == "" {
		WriteErrorWithCode(w, http.StatusNotFound, "batch "+id+" produced no output file", string(common.ErrInvalidInput))
		return
	}

	data, err := s.app.Files.Get(r.Context(), job.OutputFileID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to read output file: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/jsonl")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleBatchFailed handles GET /v1/batches/{id}/failed — the per-request failure ledger.
func (s *Server) handleBatchFailed(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	failed, err := s.app.Catalog.ListFailedRequests(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list failed requests: "+err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"data": failed})
}

// handleBatchCancel handles DELETE /v1/batches/{id}. Only a pending job can be cancelled;
// an in_progress or terminal job returns 409 (spec.md §9 open question 1).
func (s *Server) handleBatchCancel(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.app.Catalog.GetJob(r.Context(), id)
	if err != nil {
		WriteErrorWithCode(w, http.StatusNotFound, "batch not found: "+err.Error(), string(common.ErrInvalidInput))
		return
	}
	if job == nil {
		WriteErrorWithCode(w, http.StatusNotFound, "batch not found: "+id, string(common.ErrInvalidInput))
		return
	}

	if job.Status != models.JobStatusPending {
		WriteErrorWithCode(w, http.StatusConflict,
			"batch is "+job.Status+", only a pending batch can be cancelled", string(common.ErrCancelled))
		return
	}

	ok, err := s.app.Catalog.CasJobStatus(r.Context(), id, models.JobStatusPending, models.JobStatusCancelled)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to cancel batch: "+err.Error())
		return
	}
	if !ok {
		WriteErrorWithCode(w, http.StatusConflict, "batch is no longer pending", string(common.ErrCancelled))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
