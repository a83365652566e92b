package server

import (
	"net/http"

	"github.com/bobmcallan/batchd/internal/common"
)

// routeWebhookDeadLetter handles POST /webhooks/dead-letter/{id}/retry[?force=true]
// (spec.md §4.8) — a manual re-drive of an exhausted webhook delivery.
func (s *Server) routeWebhookDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := PathParam(r, "/webhooks/dead-letter/", "/retry")
	if id == "" {
		WriteError(w, http.StatusNotFound, "not found")
		return
	}
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	force := r.URL.Query().Get("force") == "true"

	err := s.app.Webhook.RetryDeadLetter(r.Context(), id, force)
	if err != nil {
		if _, ok := common.AsKindedError(err); ok {
			WriteKindedError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"retry_success": false,
			"forced":        force,
		})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"retry_success": true,
		"forced":        force,
	})
}
