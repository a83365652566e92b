package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bobmcallan/batchd/internal/models"
)

// uploadTestInput writes a single-line valid input file through the real FileStore and
// returns its id.
func uploadTestInput(t *testing.T, filesCtx interface {
	PutInput(ctx context.Context, data []byte) (string, error)
}) string {
	t.Helper()
	line := `{"custom_id":"1","method":"POST","url":"/v1/chat/completions","body":{"model":"m"}}` + "\n"
	id, err := filesCtx.PutInput(context.Background(), []byte(line))
	if err != nil {
		t.Fatalf("PutInput: %v", err)
	}
	return id
}

func TestCreateBatch_Success(t *testing.T) {
	srv, a := newTestServer(t)
	fileID := uploadTestInput(t, a.Files)

	body, _ := json.Marshal(map[string]interface{}{
		"input_file_id":     fileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
		"model":             "test-model",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body))
	rec := testRequestRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != models.JobStatusPending {
		t.Errorf("status = %v, want %q", resp["status"], models.JobStatusPending)
	}
	if resp["batch_id"] == "" {
		t.Errorf("expected non-empty batch_id, got %v", resp)
	}
}

func TestCreateBatch_WithWebhook(t *testing.T) {
	srv, a := newTestServer(t)
	fileID := uploadTestInput(t, a.Files)

	body, _ := json.Marshal(map[string]interface{}{
		"input_file_id":     fileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
		"model":             "test-model",
		"webhook": map[string]interface{}{
			"url":    "https://example.com/hook",
			"secret": "shh",
			"events": []string{models.WebhookEventCompleted},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body))
	rec := testRequestRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestCreateBatch_InvalidWebhookEvent(t *testing.T) {
	srv, a := newTestServer(t)
	fileID := uploadTestInput(t, a.Files)

	body, _ := json.Marshal(map[string]interface{}{
		"input_file_id":     fileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
		"model":             "test-model",
		"webhook": map[string]interface{}{
			"url":    "https://example.com/hook",
			"events": []string{"not_a_real_event"},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body))
	rec := testRequestRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", rec.Code, rec.Body.String())
	}
}

func TestCreateBatch_MissingInputFile(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"input_file_id":     "does-not-exist",
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
		"model":             "test-model",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body))
	rec := testRequestRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", rec.Code, rec.Body.String())
	}
}

func TestListBatches(t *testing.T) {
	srv, a := newTestServer(t)
	fileID := uploadTestInput(t, a.Files)

	body, _ := json.Marshal(map[string]interface{}{
		"input_file_id":     fileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
		"model":             "test-model",
	})
	createReq := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body))
	srv.Handler().ServeHTTP(testRequestRecorder(), createReq)

	listReq := httptest.NewRequest(http.MethodGet, "/v1/batches?status=pending&limit=10", nil)
	rec := testRequestRecorder()
	srv.Handler().ServeHTTP(rec, listReq)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["count"].(float64) < 1 {
		t.Errorf("expected at least one batch listed, got %v", resp)
	}
}

func TestHandleBatchGet_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/batches/nope", nil)
	rec := testRequestRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleBatchCancel_PendingSucceeds(t *testing.T) {
	srv, a := newTestServer(t)
	fileID := uploadTestInput(t, a.Files)

	body, _ := json.Marshal(map[string]interface{}{
		"input_file_id":     fileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
		"model":             "test-model",
	})
	createReq := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body))
	createRec := testRequestRecorder()
	srv.Handler().ServeHTTP(createRec, createReq)

	var created map[string]interface{}
	json.Unmarshal(createRec.Body.Bytes(), &created)
	batchID := created["batch_id"].(string)

	cancelReq := httptest.NewRequest(http.MethodDelete, "/v1/batches/"+batchID, nil)
	cancelRec := testRequestRecorder()
	srv.Handler().ServeHTTP(cancelRec, cancelReq)

	if cancelRec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204, body=%s", cancelRec.Code, cancelRec.Body.String())
	}

	job, err := a.Catalog.GetJob(context.Background(), batchID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != models.JobStatusCancelled {
		t.Errorf("job status = %q, want %q", job.Status, models.JobStatusCancelled)
	}
}

func TestHandleBatchCancel_AlreadyCancelledConflicts(t *testing.T) {
	srv, a := newTestServer(t)
	fileID := uploadTestInput(t, a.Files)

	body, _ := json.Marshal(map[string]interface{}{
		"input_file_id":     fileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
		"model":             "test-model",
	})
	createReq := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body))
	createRec := testRequestRecorder()
	srv.Handler().ServeHTTP(createRec, createReq)

	var created map[string]interface{}
	json.Unmarshal(createRec.Body.Bytes(), &created)
	batchID := created["batch_id"].(string)

	srv.Handler().ServeHTTP(testRequestRecorder(), httptest.NewRequest(http.MethodDelete, "/v1/batches/"+batchID, nil))

	secondRec := testRequestRecorder()
	srv.Handler().ServeHTTP(secondRec, httptest.NewRequest(http.MethodDelete, "/v1/batches/"+batchID, nil))

	if secondRec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", secondRec.Code)
	}
}

func TestHandleBatchResults_NotTerminalConflicts(t *testing.T) {
	srv, a := newTestServer(t)
	fileID := uploadTestInput(t, a.Files)

	body, _ := json.Marshal(map[string]interface{}{
		"input_file_id":     fileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
		"model":             "test-model",
	})
	createReq := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body))
	createRec := testRequestRecorder()
	srv.Handler().ServeHTTP(createRec, createReq)

	var created map[string]interface{}
	json.Unmarshal(createRec.Body.Bytes(), &created)
	batchID := created["batch_id"].(string)

	resultsReq := httptest.NewRequest(http.MethodGet, "/v1/batches/"+batchID+"/results", nil)
	rec := testRequestRecorder()
	srv.Handler().ServeHTTP(rec, resultsReq)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleBatchFailed_EmptyList(t *testing.T) {
	srv, a := newTestServer(t)
	fileID := uploadTestInput(t, a.Files)

	body, _ := json.Marshal(map[string]interface{}{
		"input_file_id":     fileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
		"model":             "test-model",
	})
	createReq := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body))
	createRec := testRequestRecorder()
	srv.Handler().ServeHTTP(createRec, createReq)

	var created map[string]interface{}
	json.Unmarshal(createRec.Body.Bytes(), &created)
	batchID := created["batch_id"].(string)

	failedReq := httptest.NewRequest(http.MethodGet, "/v1/batches/"+batchID+"/failed", nil)
	rec := testRequestRecorder()
	srv.Handler().ServeHTTP(rec, failedReq)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}
