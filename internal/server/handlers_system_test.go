package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealth_Shape(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := testRequestRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	for _, key := range []string{"worker", "gpu", "queue", "version"} {
		if _, ok := resp[key]; !ok {
			t.Errorf("health response missing %q key: %v", key, resp)
		}
	}

	worker, ok := resp["worker"].(map[string]interface{})
	if !ok {
		t.Fatalf("worker field is not an object: %v", resp["worker"])
	}
	if worker["status"] != "ok" {
		t.Errorf("worker.status = %v, want ok (heartbeat was seeded fresh)", worker["status"])
	}
}

func TestHandleHealth_RejectsPost(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rec := testRequestRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestHandleVersion(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := testRequestRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleShutdown_ForbiddenInProduction(t *testing.T) {
	srv, a := newTestServer(t)
	a.Config.Environment = "production"

	req := httptest.NewRequest(http.MethodPost, "/admin/shutdown", nil)
	rec := testRequestRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}
