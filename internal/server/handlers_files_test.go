package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleFilesRoot_RawBodyUpload(t *testing.T) {
	srv, _ := newTestServer(t)

	body := []byte(`{"custom_id":"1","method":"POST","url":"/v1/chat/completions","body":{"model":"m"}}` + "\n")
	req := httptest.NewRequest(http.MethodPost, "/v1/files", bytes.NewReader(body))
	rec := testRequestRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["id"] == "" || resp["id"] == nil {
		t.Errorf("expected non-empty file id in response, got %v", resp)
	}
}

func TestHandleFilesRoot_MultipartUpload(t *testing.T) {
	srv, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormField("purpose")
	if err != nil {
		t.Fatalf("CreateFormField: %v", err)
	}
	part.Write([]byte("batch"))

	fw, err := mw.CreateFormFile("file", "input.jsonl")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte(`{"custom_id":"1","method":"POST","url":"/v1/chat/completions","body":{"model":"m"}}` + "\n"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := testRequestRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleFilesRoot_EmptyBodyRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/files", bytes.NewReader(nil))
	rec := testRequestRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleFileContent_RoundTrip(t *testing.T) {
	srv, a := newTestServer(t)

	content := []byte("hello jsonl\n")
	fileID, err := a.Files.PutInput(context.Background(), content)
	if err != nil {
		t.Fatalf("PutInput: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/files/"+fileID+"/content", nil)
	rec := testRequestRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), content) {
		t.Errorf("body = %q, want %q", rec.Body.Bytes(), content)
	}
}

func TestHandleFileContent_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/files/does-not-exist/content", nil)
	rec := testRequestRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
