package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobmcallan/batchd/internal/catalog/badger"
	"github.com/bobmcallan/batchd/internal/common"
	"github.com/bobmcallan/batchd/internal/models"
	"github.com/bobmcallan/batchd/internal/resulthandlers"
)

func newTestCatalog(t *testing.T) *badger.Catalog {
	t.Helper()
	cat, err := badger.NewCatalog(common.NewSilentLogger(), t.TempDir())
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat
}

func fastWebhookConfig() common.WebhookConfig {
	return common.WebhookConfig{DefaultRetries: 2, DefaultTimeoutS: 5, BackoffBase: "1ms"}
}

func TestDeliver_SignsRequestWithHMAC(t *testing.T) {
	var gotSig, gotTimestamp string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotTimestamp = r.Header.Get("X-Webhook-Timestamp")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cat := newTestCatalog(t)
	d := NewDispatcher(cat, common.NewSilentLogger(), fastWebhookConfig())

	job := &models.BatchJob{ID: "job-1", WebhookURL: srv.URL, WebhookSecret: "s3cr3t", Status: models.JobStatusCompleted}
	if err := d.Deliver(context.Background(), job, models.WebhookEventCompleted); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	if gotSig == "" {
		t.Error("expected a signature header when a secret is configured")
	}
	if gotTimestamp == "" {
		t.Error("expected a timestamp header on every attempt")
	}
}

func TestDeliver_NoSignatureWithoutSecret(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cat := newTestCatalog(t)
	d := NewDispatcher(cat, common.NewSilentLogger(), fastWebhookConfig())

	job := &models.BatchJob{ID: "job-1", WebhookURL: srv.URL, Status: models.JobStatusCompleted}
	if err := d.Deliver(context.Background(), job, models.WebhookEventCompleted); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if gotSig != "" {
		t.Errorf("expected no signature header without a secret, got %q", gotSig)
	}
}

func TestDeliver_RetriesThenDeadLettersOnExhaustion(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cat := newTestCatalog(t)
	d := NewDispatcher(cat, common.NewSilentLogger(), fastWebhookConfig())

	job := &models.BatchJob{ID: "job-1", WebhookURL: srv.URL, Status: models.JobStatusCompleted, WebhookRetries: 2}
	err := d.Deliver(context.Background(), job, models.WebhookEventCompleted)
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3 (1 initial + 2 retries)", got)
	}

	dls, err := cat.ListWebhookDeadLetters(context.Background())
	if err != nil {
		t.Fatalf("ListWebhookDeadLetters: %v", err)
	}
	if len(dls) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dls))
	}
	if dls[0].AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", dls[0].AttemptCount)
	}
}

func TestDeliver_SucceedsOnSecondAttempt(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cat := newTestCatalog(t)
	d := NewDispatcher(cat, common.NewSilentLogger(), fastWebhookConfig())

	job := &models.BatchJob{ID: "job-1", WebhookURL: srv.URL, Status: models.JobStatusCompleted}
	if err := d.Deliver(context.Background(), job, models.WebhookEventCompleted); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	dls, err := cat.ListWebhookDeadLetters(context.Background())
	if err != nil {
		t.Fatalf("ListWebhookDeadLetters: %v", err)
	}
	if len(dls) != 0 {
		t.Errorf("expected no dead letter after an eventual success, got %d", len(dls))
	}
}

func TestHandle_SkipsDeliveryForUnsubscribedEvent(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cat := newTestCatalog(t)
	d := NewDispatcher(cat, common.NewSilentLogger(), fastWebhookConfig())

	job := &models.BatchJob{
		ID: "job-1", WebhookURL: srv.URL, Status: models.JobStatusCompleted,
		WebhookEvents: []string{models.WebhookEventFailed},
	}
	if err := cat.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	event := resulthandlers.EventFromJob(job)
	if err := d.Handle(context.Background(), event); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if called {
		t.Error("expected no delivery for an event the job did not subscribe to")
	}
}

func TestRetryDeadLetter_UnknownIDFails(t *testing.T) {
	cat := newTestCatalog(t)
	d := NewDispatcher(cat, common.NewSilentLogger(), fastWebhookConfig())

	if err := d.RetryDeadLetter(context.Background(), "missing", false); err == nil {
		t.Fatal("expected error for unknown dead letter id")
	}
}

func TestRetryDeadLetter_RejectsAlreadyRetriedWithoutForce(t *testing.T) {
	cat := newTestCatalog(t)
	d := NewDispatcher(cat, common.NewSilentLogger(), fastWebhookConfig())

	dl := &models.WebhookDeadLetter{ID: "dl-1", JobID: "job-1", URL: "http://example.invalid", RetrySuccess: true, CreatedAt: time.Now()}
	if err := cat.InsertWebhookDeadLetter(context.Background(), dl); err != nil {
		t.Fatalf("InsertWebhookDeadLetter: %v", err)
	}

	err := d.RetryDeadLetter(context.Background(), "dl-1", false)
	if err == nil {
		t.Fatal("expected already_retried error")
	}
	kerr, ok := common.AsKindedError(err)
	if !ok || kerr.Kind != common.ErrAlreadyRetried {
		t.Errorf("expected ErrAlreadyRetried, got %v", err)
	}
}

func TestRetryDeadLetter_ForceRedrivesAndRecordsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cat := newTestCatalog(t)
	d := NewDispatcher(cat, common.NewSilentLogger(), fastWebhookConfig())

	dl := &models.WebhookDeadLetter{ID: "dl-1", JobID: "job-1", URL: srv.URL, PayloadBytes: []byte(`{}`), RetrySuccess: true, CreatedAt: time.Now()}
	if err := cat.InsertWebhookDeadLetter(context.Background(), dl); err != nil {
		t.Fatalf("InsertWebhookDeadLetter: %v", err)
	}

	if err := d.RetryDeadLetter(context.Background(), "dl-1", true); err != nil {
		t.Fatalf("forced RetryDeadLetter failed: %v", err)
	}

	updated, err := cat.GetWebhookDeadLetter(context.Background(), "dl-1")
	if err != nil {
		t.Fatalf("GetWebhookDeadLetter: %v", err)
	}
	if !updated.Forced {
		t.Error("expected Forced to be recorded on the dead letter row")
	}
}
