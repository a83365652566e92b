// Package webhook implements the webhook dispatcher (C10): HMAC-SHA256 request signing
// grounded on the teacher's channels.webhookChannel.Send (_examples/hazyhaar-chrc/channels/webhook.go),
// combined with the exponential-backoff retry loop of _examples/hazyhaar-chrc/domwatch/internal/sink/webhook.go,
// extended with dead-letter persistence on exhaustion and a manual re-drive path (spec.md §4.8).
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bobmcallan/batchd/internal/common"
	"github.com/bobmcallan/batchd/internal/interfaces"
	"github.com/bobmcallan/batchd/internal/models"
	"github.com/bobmcallan/batchd/internal/resulthandlers"
)

// outboundRatePerSecond caps total webhook POST volume (fresh deliveries and manual
// dead-letter re-drives share one limiter) so a burst of simultaneously-terminal jobs or a
// bulk dead-letter retry sweep cannot hammer a single downstream endpoint.
const outboundRatePerSecond = 20

// Payload is the minimum JSON body spec.md §4.8 requires for every delivery.
type Payload struct {
	Event             string            `json:"event"`
	BatchID           string            `json:"batch_id"`
	Status            string            `json:"status"`
	TotalRequests     int               `json:"total_requests"`
	CompletedRequests int               `json:"completed_requests"`
	FailedRequests    int               `json:"failed_requests"`
	Timestamp         time.Time         `json:"timestamp"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Dispatcher POSTs a signed JSON payload to a job's webhook_url with retry and exponential
// backoff, recording an exhausted delivery as a WebhookDeadLetter.
type Dispatcher struct {
	catalog         interfaces.Catalog
	client          *http.Client
	limiter         *rate.Limiter
	logger          *common.Logger
	backoffBase     time.Duration
	defaultRetry    int
	defaultTimeoutS int
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(catalog interfaces.Catalog, logger *common.Logger, cfg common.WebhookConfig) *Dispatcher {
	return &Dispatcher{
		catalog:         catalog,
		client:          &http.Client{},
		limiter:         rate.NewLimiter(rate.Limit(outboundRatePerSecond), outboundRatePerSecond),
		logger:          logger,
		backoffBase:     cfg.GetBackoffBase(),
		defaultRetry:    cfg.DefaultRetries,
		defaultTimeoutS: cfg.DefaultTimeoutS,
	}
}

// Name, Priority, Enabled, Handle, OnError implement resulthandlers.Handler — the built-in
// webhook handler spec.md §4.7 says is registered by default with priority >= 100.
func (d *Dispatcher) Name() string  { return "webhook" }
func (d *Dispatcher) Priority() int { return 100 }

func (d *Dispatcher) Enabled(context.Context) bool { return true }

func (d *Dispatcher) Handle(ctx context.Context, event resulthandlers.Event) error {
	job, err := d.catalog.GetJob(ctx, event.JobID)
	if err != nil {
		return fmt.Errorf("failed to reload job %s for webhook dispatch: %w", event.JobID, err)
	}
	if job == nil {
		return fmt.Errorf("job %s not found for webhook dispatch", event.JobID)
	}

	webhookEvent := models.WebhookEventCompleted
	if job.Status == models.JobStatusFailed {
		webhookEvent = models.WebhookEventFailed
	}
	if !job.WantsWebhookEvent(webhookEvent) {
		return nil
	}

	return d.Deliver(ctx, job, webhookEvent)
}

func (d *Dispatcher) OnError(err error) {
	d.logger.Error().Err(err).Msg("Webhook dispatch failed terminally")
}

// Deliver signs and POSTs one payload, retrying with exponential backoff up to the job's
// configured (or default) retry count, and persists a dead-letter on exhaustion.
func (d *Dispatcher) Deliver(ctx context.Context, job *models.BatchJob, event string) error {
	payload := Payload{
		Event:             event,
		BatchID:           job.ID,
		Status:            job.Status,
		TotalRequests:     job.TotalRequests,
		CompletedRequests: job.CompletedRequests,
		FailedRequests:    job.FailedRequests,
		Timestamp:         time.Now(),
		Metadata:          job.Metadata,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	maxRetries := job.WebhookRetries
	if maxRetries <= 0 {
		maxRetries = d.defaultRetry
	}
	timeoutS := job.WebhookTimeoutS
	if timeoutS <= 0 {
		timeoutS = d.defaultTimeoutS
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 {
			backoff := d.backoffBase * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutS)*time.Second)
		err := d.attempt(reqCtx, job, body)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		d.logger.Warn().Err(err).Str("job_id", job.ID).Int("attempt", attempts).Msg("Webhook delivery attempt failed")
	}

	dl := &models.WebhookDeadLetter{
		ID:           "dlq-" + uuid.New().String(),
		JobID:        job.ID,
		URL:          job.WebhookURL,
		Event:        event,
		PayloadBytes: body,
		ErrorMessage: lastErr.Error(),
		AttemptCount: attempts,
		CreatedAt:    time.Now(),
	}
	if insertErr := d.catalog.InsertWebhookDeadLetter(ctx, dl); insertErr != nil {
		d.logger.Error().Err(insertErr).Str("job_id", job.ID).Msg("Failed to persist webhook dead letter")
	}
	return common.WrapError(common.ErrWebhookDeliveryFailed, lastErr, "webhook delivery exhausted %d attempts", attempts)
}

// attempt performs one signed POST. The signature is recomputed fresh on every call so a
// retry's signature always matches the exact bytes being sent.
func (d *Dispatcher) attempt(ctx context.Context, job *models.BatchJob, body []byte) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	signPayload(req, job.WebhookSecret, body)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// signPayload sets X-Webhook-Timestamp to a fresh Unix-seconds value and, when secret is
// set, X-Webhook-Signature to the hex HMAC-SHA256 over body. Both must be set on every
// attempt, never hoisted outside the retry loop (spec.md §4.8, §8 property 7), so a replay
// of a stale attempt is rejected by a verifier enforcing a freshness window.
func signPayload(req *http.Request, secret string, body []byte) {
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	if secret == "" {
		return
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	req.Header.Set("X-Webhook-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
}

// RetryDeadLetter manually re-drives a dead-lettered delivery (the API surface's
// POST /webhooks/dead-letter/{id}/retry[?force] operation, spec.md §4.8). A dead letter
// whose retry already succeeded is rejected with already_retried unless force is set.
func (d *Dispatcher) RetryDeadLetter(ctx context.Context, dlID string, force bool) error {
	dl, err := d.catalog.GetWebhookDeadLetter(ctx, dlID)
	if err != nil {
		return fmt.Errorf("failed to load dead letter %s: %w", dlID, err)
	}
	if dl == nil {
		return fmt.Errorf("dead letter %s not found", dlID)
	}
	if dl.RetrySuccess && !force {
		return common.NewError(common.ErrAlreadyRetried, "dead letter %s was already retried successfully", dlID)
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dl.URL, bytes.NewReader(dl.PayloadBytes))
	if err != nil {
		return fmt.Errorf("failed to build retry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	job, jobErr := d.catalog.GetJob(ctx, dl.JobID)
	secret := ""
	if jobErr == nil && job != nil {
		secret = job.WebhookSecret
	}
	signPayload(req, secret, dl.PayloadBytes)

	resp, err := d.client.Do(req)
	success := err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300
	if resp != nil {
		resp.Body.Close()
	}

	if markErr := d.catalog.MarkDeadLetterRetried(ctx, dlID, success, force, time.Now()); markErr != nil {
		d.logger.Warn().Err(markErr).Str("dead_letter_id", dlID).Msg("Failed to record dead letter retry outcome")
	}
	if !success {
		if err == nil {
			err = fmt.Errorf("retry returned non-2xx status")
		}
		return fmt.Errorf("manual webhook retry failed: %w", err)
	}
	return nil
}

var _ resulthandlers.Handler = (*Dispatcher)(nil)
