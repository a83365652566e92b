// Package models defines the persisted and wire data shapes for batchd.
package models

import "time"

// Job status constants. Transitions: validating->pending->in_progress->{completed,failed,cancelled};
// pending->cancelled; {validating,pending}->expired once expires_at has passed (an in_progress
// job is never expired).
const (
	JobStatusValidating = "validating"
	JobStatusPending    = "pending"
	JobStatusInProgress = "in_progress"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
	JobStatusExpired    = "expired"
)

// IsTerminal reports whether status is one of the sink states.
func IsTerminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusExpired:
		return true
	default:
		return false
	}
}

// WebhookEvent names the terminal/progress events a webhook subscription can filter on.
const (
	WebhookEventCompleted = "completed"
	WebhookEventFailed    = "failed"
	WebhookEventProgress  = "progress"
)

// ValidWebhookEvents is the closed set §4.8 validates subscription events against.
var ValidWebhookEvents = map[string]bool{
	WebhookEventCompleted: true,
	WebhookEventFailed:    true,
	WebhookEventProgress:  true,
}

// BatchJob is the durable record for one client-submitted batch of chat-completion requests.
type BatchJob struct {
	ID                string     `json:"id"`
	Model             string     `json:"model"`
	InputFileID       string     `json:"input_file_id"`
	OutputFileID      string     `json:"output_file_id,omitempty"`
	Status            string     `json:"status"`
	TotalRequests     int        `json:"total_requests"`
	CompletedRequests int        `json:"completed_requests"`
	FailedRequests    int        `json:"failed_requests"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ExpiresAt         time.Time  `json:"expires_at"`

	WebhookURL       string   `json:"webhook_url,omitempty"`
	WebhookSecret    string   `json:"webhook_secret,omitempty"`
	WebhookEvents    []string `json:"webhook_events,omitempty"` // nil = all events
	WebhookRetries   int      `json:"webhook_retries,omitempty"`
	WebhookTimeoutS  int      `json:"webhook_timeout_s,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// WantsWebhookEvent reports whether this job's subscription matches the given terminal event.
func (j *BatchJob) WantsWebhookEvent(event string) bool {
	if j.WebhookURL == "" {
		return false
	}
	if len(j.WebhookEvents) == 0 {
		return true
	}
	for _, e := range j.WebhookEvents {
		if e == event {
			return true
		}
	}
	return false
}

// FailedRequest records one per-request failure within a job's execution. Append-only.
type FailedRequest struct {
	JobID        string    `json:"job_id"`
	CustomID     string    `json:"custom_id"`
	ErrorKind    string    `json:"error_kind"`
	ErrorMessage string    `json:"error_message"`
	RetryCount   int       `json:"retry_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Worker heartbeat status constants.
const (
	WorkerStatusIdle      = "idle"
	WorkerStatusLoading   = "loading"
	WorkerStatusRunning   = "running"
	WorkerStatusUnloading = "unloading"
)

// WorkerHeartbeat is the single per-host liveness/status row.
type WorkerHeartbeat struct {
	Status           string    `json:"status"`
	CurrentJobID     string    `json:"current_job_id,omitempty"`
	LoadedModel      string    `json:"loaded_model,omitempty"`
	GPUMemoryPercent float64   `json:"gpu_memory_percent,omitempty"`
	GPUTemperatureC  float64   `json:"gpu_temperature_c,omitempty"`
	LastSeen         time.Time `json:"last_seen"`
}

// WebhookDeadLetter persists a delivery that exhausted all retry attempts.
type WebhookDeadLetter struct {
	ID            string     `json:"id"`
	JobID         string     `json:"job_id"`
	URL           string     `json:"url"`
	Event         string     `json:"event"`
	PayloadBytes  []byte     `json:"payload_bytes"`
	ErrorMessage  string     `json:"error_message"`
	AttemptCount  int        `json:"attempt_count"`
	RetrySuccess  bool       `json:"retry_success"`
	Forced        bool       `json:"forced,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastRetriedAt *time.Time `json:"last_retried_at,omitempty"`
}

// RequestLine is one line of an input JSONL file: an OpenAI-shaped chat completion request.
type RequestLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     RequestBody     `json:"body"`
}

// RequestBody is the OpenAI-shaped chat-completion request body.
type RequestBody struct {
	Model       string          `json:"model"`
	Messages    []ChatMessage   `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
}

// ChatMessage is one message in a chat-completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResultLine is one line of an output JSONL file.
type ResultLine struct {
	CustomID string         `json:"custom_id"`
	Response *ResultResponse `json:"response,omitempty"`
	Error    *ResultError    `json:"error,omitempty"`
}

// ResultResponse wraps a successful completion.
type ResultResponse struct {
	StatusCode int              `json:"status_code"`
	Body       ResultBody       `json:"body"`
}

// ResultBody carries the chat completion choices and usage for one result.
type ResultBody struct {
	Choices []ResultChoice `json:"choices"`
	Usage   ResultUsage    `json:"usage"`
}

// ResultChoice is one completion choice.
type ResultChoice struct {
	Message ChatMessage `json:"message"`
}

// ResultUsage reports token accounting for one completion.
type ResultUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ResultError carries a per-request failure in an output line.
type ResultError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
