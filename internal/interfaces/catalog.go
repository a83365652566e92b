// Package interfaces defines the service contracts batchd's components are built against.
package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/batchd/internal/models"
)

// Catalog (C1) is the durable store for jobs, failed requests, the worker heartbeat and
// webhook dead-letters. All writers serialise through row-level transactions; reads are
// snapshot-consistent (spec.md §4.4/§5).
type Catalog interface {
	// InsertJob inserts a new pending job row. One atomic transaction (spec.md §4.1).
	InsertJob(ctx context.Context, job *models.BatchJob) error

	// GetJob returns a job by id.
	GetJob(ctx context.Context, id string) (*models.BatchJob, error)

	// ListJobs returns jobs, optionally filtered by status ("" = all).
	ListJobs(ctx context.Context, status string, limit int) ([]*models.BatchJob, error)

	// CountNonTerminal returns the number of jobs whose status is pending or in_progress,
	// for the admission controller's MAX_QUEUE_DEPTH check.
	CountNonTerminal(ctx context.Context) (int, error)

	// SumQueuedRequests returns sum(total_requests - completed_requests - failed_requests)
	// over non-terminal jobs, for the admission controller's MAX_TOTAL_QUEUED_REQUESTS check.
	SumQueuedRequests(ctx context.Context) (int, error)

	// GetNextPending returns the oldest pending job by created_at (FIFO), or nil if none.
	GetNextPending(ctx context.Context) (*models.BatchJob, error)

	// CasJobStatus transactionally moves a job from `from` to `to`, stamping timestamps.
	// Returns false (no error) if the row was not in `from` when the CAS ran — this is the
	// correctness pivot for the single-worker invariant (spec.md §4.2 step 3, §8 property 4).
	CasJobStatus(ctx context.Context, id, from, to string) (bool, error)

	// SetOutputFileID sets output_file_id once; subsequent calls for the same job are no-ops
	// (spec.md §3: "set once ... and never rewritten").
	SetOutputFileID(ctx context.Context, id, outputFileID string) error

	// IncrementCounters adds to completed_requests/failed_requests. Best-effort frequent,
	// not required to be transactional with the output file append (spec.md §4.3 step 4e).
	IncrementCounters(ctx context.Context, id string, completedDelta, failedDelta int) error

	// ExpireStaleJobs transitions any non-terminal, non-in_progress job whose expires_at has
	// passed to "expired" (spec.md §9 open question 2: expiration never interrupts a running job).
	ExpireStaleJobs(ctx context.Context, now time.Time) (int, error)

	// InsertFailedRequest appends a FailedRequest row.
	InsertFailedRequest(ctx context.Context, fr *models.FailedRequest) error

	// ListFailedRequests returns all FailedRequest rows for a job.
	ListFailedRequests(ctx context.Context, jobID string) ([]*models.FailedRequest, error)

	// UpsertHeartbeat writes the single per-host WorkerHeartbeat row. Never blocks CAS
	// transactions (spec.md §4.4).
	UpsertHeartbeat(ctx context.Context, hb *models.WorkerHeartbeat) error

	// GetHeartbeat returns the current heartbeat row, or a heartbeat with status idle and a
	// zero LastSeen if none has ever been written.
	GetHeartbeat(ctx context.Context) (*models.WorkerHeartbeat, error)

	// InsertWebhookDeadLetter persists an exhausted webhook delivery.
	InsertWebhookDeadLetter(ctx context.Context, dl *models.WebhookDeadLetter) error

	// GetWebhookDeadLetter returns a dead-letter row by id.
	GetWebhookDeadLetter(ctx context.Context, id string) (*models.WebhookDeadLetter, error)

	// ListWebhookDeadLetters returns all dead-letter rows.
	ListWebhookDeadLetters(ctx context.Context) ([]*models.WebhookDeadLetter, error)

	// MarkDeadLetterRetried updates a dead-letter row after a manual re-drive attempt.
	MarkDeadLetterRetried(ctx context.Context, id string, success, forced bool, retriedAt time.Time) error

	// ResetInProgressJobs resets any job this host left `in_progress` back to `pending` on
	// startup (crash recovery, spec.md §4.2 "Crash recovery").
	ResetInProgressJobs(ctx context.Context) (int, error)

	Close() error
}
