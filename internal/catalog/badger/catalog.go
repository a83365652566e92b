// Package badger implements interfaces.Catalog using BadgerHold, an embedded fallback
// backend for running batchd without a SurrealDB instance (local/dev mode). Grounded on
// the teacher's internal/storage/internaldb/store.go composite-key conventions.
package badger

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/bobmcallan/batchd/internal/common"
	"github.com/bobmcallan/batchd/internal/interfaces"
	"github.com/bobmcallan/batchd/internal/models"
)

// heartbeatKey is the sentinel key for the single per-host WorkerHeartbeat row, mirroring
// the teacher's systemUserID sentinel convention.
const heartbeatKey = "__heartbeat__"

// Catalog implements interfaces.Catalog using an embedded BadgerHold store.
type Catalog struct {
	db     *badgerhold.Store
	logger *common.Logger
	mu     sync.Mutex // serialises CAS transactions (spec.md §4.4 "CAS is serialised per job")
}

// NewCatalog opens (or creates) the BadgerHold database at path.
func NewCatalog(logger *common.Logger, path string) (*Catalog, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create catalog path %s: %w", path, err)
	}
	opts := badgerhold.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	opts.Logger = nil
	db, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog at %s: %w", path, err)
	}
	logger.Info().Str("path", path).Msg("Catalog opened (badgerhold)")
	return &Catalog{db: db, logger: logger}, nil
}

func (c *Catalog) InsertJob(_ context.Context, job *models.BatchJob) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if err := c.db.Insert(job.ID, job); err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

func (c *Catalog) GetJob(_ context.Context, id string) (*models.BatchJob, error) {
	var job models.BatchJob
	if err := c.db.Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return &job, nil
}

func (c *Catalog) ListJobs(_ context.Context, status string, limit int) ([]*models.BatchJob, error) {
	var jobs []models.BatchJob
	var query *badgerhold.Query
	if status != "" {
		query = badgerhold.Where("Status").Eq(status)
	}
	if err := c.db.Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	sortJobsByCreatedDesc(jobs)
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	out := make([]*models.BatchJob, len(jobs))
	for i := range jobs {
		out[i] = &jobs[i]
	}
	return out, nil
}

func sortJobsByCreatedDesc(jobs []models.BatchJob) {
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && jobs[j].CreatedAt.After(jobs[j-1].CreatedAt); j-- {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
		}
	}
}

func (c *Catalog) CountNonTerminal(_ context.Context) (int, error) {
	n, err := c.db.Count(&models.BatchJob{}, badgerhold.Where("Status").In(
		models.JobStatusPending, models.JobStatusInProgress))
	if err != nil {
		return 0, fmt.Errorf("failed to count non-terminal jobs: %w", err)
	}
	return n, nil
}

func (c *Catalog) SumQueuedRequests(_ context.Context) (int, error) {
	var jobs []models.BatchJob
	if err := c.db.Find(&jobs, badgerhold.Where("Status").In(
		models.JobStatusValidating, models.JobStatusPending, models.JobStatusInProgress)); err != nil {
		return 0, fmt.Errorf("failed to sum queued requests: %w", err)
	}
	total := 0
	for _, j := range jobs {
		total += j.TotalRequests - j.CompletedRequests - j.FailedRequests
	}
	return total, nil
}

func (c *Catalog) GetNextPending(_ context.Context) (*models.BatchJob, error) {
	var jobs []models.BatchJob
	if err := c.db.Find(&jobs, badgerhold.Where("Status").Eq(models.JobStatusPending).SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to select next pending job: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// CasJobStatus serialises the read-modify-write under a mutex, the single-process analogue
// of the teacher's SurrealDB "UPDATE ... WHERE status = $pending" double-claim guard.
func (c *Catalog) CasJobStatus(_ context.Context, id, from, to string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var job models.BatchJob
	if err := c.db.Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to read job %s for cas: %w", id, err)
	}
	if job.Status != from {
		return false, nil
	}

	now := time.Now()
	job.Status = to
	switch to {
	case models.JobStatusInProgress:
		job.StartedAt = &now
	case models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled, models.JobStatusExpired:
		job.CompletedAt = &now
	}
	if err := c.db.Update(id, &job); err != nil {
		return false, fmt.Errorf("failed to update job %s status: %w", id, err)
	}
	return true, nil
}

func (c *Catalog) SetOutputFileID(_ context.Context, id, outputFileID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var job models.BatchJob
	if err := c.db.Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to read job %s: %w", id, err)
	}
	if job.OutputFileID != "" {
		return nil
	}
	job.OutputFileID = outputFileID
	if err := c.db.Update(id, &job); err != nil {
		return fmt.Errorf("failed to set output file id for job %s: %w", id, err)
	}
	return nil
}

func (c *Catalog) IncrementCounters(_ context.Context, id string, completedDelta, failedDelta int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var job models.BatchJob
	if err := c.db.Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to read job %s: %w", id, err)
	}
	job.CompletedRequests += completedDelta
	job.FailedRequests += failedDelta
	if err := c.db.Update(id, &job); err != nil {
		return fmt.Errorf("failed to increment counters for job %s: %w", id, err)
	}
	return nil
}

func (c *Catalog) ExpireStaleJobs(_ context.Context, now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var jobs []models.BatchJob
	if err := c.db.Find(&jobs, badgerhold.Where("Status").In(
		models.JobStatusValidating, models.JobStatusPending)); err != nil {
		return 0, fmt.Errorf("failed to scan for stale jobs: %w", err)
	}
	count := 0
	for _, j := range jobs {
		if j.ExpiresAt.IsZero() || j.ExpiresAt.After(now) {
			continue
		}
		j.Status = models.JobStatusExpired
		if err := c.db.Update(j.ID, &j); err != nil {
			return count, fmt.Errorf("failed to expire job %s: %w", j.ID, err)
		}
		count++
	}
	return count, nil
}

func (c *Catalog) InsertFailedRequest(_ context.Context, fr *models.FailedRequest) error {
	if fr.CreatedAt.IsZero() {
		fr.CreatedAt = time.Now()
	}
	key := fr.JobID + "\x00" + fr.CustomID + "\x00" + time.Now().Format(time.RFC3339Nano)
	if err := c.db.Insert(key, fr); err != nil {
		return fmt.Errorf("failed to insert failed request: %w", err)
	}
	return nil
}

func (c *Catalog) ListFailedRequests(_ context.Context, jobID string) ([]*models.FailedRequest, error) {
	var frs []models.FailedRequest
	if err := c.db.Find(&frs, badgerhold.Where("JobID").Eq(jobID).SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to list failed requests for job %s: %w", jobID, err)
	}
	out := make([]*models.FailedRequest, len(frs))
	for i := range frs {
		out[i] = &frs[i]
	}
	return out, nil
}

func (c *Catalog) UpsertHeartbeat(_ context.Context, hb *models.WorkerHeartbeat) error {
	if hb.LastSeen.IsZero() {
		hb.LastSeen = time.Now()
	}
	if err := c.db.Upsert(heartbeatKey, hb); err != nil {
		return fmt.Errorf("failed to upsert heartbeat: %w", err)
	}
	return nil
}

func (c *Catalog) GetHeartbeat(_ context.Context) (*models.WorkerHeartbeat, error) {
	var hb models.WorkerHeartbeat
	if err := c.db.Get(heartbeatKey, &hb); err != nil {
		if err == badgerhold.ErrNotFound {
			return &models.WorkerHeartbeat{Status: models.WorkerStatusIdle}, nil
		}
		return nil, fmt.Errorf("failed to get heartbeat: %w", err)
	}
	return &hb, nil
}

func (c *Catalog) InsertWebhookDeadLetter(_ context.Context, dl *models.WebhookDeadLetter) error {
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now()
	}
	if err := c.db.Insert(dl.ID, dl); err != nil {
		return fmt.Errorf("failed to insert webhook dead letter %s: %w", dl.ID, err)
	}
	return nil
}

func (c *Catalog) GetWebhookDeadLetter(_ context.Context, id string) (*models.WebhookDeadLetter, error) {
	var dl models.WebhookDeadLetter
	if err := c.db.Get(id, &dl); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get webhook dead letter %s: %w", id, err)
	}
	return &dl, nil
}

func (c *Catalog) ListWebhookDeadLetters(_ context.Context) ([]*models.WebhookDeadLetter, error) {
	var dls []models.WebhookDeadLetter
	if err := c.db.Find(&dls, badgerhold.Where("CreatedAt").Ge(time.Time{})); err != nil {
		return nil, fmt.Errorf("failed to list webhook dead letters: %w", err)
	}
	out := make([]*models.WebhookDeadLetter, len(dls))
	for i := range dls {
		out[i] = &dls[i]
	}
	return out, nil
}

func (c *Catalog) MarkDeadLetterRetried(_ context.Context, id string, success, forced bool, retriedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dl models.WebhookDeadLetter
	if err := c.db.Get(id, &dl); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("dead letter %s not found", id)
		}
		return fmt.Errorf("failed to read dead letter %s: %w", id, err)
	}
	dl.RetrySuccess = success
	dl.Forced = forced
	dl.LastRetriedAt = &retriedAt
	dl.AttemptCount++
	if err := c.db.Update(id, &dl); err != nil {
		return fmt.Errorf("failed to mark dead letter %s retried: %w", id, err)
	}
	return nil
}

func (c *Catalog) ResetInProgressJobs(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var jobs []models.BatchJob
	if err := c.db.Find(&jobs, badgerhold.Where("Status").Eq(models.JobStatusInProgress)); err != nil {
		return 0, fmt.Errorf("failed to scan in-progress jobs: %w", err)
	}
	for _, j := range jobs {
		j.Status = models.JobStatusPending
		j.StartedAt = nil
		if err := c.db.Update(j.ID, &j); err != nil {
			return 0, fmt.Errorf("failed to reset job %s: %w", j.ID, err)
		}
	}
	return len(jobs), nil
}

func (c *Catalog) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

var _ interfaces.Catalog = (*Catalog)(nil)
