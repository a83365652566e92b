// Package surreal implements interfaces.Catalog using SurrealDB, the teacher's own primary
// store. Its two-phase SELECT-then-conditional-UPDATE dequeue is the CAS pivot the
// single-worker invariant depends on.
package surreal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/batchd/internal/common"
	"github.com/bobmcallan/batchd/internal/interfaces"
	"github.com/bobmcallan/batchd/internal/models"
)

// jobSelectFields lists the fields selected from the jobs table, aliasing job_id to id.
const jobSelectFields = "job_id as id, model, input_file_id, output_file_id, status, " +
	"total_requests, completed_requests, failed_requests, created_at, started_at, " +
	"completed_at, expires_at, webhook_url, webhook_secret, webhook_events, " +
	"webhook_retries, webhook_timeout_s, metadata"

// Catalog implements interfaces.Catalog over a SurrealDB connection.
type Catalog struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewCatalog opens a SurrealDB connection and signs in/selects namespace+database.
func NewCatalog(ctx context.Context, cfg common.SurrealConfig, logger *common.Logger) (*Catalog, error) {
	db, err := surrealdb.New(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to surrealdb at %s: %w", cfg.Endpoint, err)
	}
	if cfg.Username != "" {
		if _, err := db.SignIn(ctx, surrealdb.Auth{Username: cfg.Username, Password: cfg.Password}); err != nil {
			return nil, fmt.Errorf("failed to sign in to surrealdb: %w", err)
		}
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to select surrealdb namespace/database: %w", err)
	}
	logger.Info().Str("endpoint", cfg.Endpoint).Str("namespace", cfg.Namespace).Str("database", cfg.Database).
		Msg("Catalog connected (surrealdb)")
	return &Catalog{db: db, logger: logger}, nil
}

func (c *Catalog) InsertJob(ctx context.Context, job *models.BatchJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	sql := `CREATE $rid SET
		job_id = $job_id, model = $model, input_file_id = $input_file_id,
		output_file_id = $output_file_id, status = $status,
		total_requests = $total_requests, completed_requests = $completed_requests,
		failed_requests = $failed_requests, created_at = $created_at,
		started_at = $started_at, completed_at = $completed_at, expires_at = $expires_at,
		webhook_url = $webhook_url, webhook_secret = $webhook_secret,
		webhook_events = $webhook_events, webhook_retries = $webhook_retries,
		webhook_timeout_s = $webhook_timeout_s, metadata = $metadata`
	vars := map[string]any{
		"rid":                surrealmodels.NewRecordID("jobs", job.ID),
		"job_id":             job.ID,
		"model":              job.Model,
		"input_file_id":      job.InputFileID,
		"output_file_id":     job.OutputFileID,
		"status":             job.Status,
		"total_requests":     job.TotalRequests,
		"completed_requests": job.CompletedRequests,
		"failed_requests":    job.FailedRequests,
		"created_at":         job.CreatedAt,
		"started_at":         job.StartedAt,
		"completed_at":       job.CompletedAt,
		"expires_at":         job.ExpiresAt,
		"webhook_url":        job.WebhookURL,
		"webhook_secret":     job.WebhookSecret,
		"webhook_events":     job.WebhookEvents,
		"webhook_retries":    job.WebhookRetries,
		"webhook_timeout_s":  job.WebhookTimeoutS,
		"metadata":           job.Metadata,
	}

	if _, err := surrealdb.Query[any](ctx, c.db, sql, vars); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (c *Catalog) GetJob(ctx context.Context, id string) (*models.BatchJob, error) {
	sql := "SELECT " + jobSelectFields + " FROM jobs WHERE job_id = $id"
	results, err := surrealdb.Query[[]models.BatchJob](ctx, c.db, sql, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	job := (*results)[0].Result[0]
	return &job, nil
}

func (c *Catalog) ListJobs(ctx context.Context, status string, limit int) ([]*models.BatchJob, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := "SELECT " + jobSelectFields + " FROM jobs"
	vars := map[string]any{"limit": limit}
	if status != "" {
		sql += " WHERE status = $status"
		vars["status"] = status
	}
	sql += " ORDER BY created_at DESC LIMIT $limit"

	results, err := surrealdb.Query[[]models.BatchJob](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	var jobs []*models.BatchJob
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			jobs = append(jobs, &(*results)[0].Result[i])
		}
	}
	return jobs, nil
}

func (c *Catalog) CountNonTerminal(ctx context.Context) (int, error) {
	sql := "SELECT count() AS cnt FROM jobs WHERE status IN [$pending, $in_progress] GROUP ALL"
	vars := map[string]any{"pending": models.JobStatusPending, "in_progress": models.JobStatusInProgress}
	return c.countQuery(ctx, sql, vars)
}

func (c *Catalog) SumQueuedRequests(ctx context.Context) (int, error) {
	sql := `SELECT math::sum(total_requests - completed_requests - failed_requests) AS total
		FROM jobs WHERE status NOT IN [$completed, $failed, $cancelled, $expired] GROUP ALL`
	vars := map[string]any{
		"completed": models.JobStatusCompleted, "failed": models.JobStatusFailed,
		"cancelled": models.JobStatusCancelled, "expired": models.JobStatusExpired,
	}
	type sumResult struct {
		Total int `json:"total"`
	}
	results, err := surrealdb.Query[[]sumResult](ctx, c.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to sum queued requests: %w", err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].Total, nil
	}
	return 0, nil
}

func (c *Catalog) GetNextPending(ctx context.Context) (*models.BatchJob, error) {
	sql := "SELECT " + jobSelectFields + " FROM jobs WHERE status = $pending ORDER BY created_at ASC LIMIT 1"
	results, err := surrealdb.Query[[]models.BatchJob](ctx, c.db, sql, map[string]any{"pending": models.JobStatusPending})
	if err != nil {
		return nil, fmt.Errorf("failed to select next pending job: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	job := (*results)[0].Result[0]
	return &job, nil
}

// CasJobStatus atomically claims a job's transition from `from` to `to`, stamping the
// matching timestamp column. Mirrors the teacher's "UPDATE ... WHERE status = $pending"
// double-claim guard from internal/storage/surrealdb/jobqueue.go's Dequeue.
func (c *Catalog) CasJobStatus(ctx context.Context, id, from, to string) (bool, error) {
	now := time.Now()
	var stampClause string
	switch to {
	case models.JobStatusInProgress:
		stampClause = ", started_at = $now"
	case models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled, models.JobStatusExpired:
		stampClause = ", completed_at = $now"
	}

	sql := "UPDATE $rid SET status = $to" + stampClause + " WHERE status = $from"
	vars := map[string]any{
		"rid":  surrealmodels.NewRecordID("jobs", id),
		"to":   to,
		"from": from,
		"now":  now,
	}

	before, err := c.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if before == nil || before.Status != from {
		return false, nil
	}

	if _, err := surrealdb.Query[any](ctx, c.db, sql, vars); err != nil {
		return false, fmt.Errorf("failed to CAS job %s status %s->%s: %w", id, from, to, err)
	}
	return true, nil
}

func (c *Catalog) SetOutputFileID(ctx context.Context, id, outputFileID string) error {
	job, err := c.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil || job.OutputFileID != "" {
		return nil // already set — never rewritten (spec.md §3)
	}
	sql := "UPDATE $rid SET output_file_id = $output_file_id WHERE output_file_id = '' OR output_file_id = NONE"
	vars := map[string]any{
		"rid":            surrealmodels.NewRecordID("jobs", id),
		"output_file_id": outputFileID,
	}
	if _, err := surrealdb.Query[any](ctx, c.db, sql, vars); err != nil {
		return fmt.Errorf("failed to set output file id for job %s: %w", id, err)
	}
	return nil
}

func (c *Catalog) IncrementCounters(ctx context.Context, id string, completedDelta, failedDelta int) error {
	sql := `UPDATE $rid SET completed_requests = completed_requests + $cd, failed_requests = failed_requests + $fd`
	vars := map[string]any{
		"rid": surrealmodels.NewRecordID("jobs", id),
		"cd":  completedDelta,
		"fd":  failedDelta,
	}
	if _, err := surrealdb.Query[any](ctx, c.db, sql, vars); err != nil {
		return fmt.Errorf("failed to increment counters for job %s: %w", id, err)
	}
	return nil
}

func (c *Catalog) ExpireStaleJobs(ctx context.Context, now time.Time) (int, error) {
	sql := `UPDATE jobs SET status = $expired
		WHERE status NOT IN [$in_progress, $completed, $failed, $cancelled, $expired]
		AND expires_at < $now`
	vars := map[string]any{
		"expired":     models.JobStatusExpired,
		"in_progress": models.JobStatusInProgress,
		"completed":   models.JobStatusCompleted,
		"failed":      models.JobStatusFailed,
		"cancelled":   models.JobStatusCancelled,
		"now":         now,
	}
	if _, err := surrealdb.Query[any](ctx, c.db, sql, vars); err != nil {
		return 0, fmt.Errorf("failed to expire stale jobs: %w", err)
	}
	return 0, nil
}

func (c *Catalog) InsertFailedRequest(ctx context.Context, fr *models.FailedRequest) error {
	if fr.CreatedAt.IsZero() {
		fr.CreatedAt = time.Now()
	}
	sql := `CREATE failed_requests SET job_id = $job_id, custom_id = $custom_id,
		error_kind = $error_kind, error_message = $error_message,
		retry_count = $retry_count, created_at = $created_at`
	vars := map[string]any{
		"job_id":        fr.JobID,
		"custom_id":     fr.CustomID,
		"error_kind":    fr.ErrorKind,
		"error_message": fr.ErrorMessage,
		"retry_count":   fr.RetryCount,
		"created_at":    fr.CreatedAt,
	}
	if _, err := surrealdb.Query[any](ctx, c.db, sql, vars); err != nil {
		return fmt.Errorf("failed to insert failed request: %w", err)
	}
	return nil
}

func (c *Catalog) ListFailedRequests(ctx context.Context, jobID string) ([]*models.FailedRequest, error) {
	sql := "SELECT job_id, custom_id, error_kind, error_message, retry_count, created_at " +
		"FROM failed_requests WHERE job_id = $job_id ORDER BY created_at ASC"
	results, err := surrealdb.Query[[]models.FailedRequest](ctx, c.db, sql, map[string]any{"job_id": jobID})
	if err != nil {
		return nil, fmt.Errorf("failed to list failed requests for job %s: %w", jobID, err)
	}
	var out []*models.FailedRequest
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			out = append(out, &(*results)[0].Result[i])
		}
	}
	return out, nil
}

const heartbeatRecordID = "singleton"

func (c *Catalog) UpsertHeartbeat(ctx context.Context, hb *models.WorkerHeartbeat) error {
	if hb.LastSeen.IsZero() {
		hb.LastSeen = time.Now()
	}
	sql := `UPSERT $rid SET status = $status, current_job_id = $current_job_id,
		loaded_model = $loaded_model, gpu_memory_percent = $gpu_memory_percent,
		gpu_temperature_c = $gpu_temperature_c, last_seen = $last_seen`
	vars := map[string]any{
		"rid":                surrealmodels.NewRecordID("heartbeat", heartbeatRecordID),
		"status":             hb.Status,
		"current_job_id":     hb.CurrentJobID,
		"loaded_model":       hb.LoadedModel,
		"gpu_memory_percent": hb.GPUMemoryPercent,
		"gpu_temperature_c":  hb.GPUTemperatureC,
		"last_seen":          hb.LastSeen,
	}
	if _, err := surrealdb.Query[any](ctx, c.db, sql, vars); err != nil {
		return fmt.Errorf("failed to upsert heartbeat: %w", err)
	}
	return nil
}

func (c *Catalog) GetHeartbeat(ctx context.Context) (*models.WorkerHeartbeat, error) {
	sql := "SELECT status, current_job_id, loaded_model, gpu_memory_percent, gpu_temperature_c, last_seen FROM $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("heartbeat", heartbeatRecordID)}
	results, err := surrealdb.Query[[]models.WorkerHeartbeat](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to get heartbeat: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return &models.WorkerHeartbeat{Status: models.WorkerStatusIdle}, nil
	}
	hb := (*results)[0].Result[0]
	return &hb, nil
}

func (c *Catalog) InsertWebhookDeadLetter(ctx context.Context, dl *models.WebhookDeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now()
	}
	sql := `CREATE $rid SET job_id = $job_id, url = $url, event = $event,
		payload_bytes = $payload_bytes, error_message = $error_message,
		attempt_count = $attempt_count, retry_success = $retry_success,
		forced = $forced, created_at = $created_at, last_retried_at = $last_retried_at`
	vars := map[string]any{
		"rid":             surrealmodels.NewRecordID("webhook_dead_letters", dl.ID),
		"job_id":          dl.JobID,
		"url":             dl.URL,
		"event":           dl.Event,
		"payload_bytes":   dl.PayloadBytes,
		"error_message":   dl.ErrorMessage,
		"attempt_count":   dl.AttemptCount,
		"retry_success":   dl.RetrySuccess,
		"forced":          dl.Forced,
		"created_at":      dl.CreatedAt,
		"last_retried_at": dl.LastRetriedAt,
	}
	if _, err := surrealdb.Query[any](ctx, c.db, sql, vars); err != nil {
		return fmt.Errorf("failed to insert webhook dead letter: %w", err)
	}
	return nil
}

const deadLetterSelectFields = "id, job_id, url, event, payload_bytes, error_message, " +
	"attempt_count, retry_success, forced, created_at, last_retried_at"

func (c *Catalog) GetWebhookDeadLetter(ctx context.Context, id string) (*models.WebhookDeadLetter, error) {
	sql := "SELECT " + deadLetterSelectFields + " FROM $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("webhook_dead_letters", id)}
	results, err := surrealdb.Query[[]models.WebhookDeadLetter](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook dead letter %s: %w", id, err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	dl := (*results)[0].Result[0]
	return &dl, nil
}

func (c *Catalog) ListWebhookDeadLetters(ctx context.Context) ([]*models.WebhookDeadLetter, error) {
	sql := "SELECT " + deadLetterSelectFields + " FROM webhook_dead_letters ORDER BY created_at DESC"
	results, err := surrealdb.Query[[]models.WebhookDeadLetter](ctx, c.db, sql, map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook dead letters: %w", err)
	}
	var out []*models.WebhookDeadLetter
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			out = append(out, &(*results)[0].Result[i])
		}
	}
	return out, nil
}

func (c *Catalog) MarkDeadLetterRetried(ctx context.Context, id string, success, forced bool, retriedAt time.Time) error {
	sql := `UPDATE $rid SET retry_success = $success, forced = $forced, last_retried_at = $retried_at,
		attempt_count = attempt_count + 1`
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID("webhook_dead_letters", id),
		"success":    success,
		"forced":     forced,
		"retried_at": retriedAt,
	}
	if _, err := surrealdb.Query[any](ctx, c.db, sql, vars); err != nil {
		return fmt.Errorf("failed to mark dead letter %s retried: %w", id, err)
	}
	return nil
}

// ResetInProgressJobs resets orphaned in_progress jobs to pending on startup, mirroring the
// teacher's ResetRunningJobs in internal/storage/surrealdb/jobqueue.go.
func (c *Catalog) ResetInProgressJobs(ctx context.Context) (int, error) {
	sql := `UPDATE jobs SET status = $pending, started_at = NONE WHERE status = $in_progress`
	vars := map[string]any{"pending": models.JobStatusPending, "in_progress": models.JobStatusInProgress}
	if _, err := surrealdb.Query[any](ctx, c.db, sql, vars); err != nil {
		return 0, fmt.Errorf("failed to reset in-progress jobs: %w", err)
	}
	return 0, nil
}

func (c *Catalog) countQuery(ctx context.Context, sql string, vars map[string]any) (int, error) {
	type countResult struct {
		Cnt int `json:"cnt"`
	}
	results, err := surrealdb.Query[[]countResult](ctx, c.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to run count query: %w", err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].Cnt, nil
	}
	return 0, nil
}

func (c *Catalog) Close() error {
	return c.db.Close(context.Background())
}

var _ interfaces.Catalog = (*Catalog)(nil)
