// Package admission implements the admission controller (C5): the synchronous, ordered gate
// checks spec.md §4.1 runs before a batch job is allowed into the queue.
package admission

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/batchd/internal/common"
	"github.com/bobmcallan/batchd/internal/interfaces"
	"github.com/bobmcallan/batchd/internal/models"
)

// Submission is the caller-supplied shape for a new batch job.
type Submission struct {
	Model           string
	InputFileID     string
	WebhookURL      string
	WebhookSecret   string
	WebhookEvents   []string
	WebhookRetries  int
	WebhookTimeoutS int
	ExpiresAt       *time.Time
	Metadata        map[string]string
}

// Controller runs the ordered checks of spec.md §4.1 and performs the single atomic insert.
type Controller struct {
	catalog  interfaces.Catalog
	files    interfaces.FileStore
	gpu      interfaces.GPUProbe
	logger   *common.Logger
	cfg      common.AdmissionConfig
	gpuCfg   common.GPUConfig
	liveness time.Duration
}

// NewController wires the admission controller against its dependencies.
func NewController(catalog interfaces.Catalog, files interfaces.FileStore, gpu interfaces.GPUProbe, logger *common.Logger, cfg common.Config) *Controller {
	return &Controller{
		catalog:  catalog,
		files:    files,
		gpu:      gpu,
		logger:   logger,
		cfg:      cfg.Admission,
		gpuCfg:   cfg.GPU,
		liveness: cfg.Scheduler.GetWorkerLivenessDeadline(),
	}
}

// Admit runs the six-step check in spec.md §4.1 order and, on success, performs the one
// atomic InsertJob transaction. Each failure returns a common.KindedError with a stable kind.
func (c *Controller) Admit(ctx context.Context, sub Submission) (*models.BatchJob, error) {
	if sub.Model == "" {
		return nil, common.NewError(common.ErrInvalidInput, "model is required")
	}
	if sub.InputFileID == "" {
		return nil, common.NewError(common.ErrInvalidInput, "input_file_id is required")
	}

	// Step 1: parse the input file and count requests.
	requestCount, err := c.validateInputFile(ctx, sub.InputFileID)
	if err != nil {
		return nil, err
	}
	if requestCount > c.cfg.MaxRequestsPerJob {
		return nil, common.NewError(common.ErrInvalidInput, "input file has %d requests, exceeds max_requests_per_job %d", requestCount, c.cfg.MaxRequestsPerJob)
	}

	// Step 2: queue depth.
	nonTerminal, err := c.catalog.CountNonTerminal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count non-terminal jobs: %w", err)
	}
	if nonTerminal >= c.cfg.MaxQueueDepth {
		return nil, common.NewError(common.ErrQueueFull, "queue depth %d >= max %d", nonTerminal, c.cfg.MaxQueueDepth)
	}

	// Step 3: total queued requests.
	queued, err := c.catalog.SumQueuedRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum queued requests: %w", err)
	}
	if queued+requestCount > c.cfg.MaxTotalQueuedRequests {
		return nil, common.NewError(common.ErrCapacityExhausted, "queued requests %d + new job %d exceeds max %d", queued, requestCount, c.cfg.MaxTotalQueuedRequests)
	}

	// Step 4: GPU health.
	stats, err := c.gpu.Stats(ctx)
	if err != nil {
		return nil, common.WrapError(common.ErrGPUUnhealthy, err, "failed to read GPU health")
	}
	if stats.MemoryPercent > c.gpuCfg.MemoryRejectThreshold || stats.TemperatureC > c.gpuCfg.TempRejectThreshold {
		return nil, common.NewError(common.ErrGPUUnhealthy, "gpu memory=%.1f%% temp=%.1fC exceeds thresholds", stats.MemoryPercent, stats.TemperatureC)
	}

	// Step 5: worker liveness.
	hb, err := c.catalog.GetHeartbeat(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker heartbeat: %w", err)
	}
	if hb.LastSeen.IsZero() || time.Since(hb.LastSeen) > c.liveness {
		return nil, common.NewError(common.ErrWorkerUnavailable, "worker heartbeat is stale")
	}

	// Step 6: insert.
	now := time.Now()
	job := &models.BatchJob{
		ID:              "batch-" + uuid.New().String(),
		Model:           sub.Model,
		InputFileID:     sub.InputFileID,
		Status:          models.JobStatusPending,
		TotalRequests:   requestCount,
		CreatedAt:       now,
		WebhookURL:      sub.WebhookURL,
		WebhookSecret:   sub.WebhookSecret,
		WebhookEvents:   sub.WebhookEvents,
		WebhookRetries:  sub.WebhookRetries,
		WebhookTimeoutS: sub.WebhookTimeoutS,
		Metadata:        sub.Metadata,
	}
	if sub.ExpiresAt != nil {
		job.ExpiresAt = *sub.ExpiresAt
	}

	if err := c.catalog.InsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	c.logger.Info().Str("job_id", job.ID).Str("model", job.Model).Int("requests", requestCount).Msg("Job admitted")
	return job, nil
}

// validateInputFile parses the file as newline-delimited JSON request lines, rejecting on
// any malformed line (spec.md §4.1 step 1).
func (c *Controller) validateInputFile(ctx context.Context, fileID string) (int, error) {
	data, err := c.files.Get(ctx, fileID)
	if err != nil {
		return 0, common.WrapError(common.ErrInvalidInput, err, "input file %s could not be read", fileID)
	}

	count := 0
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var req models.RequestLine
		if err := json.Unmarshal(line, &req); err != nil {
			return 0, common.NewError(common.ErrInvalidInput, "malformed request line %d: %v", count+1, err)
		}
		if req.CustomID == "" {
			return 0, common.NewError(common.ErrInvalidInput, "request line %d missing custom_id", count+1)
		}
		if _, dup := seen[req.CustomID]; dup {
			return 0, common.NewError(common.ErrInvalidInput, "duplicate custom_id %q", req.CustomID)
		}
		seen[req.CustomID] = struct{}{}
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, common.WrapError(common.ErrInvalidInput, err, "failed to scan input file")
	}
	if count == 0 {
		return 0, common.NewError(common.ErrInvalidInput, "input file has no requests")
	}
	return count, nil
}
