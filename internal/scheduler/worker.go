// Package scheduler implements the scheduler/worker (C7): a single long-running process,
// cooperative and single-threaded with respect to job execution, grounded on the teacher's
// jobmanager.JobManager start/stop/safeGo shape (internal/services/jobmanager/manager.go)
// but reduced from its N-processor pool to exactly one execution goroutine (spec.md §3/§4.2).
// Heartbeat refresh runs concurrently on its own goroutine; result-handler (and so webhook)
// dispatch runs synchronously on the execution loop, so a webhook's retry backoff delays
// the next job.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bobmcallan/batchd/internal/common"
	"github.com/bobmcallan/batchd/internal/executor"
	"github.com/bobmcallan/batchd/internal/interfaces"
	"github.com/bobmcallan/batchd/internal/models"
	"github.com/bobmcallan/batchd/internal/resulthandlers"
)

// Scheduler owns the single execution loop and the concurrent heartbeat ticker.
type Scheduler struct {
	catalog  interfaces.Catalog
	engine   interfaces.Engine
	executor *executor.Executor
	handlers *resulthandlers.Registry
	logger   *common.Logger

	pollInterval   time.Duration
	swapCooldown   time.Duration
	defaultModel   string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(catalog interfaces.Catalog, engine interfaces.Engine, exec *executor.Executor, handlers *resulthandlers.Registry, logger *common.Logger, cfg common.Config) *Scheduler {
	return &Scheduler{
		catalog:      catalog,
		engine:       engine,
		executor:     exec,
		handlers:     handlers,
		logger:       logger,
		pollInterval: cfg.Scheduler.GetPollInterval(),
		swapCooldown: cfg.Scheduler.GetModelSwapCooldown(),
		defaultModel: cfg.Engine.DefaultModel,
	}
}

// safeGo launches a goroutine with panic recovery and logging, mirroring the teacher's
// job manager convention of never letting a background loop take down the process.
func (s *Scheduler) safeGo(name string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in scheduler goroutine")
			}
		}()
		fn()
	}()
}

// Start resumes any crashed in_progress job (§4.2 "Crash recovery"), then launches the
// heartbeat ticker and the single execution loop. Safe to call once; call Stop before a
// second Start.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if n, err := s.catalog.ResetInProgressJobs(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to reset orphaned in_progress jobs")
	} else if n > 0 {
		s.logger.Info().Int("count", n).Msg("Reset orphaned in_progress jobs to pending")
	}

	s.safeGo("heartbeat", func() { s.heartbeatLoop(ctx) })
	s.safeGo("execution-loop", func() { s.executionLoop(ctx) })

	s.logger.Info().Str("poll_interval", s.pollInterval.String()).Msg("Scheduler started")
}

// Stop cancels both loops and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval / 2)
	defer ticker.Stop()
	for {
		s.refreshHeartbeat(ctx, models.WorkerStatusIdle, "")
		s.expireStaleJobs(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// expireStaleJobs transitions any non-terminal, non-in_progress job whose expires_at has
// passed to "expired" (spec.md §9 open question 2). Piggybacking on the heartbeat tick keeps
// this invariant enforced without a second ticker.
func (s *Scheduler) expireStaleJobs(ctx context.Context) {
	n, err := s.catalog.ExpireStaleJobs(ctx, time.Now())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to expire stale jobs")
		return
	}
	if n > 0 {
		s.logger.Info().Int("count", n).Msg("Expired stale jobs past their expires_at")
	}
}

func (s *Scheduler) refreshHeartbeat(ctx context.Context, status, currentJobID string) {
	hb := &models.WorkerHeartbeat{
		Status:       status,
		CurrentJobID: currentJobID,
		LoadedModel:  s.engine.LoadedModel(),
		LastSeen:     time.Now(),
	}
	if err := s.catalog.UpsertHeartbeat(ctx, hb); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to refresh heartbeat")
	}
}

// executionLoop is the single-flight loop of spec.md §4.2 steps 1-9.
func (s *Scheduler) executionLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.runOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	job, err := s.catalog.GetNextPending(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to query next pending job")
		return
	}
	if job == nil {
		return
	}
	if !job.ExpiresAt.IsZero() && !job.ExpiresAt.After(time.Now()) {
		// Past expires_at: never promote it; expire it in place instead.
		if _, err := s.catalog.CasJobStatus(ctx, job.ID, models.JobStatusPending, models.JobStatusExpired); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed CAS to expired")
		}
		return
	}

	ok, err := s.catalog.CasJobStatus(ctx, job.ID, models.JobStatusPending, models.JobStatusInProgress)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed CAS to in_progress")
		return
	}
	if !ok {
		// Claimed or cancelled concurrently; loop again next tick.
		return
	}

	s.logger.Info().Str("job_id", job.ID).Str("model", job.Model).Msg("Job claimed for execution")

	if err := s.ensureModelLoaded(ctx, job); err != nil {
		s.failJob(ctx, job, common.ErrModelLoadFailed, err)
		return
	}

	s.refreshHeartbeat(ctx, models.WorkerStatusRunning, job.ID)

	outcome := s.executor.Run(ctx, job, func(completed, failed int) {
		s.refreshHeartbeat(ctx, models.WorkerStatusRunning, job.ID)
	})

	if outcome.Success {
		s.completeJob(ctx, job, models.JobStatusCompleted)
	} else {
		s.failJob(ctx, job, outcome.FailureKind, outcome.FailureError)
	}

	s.refreshHeartbeat(ctx, models.WorkerStatusIdle, "")
}

// ensureModelLoaded performs the unload -> cooldown -> load hot-swap sequence when the
// adapter's currently loaded model differs from the job's required model (spec.md §4.2 step 4).
func (s *Scheduler) ensureModelLoaded(ctx context.Context, job *models.BatchJob) error {
	required := job.Model
	if required == "" {
		required = s.defaultModel
	}
	if s.engine.LoadedModel() == required {
		return nil
	}

	if s.engine.LoadedModel() != "" {
		s.refreshHeartbeat(ctx, models.WorkerStatusUnloading, job.ID)
		if err := s.engine.Unload(ctx); err != nil {
			return fmt.Errorf("failed to unload current model: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.swapCooldown):
		}
	}

	s.refreshHeartbeat(ctx, models.WorkerStatusLoading, job.ID)
	if err := s.engine.Load(ctx, required); err != nil {
		return fmt.Errorf("failed to load model %s: %w", required, err)
	}
	return nil
}

func (s *Scheduler) completeJob(ctx context.Context, job *models.BatchJob, status string) {
	if _, err := s.catalog.CasJobStatus(ctx, job.ID, models.JobStatusInProgress, status); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed CAS to completed")
	}
	s.runTerminalHooks(ctx, job.ID)
}

func (s *Scheduler) failJob(ctx context.Context, job *models.BatchJob, kind common.ErrorKind, cause error) {
	s.logger.Warn().Err(cause).Str("job_id", job.ID).Str("kind", string(kind)).Msg("Job failed")
	if _, err := s.catalog.CasJobStatus(ctx, job.ID, models.JobStatusInProgress, models.JobStatusFailed); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed CAS to failed")
	}
	s.runTerminalHooks(ctx, job.ID)
}

func (s *Scheduler) runTerminalHooks(ctx context.Context, jobID string) {
	job, err := s.catalog.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to reload job for terminal hooks")
		return
	}
	s.handlers.Dispatch(ctx, job)
}
