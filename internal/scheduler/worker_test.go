package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bobmcallan/batchd/internal/catalog/badger"
	"github.com/bobmcallan/batchd/internal/common"
	"github.com/bobmcallan/batchd/internal/engine"
	"github.com/bobmcallan/batchd/internal/executor"
	"github.com/bobmcallan/batchd/internal/filestore"
	"github.com/bobmcallan/batchd/internal/gpuprobe"
	"github.com/bobmcallan/batchd/internal/interfaces"
	"github.com/bobmcallan/batchd/internal/models"
	"github.com/bobmcallan/batchd/internal/resulthandlers"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []resulthandlers.Event
}

func (h *recordingHandler) Name() string                          { return "recorder" }
func (h *recordingHandler) Priority() int                         { return 1 }
func (h *recordingHandler) Enabled(ctx context.Context) bool       { return true }
func (h *recordingHandler) OnError(err error)                      {}
func (h *recordingHandler) Handle(ctx context.Context, e resulthandlers.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	return nil
}

func (h *recordingHandler) seen() []resulthandlers.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]resulthandlers.Event, len(h.events))
	copy(out, h.events)
	return out
}

func newTestScheduler(t *testing.T, cfg *common.Config) (*Scheduler, *badger.Catalog, *filestore.Store, *engine.MockEngine, *recordingHandler) {
	t.Helper()
	logger := common.NewSilentLogger()
	if cfg == nil {
		cfg = common.NewDefaultConfig()
	}
	cfg.Scheduler.PollInterval = "1ms"
	cfg.Scheduler.ModelSwapCooldown = "1ms"

	cat, err := badger.NewCatalog(logger, t.TempDir())
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	files, err := filestore.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	gpu := gpuprobe.NewProbe(logger, gpuprobe.StaticProber{Result: interfaces.GPUStats{MemoryPercent: 10, FreeBytes: 1 << 30}})
	eng := engine.NewMockEngine()
	exec := executor.New(cat, files, eng, gpu, logger, *cfg)
	handlers := resulthandlers.NewRegistry(logger)
	rec := &recordingHandler{}
	handlers.Register(rec)

	return New(cat, eng, exec, handlers, logger, *cfg), cat, files, eng, rec
}

func TestRunOnce_ClaimsAndCompletesPendingJob(t *testing.T) {
	s, cat, files, _, rec := newTestScheduler(t, nil)

	inputFileID, err := files.PutInput(context.Background(), []byte(`{"custom_id":"1","method":"POST","url":"/v1/chat/completions","body":{"model":"m","messages":[{"role":"user","content":"hi"}]}}`+"\n"))
	if err != nil {
		t.Fatalf("PutInput: %v", err)
	}
	job := &models.BatchJob{
		ID: "batch-1", Model: "m", InputFileID: inputFileID, Status: models.JobStatusPending,
		TotalRequests: 1, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := cat.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	s.runOnce(context.Background())

	updated, err := cat.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if updated.Status != models.JobStatusCompleted {
		t.Errorf("Status = %q, want %q", updated.Status, models.JobStatusCompleted)
	}

	events := rec.seen()
	if len(events) != 1 || events[0].JobID != job.ID {
		t.Fatalf("expected exactly one terminal hook dispatch for %s, got %v", job.ID, events)
	}
}

func TestRunOnce_NoOpWhenQueueEmpty(t *testing.T) {
	s, _, _, _, rec := newTestScheduler(t, nil)
	s.runOnce(context.Background())
	if len(rec.seen()) != 0 {
		t.Error("expected no terminal hooks when no job is pending")
	}
}

func TestRunOnce_FailsJobOnModelLoadError(t *testing.T) {
	s, cat, files, eng, rec := newTestScheduler(t, nil)
	eng.WithLoadError(context.DeadlineExceeded)

	inputFileID, err := files.PutInput(context.Background(), []byte(`{"custom_id":"1","method":"POST","url":"/v1/chat/completions","body":{"model":"m"}}`+"\n"))
	if err != nil {
		t.Fatalf("PutInput: %v", err)
	}
	job := &models.BatchJob{
		ID: "batch-1", Model: "m", InputFileID: inputFileID, Status: models.JobStatusPending,
		TotalRequests: 1, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := cat.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	s.runOnce(context.Background())

	updated, err := cat.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if updated.Status != models.JobStatusFailed {
		t.Errorf("Status = %q, want %q", updated.Status, models.JobStatusFailed)
	}
	if len(rec.seen()) != 1 {
		t.Error("expected terminal hooks to still run after a model load failure")
	}
}

func TestEnsureModelLoaded_SkipsSwapWhenAlreadyLoaded(t *testing.T) {
	s, _, _, eng, _ := newTestScheduler(t, nil)
	if err := eng.Load(context.Background(), "m"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	loadCallsBefore := eng.LoadCalls

	if err := s.ensureModelLoaded(context.Background(), &models.BatchJob{Model: "m"}); err != nil {
		t.Fatalf("ensureModelLoaded: %v", err)
	}
	if eng.LoadCalls != loadCallsBefore {
		t.Errorf("expected no additional Load call when the required model is already loaded, LoadCalls went from %d to %d", loadCallsBefore, eng.LoadCalls)
	}
}

func TestEnsureModelLoaded_SwapsWhenDifferentModelRequired(t *testing.T) {
	s, _, _, eng, _ := newTestScheduler(t, nil)
	if err := eng.Load(context.Background(), "old-model"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := s.ensureModelLoaded(context.Background(), &models.BatchJob{Model: "new-model"}); err != nil {
		t.Fatalf("ensureModelLoaded: %v", err)
	}
	if eng.UnloadCalls != 1 {
		t.Errorf("UnloadCalls = %d, want 1", eng.UnloadCalls)
	}
	if eng.LoadedModel() != "new-model" {
		t.Errorf("LoadedModel() = %q, want new-model", eng.LoadedModel())
	}
}

func TestExpireStaleJobs_TransitionsPastDeadlinePendingJob(t *testing.T) {
	s, cat, files, _, _ := newTestScheduler(t, nil)

	inputFileID, err := files.PutInput(context.Background(), []byte(`{"custom_id":"1","method":"POST","url":"/v1/chat/completions","body":{"model":"m"}}`+"\n"))
	if err != nil {
		t.Fatalf("PutInput: %v", err)
	}
	job := &models.BatchJob{
		ID: "batch-expired", Model: "m", InputFileID: inputFileID, Status: models.JobStatusPending,
		TotalRequests: 1, CreatedAt: time.Now().Add(-time.Hour), ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := cat.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	s.expireStaleJobs(context.Background())

	updated, err := cat.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if updated.Status != models.JobStatusExpired {
		t.Errorf("Status = %q, want %q", updated.Status, models.JobStatusExpired)
	}
}

func TestStartStop_ExpiresStaleJobsViaHeartbeatLoop(t *testing.T) {
	s, cat, files, _, _ := newTestScheduler(t, nil)

	inputFileID, err := files.PutInput(context.Background(), []byte(`{"custom_id":"1","method":"POST","url":"/v1/chat/completions","body":{"model":"m"}}`+"\n"))
	if err != nil {
		t.Fatalf("PutInput: %v", err)
	}
	job := &models.BatchJob{
		ID: "batch-expired", Model: "m", InputFileID: inputFileID, Status: models.JobStatusPending,
		TotalRequests: 1, CreatedAt: time.Now().Add(-time.Hour), ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := cat.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	s.Start()
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	updated, err := cat.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if updated.Status != models.JobStatusExpired {
		t.Errorf("Status = %q, want %q — the heartbeat loop should have expired it without any runOnce claim", updated.Status, models.JobStatusExpired)
	}
}

func TestStartStop_ResetsOrphanedInProgressJobs(t *testing.T) {
	s, cat, files, _, _ := newTestScheduler(t, nil)

	inputFileID, err := files.PutInput(context.Background(), []byte(`{"custom_id":"1","method":"POST","url":"/v1/chat/completions","body":{"model":"m"}}`+"\n"))
	if err != nil {
		t.Fatalf("PutInput: %v", err)
	}
	orphan := &models.BatchJob{
		ID: "batch-orphan", Model: "m", InputFileID: inputFileID, Status: models.JobStatusInProgress,
		TotalRequests: 1, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := cat.InsertJob(context.Background(), orphan); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	s.Start()
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	updated, err := cat.GetJob(context.Background(), orphan.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if updated.Status == models.JobStatusInProgress {
		t.Error("expected orphaned in_progress job to have been reset or progressed by Start/Stop")
	}
}
