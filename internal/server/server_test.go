package server

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bobmcallan/batchd/internal/admission"
	"github.com/bobmcallan/batchd/internal/app"
	"github.com/bobmcallan/batchd/internal/catalog/badger"
	"github.com/bobmcallan/batchd/internal/common"
	"github.com/bobmcallan/batchd/internal/engine"
	"github.com/bobmcallan/batchd/internal/executor"
	"github.com/bobmcallan/batchd/internal/filestore"
	"github.com/bobmcallan/batchd/internal/gpuprobe"
	"github.com/bobmcallan/batchd/internal/interfaces"
	"github.com/bobmcallan/batchd/internal/models"
	"github.com/bobmcallan/batchd/internal/resulthandlers"
	"github.com/bobmcallan/batchd/internal/scheduler"
	"github.com/bobmcallan/batchd/internal/webhook"
)

// newTestApp wires a full App against an embedded badger catalog and a temp-dir file store
// so handler tests exercise the real admission/catalog/filestore stack without network I/O.
func newTestApp(t *testing.T) *app.App {
	t.Helper()

	logger := common.NewSilentLogger()
	cfg := common.NewDefaultConfig()
	cfg.Catalog.Badger.Path = t.TempDir()
	cfg.FileStore.File.BasePath = t.TempDir()

	cat, err := badger.NewCatalog(logger, cfg.Catalog.Badger.Path)
	if err != nil {
		t.Fatalf("failed to open test catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	files, err := filestore.NewStore(logger, cfg.FileStore.File.BasePath)
	if err != nil {
		t.Fatalf("failed to open test file store: %v", err)
	}

	gpu := gpuprobe.NewProbe(logger, gpuprobe.StaticProber{
		Result: interfaces.GPUStats{MemoryPercent: 10, UtilizationPercent: 10, TemperatureC: 40, FreeBytes: 1 << 30},
	})
	eng := engine.NewMockEngine()

	admissionCtrl := admission.NewController(cat, files, gpu, logger, *cfg)
	exec := executor.New(cat, files, eng, gpu, logger, *cfg)
	handlers := resulthandlers.NewRegistry(logger)
	wh := webhook.NewDispatcher(cat, logger, cfg.Webhook)
	handlers.Register(wh)
	sched := scheduler.New(cat, eng, exec, handlers, logger, *cfg)

	if err := cat.UpsertHeartbeat(context.Background(), &models.WorkerHeartbeat{
		Status:   models.WorkerStatusIdle,
		LastSeen: time.Now(),
	}); err != nil {
		t.Fatalf("failed to seed heartbeat: %v", err)
	}

	return &app.App{
		Config:      cfg,
		Logger:      logger,
		Catalog:     cat,
		Files:       files,
		GPU:         gpu,
		Engine:      eng,
		Admission:   admissionCtrl,
		Executor:    exec,
		Handlers:    handlers,
		Webhook:     wh,
		Scheduler:   sched,
		StartupTime: time.Now(),
	}
}

func newTestServer(t *testing.T) (*Server, *app.App) {
	t.Helper()
	a := newTestApp(t)
	return NewServer(a), a
}

func testRequestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}
