// Package app wires together every batchd component into the shared core used by
// cmd/batchd-server (spec.md §3 "Components").
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bobmcallan/batchd/internal/admission"
	"github.com/bobmcallan/batchd/internal/catalog/badger"
	"github.com/bobmcallan/batchd/internal/catalog/surreal"
	"github.com/bobmcallan/batchd/internal/common"
	"github.com/bobmcallan/batchd/internal/engine"
	"github.com/bobmcallan/batchd/internal/executor"
	"github.com/bobmcallan/batchd/internal/filestore"
	"github.com/bobmcallan/batchd/internal/gpuprobe"
	"github.com/bobmcallan/batchd/internal/interfaces"
	"github.com/bobmcallan/batchd/internal/resulthandlers"
	"github.com/bobmcallan/batchd/internal/scheduler"
	"github.com/bobmcallan/batchd/internal/webhook"
)

// App holds every initialized component and is the shared core used by cmd/batchd-server.
type App struct {
	Config *common.Config
	Logger *common.Logger

	Catalog   interfaces.Catalog
	Files     interfaces.FileStore
	GPU       interfaces.GPUProbe
	Engine    interfaces.Engine
	Admission *admission.Controller
	Executor  *executor.Executor
	Handlers  *resulthandlers.Registry
	Webhook   *webhook.Dispatcher
	Scheduler *scheduler.Scheduler

	StartupTime time.Time
}

// getBinaryDir returns the directory containing the executable, so batchd can run
// self-contained from wherever it was installed.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp loads configuration and wires every component (C1-C10). configPath may be
// empty, in which case the default resolution order below is used.
func NewApp(configPath string) (*App, error) {
	startupStart := time.Now()
	binDir := getBinaryDir()

	if configPath == "" {
		configPath = os.Getenv("BATCHD_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "batchd.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/batchd.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if config.FileStore.File.BasePath != "" && !filepath.IsAbs(config.FileStore.File.BasePath) {
		config.FileStore.File.BasePath = filepath.Join(binDir, config.FileStore.File.BasePath)
	}
	if config.Catalog.Badger.Path != "" && !filepath.IsAbs(config.Catalog.Badger.Path) {
		config.Catalog.Badger.Path = filepath.Join(binDir, config.Catalog.Badger.Path)
	}

	logger := common.NewLogger(config.Logging.Level)

	ctx := context.Background()

	catalog, err := newCatalog(ctx, config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize catalog: %w", err)
	}

	files, err := newFileStore(ctx, config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize file store: %w", err)
	}

	gpu := gpuprobe.NewProbe(logger, nil)

	eng, err := newEngine(ctx, config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize inference engine: %w", err)
	}

	admissionCtrl := admission.NewController(catalog, files, gpu, logger, *config)
	exec := executor.New(catalog, files, eng, gpu, logger, *config)

	handlers := resulthandlers.NewRegistry(logger)
	wh := webhook.NewDispatcher(catalog, logger, config.Webhook)
	handlers.Register(wh)

	sched := scheduler.New(catalog, eng, exec, handlers, logger, *config)

	a := &App{
		Config:      config,
		Logger:      logger,
		Catalog:     catalog,
		Files:       files,
		GPU:         gpu,
		Engine:      eng,
		Admission:   admissionCtrl,
		Executor:    exec,
		Handlers:    handlers,
		Webhook:     wh,
		Scheduler:   sched,
		StartupTime: startupStart,
	}

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("App initialized")
	return a, nil
}

func newCatalog(ctx context.Context, config *common.Config, logger *common.Logger) (interfaces.Catalog, error) {
	switch config.Catalog.Backend {
	case "surreal":
		return surreal.NewCatalog(ctx, config.Catalog.Surreal, logger)
	default:
		return badger.NewCatalog(logger, config.Catalog.Badger.Path)
	}
}

func newFileStore(ctx context.Context, config *common.Config, logger *common.Logger) (interfaces.FileStore, error) {
	switch config.FileStore.Backend {
	case "s3":
		return filestore.NewS3Store(ctx, logger, filestore.S3Config{
			Bucket:    config.FileStore.S3.Bucket,
			Prefix:    config.FileStore.S3.Prefix,
			Region:    config.FileStore.S3.Region,
			Endpoint:  config.FileStore.S3.Endpoint,
			AccessKey: config.FileStore.S3.AccessKey,
			SecretKey: config.FileStore.S3.SecretKey,
		})
	default:
		return filestore.NewStore(logger, config.FileStore.File.BasePath)
	}
}

func newEngine(ctx context.Context, config *common.Config, logger *common.Logger) (interfaces.Engine, error) {
	switch config.Engine.Backend {
	case "gemini":
		return engine.NewAdapter(logger, config.Engine.APIKey), nil
	default:
		return engine.NewMockEngine(), nil
	}
}

// Close releases every resource the App holds open. Shutdown order: stop the
// scheduler first so no job is mid-execution, then close the catalog and file store.
func (a *App) Close() {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Catalog != nil {
		a.Catalog.Close()
	}
	if a.Files != nil {
		a.Files.Close()
	}
}
