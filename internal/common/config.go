// Package common provides shared utilities for batchd.
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for batchd.
type Config struct {
	Environment string          `toml:"environment"`
	Server      ServerConfig    `toml:"server"`
	Catalog     CatalogConfig   `toml:"catalog"`
	FileStore   FileStoreConfig `toml:"file_store"`
	Engine      EngineConfig    `toml:"engine"`
	Admission   AdmissionConfig `toml:"admission"`
	GPU         GPUConfig       `toml:"gpu"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Webhook     WebhookConfig   `toml:"webhook"`
	Logging     LoggingConfig   `toml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// CatalogConfig selects and configures the Catalog (C1) backend.
type CatalogConfig struct {
	Backend string       `toml:"backend"` // "surreal" or "badger"
	Surreal SurrealConfig `toml:"surreal"`
	Badger  BadgerConfig  `toml:"badger"`
}

// SurrealConfig holds SurrealDB connection settings.
type SurrealConfig struct {
	Endpoint  string `toml:"endpoint"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// BadgerConfig holds the embedded-fallback Catalog backend settings.
type BadgerConfig struct {
	Path string `toml:"path"`
}

// FileStoreConfig selects and configures the File store (C2) backend.
type FileStoreConfig struct {
	Backend string        `toml:"backend"` // "file" or "s3"
	File    FileAreaConfig `toml:"file"`
	S3      S3AreaConfig   `toml:"s3"`
}

// FileAreaConfig holds local-disk file store configuration.
type FileAreaConfig struct {
	BasePath string `toml:"base_path"`
}

// S3AreaConfig holds AWS S3 file store configuration.
type S3AreaConfig struct {
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
}

// EngineConfig holds inference engine adapter (C4) configuration.
type EngineConfig struct {
	Backend      string `toml:"backend"` // "gemini" (default external-engine grounding) or "mock"
	DefaultModel string `toml:"default_model"`
	APIKey       string `toml:"api_key"`
	Timeout      string `toml:"timeout"`
}

// GetTimeout parses and returns the engine call timeout duration.
func (c *EngineConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// AdmissionConfig holds the admission controller's (C5) caps.
type AdmissionConfig struct {
	MaxRequestsPerJob      int `toml:"max_requests_per_job"`
	MaxQueueDepth          int `toml:"max_queue_depth"`
	MaxTotalQueuedRequests int `toml:"max_total_queued_requests"`
}

// GPUConfig holds GPU health probe (C3) rejection thresholds.
type GPUConfig struct {
	MemoryRejectThreshold float64 `toml:"memory_reject_threshold"`
	TempRejectThreshold   float64 `toml:"temp_reject_threshold"`
	MemoryPressureThreshold float64 `toml:"memory_pressure_threshold"` // chunk-size reduction trigger
	FreeBytesFloor          int64   `toml:"free_bytes_floor"`
}

// SchedulerConfig holds scheduler/worker (C7) and chunked executor (C8) timing knobs.
type SchedulerConfig struct {
	PollInterval           string `toml:"poll_interval"`
	WorkerLivenessDeadline string `toml:"worker_liveness_deadline"`
	ModelSwapCooldown      string `toml:"model_swap_cooldown"`
	ChunkSize              int    `toml:"chunk_size"`
	ChunkSizeFloor         int    `toml:"chunk_size_floor"`
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetPollInterval parses and returns the scheduler poll interval.
func (c *SchedulerConfig) GetPollInterval() time.Duration {
	return parseDurationOr(c.PollInterval, 10*time.Second)
}

// GetWorkerLivenessDeadline parses and returns the worker liveness deadline.
func (c *SchedulerConfig) GetWorkerLivenessDeadline() time.Duration {
	return parseDurationOr(c.WorkerLivenessDeadline, 60*time.Second)
}

// GetModelSwapCooldown parses and returns the model hot-swap cooldown.
func (c *SchedulerConfig) GetModelSwapCooldown() time.Duration {
	return parseDurationOr(c.ModelSwapCooldown, 2*time.Second)
}

// WebhookConfig holds webhook dispatcher (C10) defaults.
type WebhookConfig struct {
	DefaultRetries  int    `toml:"default_retries"`
	DefaultTimeoutS int    `toml:"default_timeout_s"`
	BackoffBase     string `toml:"backoff_base"`
}

// GetBackoffBase parses and returns the webhook retry backoff base duration.
func (c *WebhookConfig) GetBackoffBase() time.Duration {
	return parseDurationOr(c.BackoffBase, 2*time.Second)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level   string   `toml:"level"`
	Format  string   `toml:"format"`
	Outputs []string `toml:"outputs"`
}

// NewDefaultConfig returns a Config seeded with every default spec.md §4.1/§6 names.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Catalog: CatalogConfig{
			Backend: "badger",
			Surreal: SurrealConfig{
				Endpoint:  "ws://localhost:8000/rpc",
				Namespace: "batchd",
				Database:  "batchd",
			},
			Badger: BadgerConfig{
				Path: "data/catalog",
			},
		},
		FileStore: FileStoreConfig{
			Backend: "file",
			File: FileAreaConfig{
				BasePath: "data/files",
			},
		},
		Engine: EngineConfig{
			Backend:      "mock",
			DefaultModel: "gemini-3-flash-preview",
			Timeout:      "120s",
		},
		Admission: AdmissionConfig{
			MaxRequestsPerJob:      50000,
			MaxQueueDepth:          10,
			MaxTotalQueuedRequests: 100000,
		},
		GPU: GPUConfig{
			MemoryRejectThreshold:   95,
			TempRejectThreshold:     85,
			MemoryPressureThreshold: 90,
			FreeBytesFloor:          1 << 30, // 1GiB
		},
		Scheduler: SchedulerConfig{
			PollInterval:           "10s",
			WorkerLivenessDeadline: "60s",
			ModelSwapCooldown:      "2s",
			ChunkSize:              5000,
			ChunkSizeFloor:         500,
		},
		Webhook: WebhookConfig{
			DefaultRetries:  3,
			DefaultTimeoutS: 30,
			BackoffBase:     "2s",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "json",
			Outputs: []string{"console"},
		},
	}
}

// LoadConfig loads configuration from TOML files with environment overrides.
// Files are merged in order (later files override earlier); missing files are skipped.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies the environment variables spec.md §6 names over the config.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("BATCHD_ENV"); v != "" {
		config.Environment = v
	}
	if v := os.Getenv("BATCHD_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("BATCHD_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			config.Server.Port = p
		}
	}
	if v := os.Getenv("BATCHD_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}

	if v := os.Getenv("MAX_REQUESTS_PER_JOB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Admission.MaxRequestsPerJob = n
		}
	}
	if v := os.Getenv("MAX_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Admission.MaxQueueDepth = n
		}
	}
	if v := os.Getenv("MAX_TOTAL_QUEUED_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Admission.MaxTotalQueuedRequests = n
		}
	}
	if v := os.Getenv("CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Scheduler.ChunkSize = n
		}
	}
	if v := os.Getenv("CHUNK_SIZE_FLOOR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Scheduler.ChunkSizeFloor = n
		}
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		config.Scheduler.PollInterval = v
	}
	if v := os.Getenv("WORKER_LIVENESS_DEADLINE"); v != "" {
		config.Scheduler.WorkerLivenessDeadline = v
	}
	if v := os.Getenv("MODEL_SWAP_COOLDOWN"); v != "" {
		config.Scheduler.ModelSwapCooldown = v
	}
	if v := os.Getenv("GPU_MEMORY_REJECT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.GPU.MemoryRejectThreshold = f
		}
	}
	if v := os.Getenv("GPU_TEMP_REJECT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.GPU.TempRejectThreshold = f
		}
	}
	if v := os.Getenv("WEBHOOK_DEFAULT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Webhook.DefaultRetries = n
		}
	}
	if v := os.Getenv("WEBHOOK_DEFAULT_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Webhook.DefaultTimeoutS = n
		}
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
