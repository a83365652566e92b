package interfaces

import (
	"context"

	"github.com/bobmcallan/batchd/internal/models"
)

// FileStore (C2) provides content-addressed storage for input and output JSONL files.
// Input files are immutable once uploaded; output files are create-on-first-append,
// append + flush only (spec.md §4.5).
type FileStore interface {
	// PutInput stores an immutable input file and returns its opaque id.
	PutInput(ctx context.Context, data []byte) (fileID string, err error)

	// Get returns the full content of an input or output file.
	Get(ctx context.Context, fileID string) ([]byte, error)

	// AppendOutputLine appends one JSON line to an output file, creating it on first call,
	// and flushes (fsync or equivalent) before returning (spec.md §4.3 step 4c).
	AppendOutputLine(ctx context.Context, fileID string, line []byte) error

	// CountLines returns the number of complete lines currently in a file. Used to compute
	// the resume offset R (spec.md §4.3 step 3).
	CountLines(ctx context.Context, fileID string) (int, error)

	// Truncate trims a file down to exactly n complete lines, discarding a dangling partial
	// final line left by a crash mid-write (spec.md §4.3 "corruption guard").
	Truncate(ctx context.Context, fileID string, n int) error

	// Exists reports whether a file id has been created yet.
	Exists(ctx context.Context, fileID string) (bool, error)

	Close() error
}

// Prompt is one rendered prompt passed to the inference engine adapter.
type Prompt struct {
	CustomID string
	Messages []models.ChatMessage
}

// Sampling carries the sampling knobs taken from a request body.
type Sampling struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// Completion is one engine result, success or per-element failure (spec.md §4.6).
type Completion struct {
	CustomID         string
	Content          string
	PromptTokens     int
	CompletionTokens int
	Err              error
}

// Engine (C4) is the lifecycle contract over an external inference engine, treated as a
// black box per spec.md §1: Load(model) / Generate(prompts) / Unload().
type Engine interface {
	// Load loads the given model. Idempotent with respect to the same model id
	// (spec.md §4.6: "Load is idempotent with respect to the same model_id").
	Load(ctx context.Context, modelID string) error

	// Unload releases the currently-loaded model's GPU memory. A cooldown is required
	// before a subsequent Load (spec.md §4.6 "Resource ownership").
	Unload(ctx context.Context) error

	// LoadedModel returns the currently-loaded model id, or "" if none.
	LoadedModel() string

	// Generate is synchronous and returns one Completion per prompt, in input order, with
	// per-element errors for prompts that failed individually (spec.md §4.6).
	Generate(ctx context.Context, prompts []Prompt, sampling Sampling) ([]Completion, error)
}

// GPUStats is the best-effort health snapshot returned by the GPU probe (C3).
type GPUStats struct {
	MemoryPercent   float64
	UtilizationPercent float64
	TemperatureC    float64
	FreeBytes       int64
}

// GPUProbe (C3) returns best-effort GPU telemetry. Read-only; never touches the GPU
// exclusively held by the engine adapter between Load and Unload (spec.md §5).
type GPUProbe interface {
	Stats(ctx context.Context) (GPUStats, error)
}
