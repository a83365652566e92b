// Package executor implements the chunked executor (C8): streams a job's input requests
// through the inference engine adapter in GPU-pressure-aware chunks, appending results to
// the output file with fsync-before-advance crash safety (spec.md §4.3).
package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bobmcallan/batchd/internal/common"
	"github.com/bobmcallan/batchd/internal/interfaces"
	"github.com/bobmcallan/batchd/internal/models"
)

// Outcome is the terminal result of running a job to completion or failure.
type Outcome struct {
	Success      bool
	FailureKind  common.ErrorKind
	FailureError error
}

// Executor runs one job's chunked generation loop.
type Executor struct {
	catalog interfaces.Catalog
	files   interfaces.FileStore
	engine  interfaces.Engine
	gpu     interfaces.GPUProbe
	logger  *common.Logger

	chunkSizeCeiling int
	chunkSizeFloor   int
	memoryPressure   float64
	freeBytesFloor   int64
}

// New creates a chunked executor.
func New(catalog interfaces.Catalog, files interfaces.FileStore, engine interfaces.Engine, gpu interfaces.GPUProbe, logger *common.Logger, cfg common.Config) *Executor {
	return &Executor{
		catalog:          catalog,
		files:            files,
		engine:           engine,
		gpu:              gpu,
		logger:           logger,
		chunkSizeCeiling: cfg.Scheduler.ChunkSize,
		chunkSizeFloor:   cfg.Scheduler.ChunkSizeFloor,
		memoryPressure:   cfg.GPU.MemoryPressureThreshold,
		freeBytesFloor:   cfg.GPU.FreeBytesFloor,
	}
}

// Run executes job from its resume offset to completion, heartbeat callback included so the
// scheduler can keep current_job_id/last_seen fresh without the executor knowing about the
// full heartbeat row shape.
func (e *Executor) Run(ctx context.Context, job *models.BatchJob, onProgress func(completed, failed int)) Outcome {
	requests, err := e.loadRequests(ctx, job.InputFileID)
	if err != nil {
		return Outcome{Success: false, FailureKind: common.ErrInvalidInput, FailureError: err}
	}
	if len(requests) != job.TotalRequests {
		return Outcome{Success: false, FailureKind: common.ErrInvalidInput, FailureError: fmt.Errorf("input file now has %d requests, admission recorded %d", len(requests), job.TotalRequests)}
	}

	outputFileID := job.OutputFileID
	if outputFileID == "" {
		outputFileID = job.ID + "-output.jsonl"
		if err := e.catalog.SetOutputFileID(ctx, job.ID, outputFileID); err != nil {
			return Outcome{Success: false, FailureKind: common.ErrEngineFailure, FailureError: fmt.Errorf("failed to set output file id: %w", err)}
		}
	}

	resumeOffset, err := e.resumeOffset(ctx, outputFileID, len(requests))
	if err != nil {
		return Outcome{Success: false, FailureKind: common.ErrEngineFailure, FailureError: err}
	}

	remaining := requests[resumeOffset:]
	e.logger.Info().Str("job_id", job.ID).Int("resume_offset", resumeOffset).Int("remaining", len(remaining)).Msg("Starting chunked execution")

	for len(remaining) > 0 {
		select {
		case <-ctx.Done():
			return Outcome{Success: false, FailureKind: common.ErrEngineFailure, FailureError: ctx.Err()}
		default:
		}

		chunkSize := e.chunkSizeFor(ctx)
		if chunkSize > len(remaining) {
			chunkSize = len(remaining)
		}
		chunk := remaining[:chunkSize]

		prompts := make([]interfaces.Prompt, len(chunk))
		for i, r := range chunk {
			prompts[i] = interfaces.Prompt{CustomID: r.CustomID, Messages: r.Body.Messages}
		}
		sampling := samplingFor(chunk)

		completions, err := e.engine.Generate(ctx, prompts, sampling)
		if err != nil {
			return Outcome{Success: false, FailureKind: common.ErrEngineFailure, FailureError: fmt.Errorf("engine generate failed: %w", err)}
		}

		completed, failed, err := e.writeChunkResults(ctx, job.ID, outputFileID, completions)
		if err != nil {
			return Outcome{Success: false, FailureKind: common.ErrEngineFailure, FailureError: err}
		}

		if err := e.catalog.IncrementCounters(ctx, job.ID, completed, failed); err != nil {
			e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to update job counters")
		}
		if onProgress != nil {
			onProgress(completed, failed)
		}

		if len(chunk) > 0 && failed == len(chunk) {
			return Outcome{Success: false, FailureKind: common.ErrEngineFailure, FailureError: fmt.Errorf("entire chunk of %d requests failed", len(chunk))}
		}

		remaining = remaining[chunkSize:]
	}

	return Outcome{Success: true}
}

// loadRequests stream-parses the input file into an ordered slice (spec.md §4.3 step 1).
func (e *Executor) loadRequests(ctx context.Context, inputFileID string) ([]models.RequestLine, error) {
	data, err := e.files.Get(ctx, inputFileID)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}

	var requests []models.RequestLine
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var req models.RequestLine
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, fmt.Errorf("malformed input line %d: %w", len(requests)+1, err)
		}
		requests = append(requests, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan input file: %w", err)
	}
	return requests, nil
}

// resumeOffset computes R = count_lines(output_file), truncating any dangling partial final
// line first as a corruption guard (spec.md §4.3 step 3).
func (e *Executor) resumeOffset(ctx context.Context, outputFileID string, total int) (int, error) {
	exists, err := e.files.Exists(ctx, outputFileID)
	if err != nil {
		return 0, fmt.Errorf("failed to check output file existence: %w", err)
	}
	if !exists {
		return 0, nil
	}

	n, err := e.files.CountLines(ctx, outputFileID)
	if err != nil {
		return 0, fmt.Errorf("failed to count output lines: %w", err)
	}
	if err := e.files.Truncate(ctx, outputFileID, n); err != nil {
		return 0, fmt.Errorf("failed to truncate output file to %d lines: %w", n, err)
	}
	if n > total {
		n = total
	}
	return n, nil
}

// chunkSizeFor reassesses the safety ceiling against current GPU pressure (spec.md §4.3 step 2).
func (e *Executor) chunkSizeFor(ctx context.Context) int {
	size := e.chunkSizeCeiling
	if size <= 0 {
		size = 5000
	}

	stats, err := e.gpu.Stats(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("GPU probe failed during chunk sizing, using floor")
		return e.floorOr(0)
	}
	if stats.MemoryPercent > e.memoryPressure || (e.freeBytesFloor > 0 && stats.FreeBytes < e.freeBytesFloor) {
		return e.floorOr(size / 10)
	}
	return size
}

func (e *Executor) floorOr(size int) int {
	floor := e.chunkSizeFloor
	if floor <= 0 {
		floor = 500
	}
	if size < floor {
		return floor
	}
	return size
}

// writeChunkResults appends one result line per completion, fsyncing before advancing, and
// records per-request failures (spec.md §4.3 steps 4c/4d).
func (e *Executor) writeChunkResults(ctx context.Context, jobID, outputFileID string, completions []interfaces.Completion) (completed, failed int, err error) {
	for _, c := range completions {
		result := models.ResultLine{CustomID: c.CustomID}
		if c.Err != nil {
			result.Error = &models.ResultError{Kind: string(common.ErrRequestFailed), Message: c.Err.Error()}
		} else {
			result.Response = &models.ResultResponse{
				StatusCode: 200,
				Body: models.ResultBody{
					Choices: []models.ResultChoice{{Message: models.ChatMessage{Role: "assistant", Content: c.Content}}},
					Usage:   models.ResultUsage{PromptTokens: c.PromptTokens, CompletionTokens: c.CompletionTokens},
				},
			}
		}

		line, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			return completed, failed, fmt.Errorf("failed to marshal result line for %s: %w", c.CustomID, marshalErr)
		}
		if appendErr := e.files.AppendOutputLine(ctx, outputFileID, line); appendErr != nil {
			return completed, failed, fmt.Errorf("failed to append result line for %s: %w", c.CustomID, appendErr)
		}

		if c.Err != nil {
			failed++
			fr := &models.FailedRequest{
				JobID:        jobID,
				CustomID:     c.CustomID,
				ErrorKind:    string(common.ErrRequestFailed),
				ErrorMessage: c.Err.Error(),
				CreatedAt:    time.Now(),
			}
			if insertErr := e.catalog.InsertFailedRequest(ctx, fr); insertErr != nil {
				e.logger.Warn().Err(insertErr).Str("custom_id", c.CustomID).Msg("Failed to record failed request")
			}
		} else {
			completed++
		}
	}
	return completed, failed, nil
}

func samplingFor(chunk []models.RequestLine) interfaces.Sampling {
	if len(chunk) == 0 {
		return interfaces.Sampling{}
	}
	first := chunk[0].Body
	return interfaces.Sampling{MaxTokens: first.MaxTokens, Temperature: first.Temperature, TopP: first.TopP}
}
