// Package engine implements interfaces.Engine (C4): the Load/Generate/Unload lifecycle
// wrapper around an external inference backend, grounded on the teacher's gemini.Client
// (internal/clients/gemini/client.go), generalized from its single-shot GenerateContent into
// a per-prompt batch loop that preserves input order and isolates per-element failures
// (spec.md §4.6).
package engine

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"github.com/bobmcallan/batchd/internal/common"
	"github.com/bobmcallan/batchd/internal/interfaces"
	"github.com/bobmcallan/batchd/internal/models"
)

// Adapter implements interfaces.Engine over google.golang.org/genai.
type Adapter struct {
	logger *common.Logger
	apiKey string

	mu          sync.Mutex // Load/Unload/Generate are serialised: single-worker invariant (spec.md §3)
	client      *genai.Client
	loadedModel string
}

// NewAdapter creates an engine adapter. The underlying genai client is created lazily on
// the first Load call so that constructing the adapter never touches the network.
func NewAdapter(logger *common.Logger, apiKey string) *Adapter {
	return &Adapter{logger: logger, apiKey: apiKey}
}

// Load loads the given model. Idempotent with respect to the same model id; the genai
// backend has no separate "load" step, so this call validates connectivity by constructing
// the client (if needed) and records the active model id (spec.md §4.6).
func (a *Adapter) Load(ctx context.Context, modelID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.loadedModel == modelID && a.client != nil {
		return nil
	}

	if a.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  a.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return fmt.Errorf("failed to create engine client: %w", err)
		}
		a.client = client
	}

	a.loadedModel = modelID
	a.logger.Info().Str("model", modelID).Msg("Engine model loaded")
	return nil
}

// Unload releases the currently loaded model. The genai client holds no GPU-resident state
// client-side, so this only clears the bookkeeping; a real local-inference backend would
// free GPU memory here (spec.md §4.6 "Resource ownership").
func (a *Adapter) Unload(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger.Info().Str("model", a.loadedModel).Msg("Engine model unloaded")
	a.loadedModel = ""
	return nil
}

func (a *Adapter) LoadedModel() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadedModel
}

// Generate runs one prompt at a time against the loaded model, preserving input order and
// converting a per-prompt failure into a Completion.Err rather than aborting the batch
// (spec.md §4.6 "one bad request must not fail the whole chunk").
func (a *Adapter) Generate(ctx context.Context, prompts []interfaces.Prompt, sampling interfaces.Sampling) ([]interfaces.Completion, error) {
	a.mu.Lock()
	client := a.client
	model := a.loadedModel
	a.mu.Unlock()

	if client == nil || model == "" {
		return nil, fmt.Errorf("engine has no model loaded")
	}

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(sampling.Temperature)),
		TopP:            genai.Ptr(float32(sampling.TopP)),
		MaxOutputTokens: int32(sampling.MaxTokens),
	}

	results := make([]interfaces.Completion, len(prompts))
	for i, p := range prompts {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		contents := renderContents(p.Messages)
		resp, err := client.Models.GenerateContent(ctx, model, contents, config)
		if err != nil {
			results[i] = interfaces.Completion{CustomID: p.CustomID, Err: fmt.Errorf("generate failed: %w", err)}
			continue
		}

		text, usage, err := extractCompletion(resp)
		if err != nil {
			results[i] = interfaces.Completion{CustomID: p.CustomID, Err: err}
			continue
		}

		results[i] = interfaces.Completion{
			CustomID:         p.CustomID,
			Content:          text,
			PromptTokens:     usage.promptTokens,
			CompletionTokens: usage.completionTokens,
		}
	}
	return results, nil
}

func renderContents(messages []models.ChatMessage) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := genai.RoleUser
		if m.Role == "assistant" || m.Role == "model" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return contents
}

type usageTokens struct {
	promptTokens     int
	completionTokens int
}

func extractCompletion(result *genai.GenerateContentResponse) (string, usageTokens, error) {
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return "", usageTokens{}, fmt.Errorf("no content generated")
	}

	text := ""
	for _, part := range result.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
	}

	var usage usageTokens
	if result.UsageMetadata != nil {
		usage.promptTokens = int(result.UsageMetadata.PromptTokenCount)
		usage.completionTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}
	return text, usage, nil
}

var _ interfaces.Engine = (*Adapter)(nil)
