package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/bobmcallan/batchd/internal/interfaces"
)

// MockEngine is a deterministic interfaces.Engine used by scheduler/executor tests so they
// never depend on network access or a real API key.
type MockEngine struct {
	mu          sync.Mutex
	loadedModel string
	loadErr     error
	generateFn  func(prompts []interfaces.Prompt) []interfaces.Completion

	LoadCalls     int
	UnloadCalls   int
	GenerateCalls int
}

// NewMockEngine creates a MockEngine that echoes each prompt's last message as its
// completion content unless a custom generateFn is supplied via WithGenerateFunc.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		generateFn: func(prompts []interfaces.Prompt) []interfaces.Completion {
			out := make([]interfaces.Completion, len(prompts))
			for i, p := range prompts {
				content := ""
				if len(p.Messages) > 0 {
					content = "echo: " + p.Messages[len(p.Messages)-1].Content
				}
				out[i] = interfaces.Completion{CustomID: p.CustomID, Content: content, PromptTokens: 1, CompletionTokens: 1}
			}
			return out
		},
	}
}

// WithGenerateFunc overrides the completion behavior, e.g. to simulate per-element failures.
func (m *MockEngine) WithGenerateFunc(fn func(prompts []interfaces.Prompt) []interfaces.Completion) *MockEngine {
	m.generateFn = fn
	return m
}

// WithLoadError makes Load fail, to exercise the scheduler's model-load-failure path.
func (m *MockEngine) WithLoadError(err error) *MockEngine {
	m.loadErr = err
	return m
}

func (m *MockEngine) Load(_ context.Context, modelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LoadCalls++
	if m.loadErr != nil {
		return m.loadErr
	}
	if m.loadedModel == modelID {
		return nil
	}
	m.loadedModel = modelID
	return nil
}

func (m *MockEngine) Unload(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UnloadCalls++
	m.loadedModel = ""
	return nil
}

func (m *MockEngine) LoadedModel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadedModel
}

func (m *MockEngine) Generate(_ context.Context, prompts []interfaces.Prompt, _ interfaces.Sampling) ([]interfaces.Completion, error) {
	m.mu.Lock()
	m.GenerateCalls++
	loaded := m.loadedModel
	m.mu.Unlock()

	if loaded == "" {
		return nil, fmt.Errorf("mock engine has no model loaded")
	}
	return m.generateFn(prompts), nil
}

var _ interfaces.Engine = (*MockEngine)(nil)
