package extraction

import (
	"context"
	"sync"
)

// MockLLMClient returns a canned response and remembers the last prompt.
type MockLLMClient struct {
	Response string
	Err      error

	mu         sync.Mutex
	LastPrompt string
}

func (m *MockLLMClient) Generate(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.LastPrompt = prompt
	m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	return m.Response, nil
}
