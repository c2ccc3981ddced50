package core

import (
	"context"
	"errors"
	"strings"

	"github.com/agenthands/graphmerge/internal/core/model"
)

// MockLLM answers with the first response whose key appears in the prompt.
type MockLLM struct {
	Responses map[string]string
	Err       error
}

func (m *MockLLM) Generate(ctx context.Context, prompt string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	for key, resp := range m.Responses {
		if strings.Contains(prompt, key) {
			return resp, nil
		}
	}
	return "", errors.New("no canned response")
}

type MockEmbedder struct {
	Vector []float32
	Err    error
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Vector, nil
}

type MockNearMisses struct {
	Items []model.NearMiss
}

func (m *MockNearMisses) Recent(ctx context.Context, count int64) ([]model.NearMiss, error) {
	if int64(len(m.Items)) > count {
		return m.Items[:count], nil
	}
	return m.Items, nil
}
