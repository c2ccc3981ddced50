// Package llm wraps the chat and embedding APIs used for document extraction.
package llm

import (
	"context"
)

// systemPrompt is sent with every generation request.
const systemPrompt = "You extract entities and relationships from documents. Answer with one JSON object and no prose."

type LLMClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type EmbedderClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
