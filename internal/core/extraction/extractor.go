package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agenthands/graphmerge/internal/core/common"
	"github.com/agenthands/graphmerge/internal/core/model"
	"github.com/agenthands/graphmerge/internal/core/rules"
	"github.com/agenthands/graphmerge/internal/llm"
)

// DefaultPrompt asks for the JSON shape Convert understands. The first %s is the
// entity type listing, the second the document text.
const DefaultPrompt = `Extract the entities and relationships mentioned in the document below.

Only use these entity types and attributes:
%s

Respond with a single JSON object and nothing else:
{"entities": [{"type": "<entity type>", "name": "<canonical name>", "attributes": {"<attribute>": <value or list of values>}}],
 "relationships": [{"source": "<entity name>", "target": "<entity name>", "type": "<RELATION_TAG>", "description": "<one sentence>", "strength": <0-10>}]}

Document:
%s`

// Document is one raw input handed to the extractor.
type Document struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Permissions []string  `json:"permissions,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
}

type Extractor struct {
	LLM     llm.LLMClient
	catalog *rules.Catalog
	prompt  string
}

// NewExtractor builds an extractor for the catalog's entity types. An empty prompt
// selects DefaultPrompt.
func NewExtractor(llmClient llm.LLMClient, catalog *rules.Catalog, prompt string) *Extractor {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return &Extractor{
		LLM:     llmClient,
		catalog: catalog,
		prompt:  prompt,
	}
}

// Extract runs the LLM over one document and converts its answer into proposals
// sourced from the document.
func (e *Extractor) Extract(ctx context.Context, doc Document) (Converted, error) {
	prompt := fmt.Sprintf(e.prompt, e.schema(), doc.Content)

	response, err := e.LLM.Generate(ctx, prompt)
	if err != nil {
		return Converted{}, fmt.Errorf("failed to generate extraction for %s: %w", doc.ID, err)
	}

	item, err := common.ParseJSON[model.ExtractedItem](response)
	if err != nil {
		return Converted{}, fmt.Errorf("failed to parse extraction for %s: %w", doc.ID, err)
	}
	item.ItemID = doc.ID
	item.SourceItemID = ""
	item.Permissions = doc.Permissions
	item.ProcessedAt = ""

	now := doc.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	return Convert(item, doc.ID, now), nil
}

// ExtractAll extracts every document with at most concurrency calls in flight. The
// first failure cancels the rest.
func (e *Extractor) ExtractAll(ctx context.Context, docs []Document, concurrency int) ([]Converted, error) {
	out := make([]Converted, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, doc := range docs {
		g.Go(func() error {
			conv, err := e.Extract(gctx, doc)
			if err != nil {
				return err
			}
			out[i] = conv
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// schema lists each entity type with its declared attributes, e.g.
// "**Person**: [aliases, emails, name]".
func (e *Extractor) schema() string {
	var sb strings.Builder
	for _, typ := range e.catalog.Types() {
		s, err := e.catalog.Schema(typ)
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "**%s**: [%s]\n", typ, strings.Join(s.Fields(), ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}
