// Package ingest feeds extracted-output JSON files into the merge engine.
package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/agenthands/graphmerge/internal/core/model"
)

type envelope struct {
	Results []model.ExtractedItem `json:"results"`
	model.ExtractedItem
}

// Parse decodes a file holding either {"results": [item, ...]} or a single item.
func Parse(data []byte) ([]model.ExtractedItem, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse extraction output: %w", err)
	}
	if len(env.Results) > 0 {
		return env.Results, nil
	}
	item := env.ExtractedItem
	if len(item.Entities) == 0 && len(item.AllRelations()) == 0 {
		return nil, nil
	}
	return []model.ExtractedItem{item}, nil
}
