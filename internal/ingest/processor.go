package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/agenthands/graphmerge/internal/core/batch"
	"github.com/agenthands/graphmerge/internal/core/extraction"
	"github.com/agenthands/graphmerge/internal/core/model"
	"github.com/agenthands/graphmerge/internal/logger"
)

type Merger interface {
	MergeBatch(ctx context.Context, entities []model.EntityProposal, relations []model.RelationProposal) (batch.BatchResult, error)
}

// Stats aggregates what processing did across files and batches.
type Stats struct {
	Files            int `json:"files"`
	Batches          int `json:"batches"`
	Created          int `json:"created"`
	Merged           int `json:"merged"`
	Rejected         int `json:"rejected"`
	Skipped          int `json:"skipped"`
	Failed           int `json:"failed"`
	Invalid          int `json:"invalid"`
	RelationsCreated int `json:"relations_created"`
	RelationsMerged  int `json:"relations_merged"`
}

func (s *Stats) Add(o Stats) {
	s.Files += o.Files
	s.Batches += o.Batches
	s.Created += o.Created
	s.Merged += o.Merged
	s.Rejected += o.Rejected
	s.Skipped += o.Skipped
	s.Failed += o.Failed
	s.Invalid += o.Invalid
	s.RelationsCreated += o.RelationsCreated
	s.RelationsMerged += o.RelationsMerged
}

func (s *Stats) addResult(r batch.BatchResult) {
	s.Batches++
	s.Created += r.Created
	s.Merged += r.Merged
	s.Rejected += r.Rejected
	s.Skipped += r.Skipped
	s.Failed += len(r.Failed)
	s.RelationsCreated += r.RelationsCreated
	s.RelationsMerged += r.RelationsMerged
}

type Processor struct {
	merger Merger
	log    *logger.Logger
	now    func() time.Time
}

func NewProcessor(m Merger, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.Nop()
	}
	return &Processor{merger: m, log: log.With("component", "ingest"), now: time.Now}
}

// ProcessFile merges every item in path, one batch per item. A batch-fatal error
// stops the file and is returned with the stats so far.
func (p *Processor) ProcessFile(ctx context.Context, path string) (Stats, error) {
	stats := Stats{Files: 1}
	data, err := os.ReadFile(path)
	if err != nil {
		return stats, fmt.Errorf("read %s: %w", path, err)
	}
	items, err := Parse(data)
	if err != nil {
		return stats, fmt.Errorf("%s: %w", path, err)
	}

	base := filepath.Base(path)
	for i, item := range items {
		conv := extraction.Convert(item, fmt.Sprintf("%s#%d", base, i), p.now())
		stats.Invalid += conv.Invalid
		if len(conv.Entities) == 0 && len(conv.Relations) == 0 {
			continue
		}
		res, err := p.merger.MergeBatch(ctx, conv.Entities, conv.Relations)
		stats.addResult(res)
		if err != nil {
			return stats, fmt.Errorf("%s item %s: %w", path, conv.SourceID, err)
		}
	}

	p.log.Info("file processed",
		"path", path,
		"batches", stats.Batches,
		"created", stats.Created,
		"merged", stats.Merged,
		"rejected", stats.Rejected,
		"failed", stats.Failed,
		"invalid", stats.Invalid,
	)
	return stats, nil
}

// ProcessDirectory processes every file in dir matching pattern, in name order.
func (p *Processor) ProcessDirectory(ctx context.Context, dir, pattern string) (Stats, error) {
	if pattern == "" {
		pattern = "*.json"
	}
	paths, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return Stats{}, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	sort.Strings(paths)

	var total Stats
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		s, err := p.ProcessFile(ctx, path)
		total.Add(s)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
