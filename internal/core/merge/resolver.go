// Package merge decides what to do with a scored proposal and computes merged records.
package merge

import (
	"math"

	"github.com/agenthands/graphmerge/internal/core/model"
	"github.com/agenthands/graphmerge/internal/core/rules"
	"github.com/agenthands/graphmerge/internal/core/scoring"
)

// DefaultAcceptanceThreshold is the minimum score for mergeInto.
const DefaultAcceptanceThreshold = 0.8

// thresholdTolerance absorbs float error such as 0.85-0.05 landing just under 0.8.
const thresholdTolerance = 1e-9

// Resolver turns rankings into decisions and applies merge specs. It keeps no state
// between calls.
type Resolver struct {
	catalog   *rules.Catalog
	threshold float64
}

func NewResolver(catalog *rules.Catalog, threshold float64) *Resolver {
	return &Resolver{catalog: catalog, threshold: threshold}
}

func (r *Resolver) Threshold() float64 {
	return r.threshold
}

// Resolve picks createNew when there is no candidate, mergeInto when the best
// candidate reaches the threshold, and reject otherwise.
func (r *Resolver) Resolve(p model.EntityProposal, ranking scoring.Ranking) model.MergeDecision {
	best, ok := ranking.Best()
	if !ok {
		return model.MergeDecision{Outcome: model.OutcomeCreateNew, Confidence: 1}
	}
	d := model.MergeDecision{
		TargetKey:   best.Entity.PrimaryKey,
		Confidence:  best.Score,
		AppliedRule: best.Rule.Name,
	}
	if accepts(best.Score, r.threshold) {
		d.Outcome = model.OutcomeMergeInto
	} else {
		d.Outcome = model.OutcomeReject
	}
	return d
}

func accepts(score, threshold float64) bool {
	return score >= threshold || math.Abs(score-threshold) <= thresholdTolerance
}
