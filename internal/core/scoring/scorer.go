// Package scoring turns rule matches into ranked, scored candidates.
package scoring

import (
	"math"
	"sort"

	"github.com/agenthands/graphmerge/internal/core/candidate"
	"github.com/agenthands/graphmerge/internal/core/model"
	"github.com/agenthands/graphmerge/internal/core/rules"
)

// DefaultCompositePenalty is subtracted per composite condition that only one side has.
const DefaultCompositePenalty = 0.05

type Scorer struct {
	penalty float64
}

func NewScorer(compositePenalty float64) *Scorer {
	if compositePenalty < 0 {
		compositePenalty = 0
	}
	return &Scorer{penalty: compositePenalty}
}

// Score returns the confidence that candidate is the proposal's entity under rule.
func (s *Scorer) Score(p model.EntityProposal, c model.CanonicalEntity, rule rules.MatchingRule) float64 {
	score := rule.Confidence
	if rule.Kind == rules.KindComposite {
		for _, cond := range rule.Conditions {
			if cond.Evaluate(p.Attributes, c.Attributes) == rules.ConditionOneSided {
				score -= s.penalty
			}
		}
	}
	return math.Max(0, math.Min(1, score))
}

// Scored is a candidate with its score.
type Scored struct {
	Entity model.CanonicalEntity
	Rule   rules.MatchingRule
	Score  float64
}

// Ranking holds candidates best first. Ambiguous is set when the top two could
// only be separated by primary key order.
type Ranking struct {
	Candidates []Scored
	Ambiguous  bool
}

func (r Ranking) Best() (Scored, bool) {
	if len(r.Candidates) == 0 {
		return Scored{}, false
	}
	return r.Candidates[0], true
}

// Rank scores every match and orders them by score, then number of sources, then
// primary key.
func (s *Scorer) Rank(p model.EntityProposal, matches []candidate.Match) Ranking {
	out := make([]Scored, len(matches))
	for i, m := range matches {
		out[i] = Scored{Entity: m.Entity, Rule: m.Rule, Score: s.Score(p, m.Entity, m.Rule)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !sameScore(a.Score, b.Score) {
			return a.Score > b.Score
		}
		if len(a.Entity.Sources) != len(b.Entity.Sources) {
			return len(a.Entity.Sources) > len(b.Entity.Sources)
		}
		return a.Entity.PrimaryKey < b.Entity.PrimaryKey
	})

	ranking := Ranking{Candidates: out}
	if len(out) > 1 {
		ranking.Ambiguous = sameScore(out[0].Score, out[1].Score) &&
			len(out[0].Entity.Sources) == len(out[1].Entity.Sources)
	}
	return ranking
}

const epsilon = 1e-9

func sameScore(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}
