package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/graphmerge/internal/core/candidate"
	"github.com/agenthands/graphmerge/internal/core/model"
	"github.com/agenthands/graphmerge/internal/core/rules"
)

var composite = rules.MatchingRule{
	Name:       "alias-and-domain",
	Kind:       rules.KindComposite,
	Confidence: 0.85,
	Conditions: []rules.Condition{
		{Source: "name", Target: "aliases"},
		{Source: "domain", Target: "domain"},
	},
}

func TestScoreSimpleRuleIsBaseConfidence(t *testing.T) {
	s := NewScorer(DefaultCompositePenalty)
	rule := rules.MatchingRule{Kind: rules.KindExactField, Source: "name", Target: "name", Confidence: 0.85}
	got := s.Score(model.EntityProposal{}, model.CanonicalEntity{}, rule)
	assert.InDelta(t, 0.85, got, 1e-9)
}

func TestScoreCompositePenalizesOneSidedConditions(t *testing.T) {
	s := NewScorer(DefaultCompositePenalty)

	full := s.Score(
		model.EntityProposal{Attributes: model.Attributes{"name": "Acme", "domain": "acme.io"}},
		model.CanonicalEntity{Attributes: model.Attributes{"aliases": []any{"acme"}, "domain": "acme.io"}},
		composite)
	assert.InDelta(t, 0.85, full, 1e-9)

	partial := s.Score(
		model.EntityProposal{Attributes: model.Attributes{"name": "Acme"}},
		model.CanonicalEntity{Attributes: model.Attributes{"aliases": []any{"acme"}, "domain": "acme.io"}},
		composite)
	assert.InDelta(t, 0.80, partial, 1e-9)

	absent := s.Score(
		model.EntityProposal{Attributes: model.Attributes{"name": "Acme"}},
		model.CanonicalEntity{Attributes: model.Attributes{"aliases": []any{"acme"}}},
		composite)
	assert.InDelta(t, 0.85, absent, 1e-9, "a condition neither side has costs nothing")
}

func TestScoreClamped(t *testing.T) {
	s := NewScorer(0.9)
	rule := composite
	rule.Confidence = 0.5
	got := s.Score(
		model.EntityProposal{Attributes: model.Attributes{"name": "Acme"}},
		model.CanonicalEntity{Attributes: model.Attributes{"aliases": []any{"acme"}, "domain": "acme.io"}},
		rule)
	assert.Equal(t, 0.0, got)
}

func match(key string, sources int, rule rules.MatchingRule) candidate.Match {
	e := model.CanonicalEntity{Type: "Person", PrimaryKey: key}
	for i := 0; i < sources; i++ {
		e.Sources = append(e.Sources, key+"-src")
	}
	return candidate.Match{Entity: e, Rule: rule}
}

func TestRankTieBreaks(t *testing.T) {
	s := NewScorer(DefaultCompositePenalty)
	rule := rules.MatchingRule{Name: "email", Kind: rules.KindListMembership, Confidence: 0.9}

	ranking := s.Rank(model.EntityProposal{}, []candidate.Match{
		match("Charlie", 1, rule),
		match("Bravo", 3, rule),
		match("Alpha", 1, rule),
	})

	require.Len(t, ranking.Candidates, 3)
	assert.Equal(t, "Bravo", ranking.Candidates[0].Entity.PrimaryKey, "most sources wins")
	assert.Equal(t, "Alpha", ranking.Candidates[1].Entity.PrimaryKey, "then lexicographic key")
	assert.Equal(t, "Charlie", ranking.Candidates[2].Entity.PrimaryKey)
	assert.False(t, ranking.Ambiguous)
}

func TestRankFlagsAmbiguity(t *testing.T) {
	s := NewScorer(DefaultCompositePenalty)
	rule := rules.MatchingRule{Name: "email", Kind: rules.KindListMembership, Confidence: 0.9}

	ranking := s.Rank(model.EntityProposal{}, []candidate.Match{
		match("Zed", 2, rule),
		match("Amy", 2, rule),
	})

	best, ok := ranking.Best()
	require.True(t, ok)
	assert.Equal(t, "Amy", best.Entity.PrimaryKey)
	assert.True(t, ranking.Ambiguous)
}

func TestRankEmpty(t *testing.T) {
	ranking := NewScorer(DefaultCompositePenalty).Rank(model.EntityProposal{}, nil)
	_, ok := ranking.Best()
	assert.False(t, ok)
	assert.False(t, ranking.Ambiguous)
}
