// Package candidate looks up existing canonical entities that may denote the same
// real-world object as a proposal.
package candidate

import (
	"context"
	"fmt"

	"github.com/agenthands/graphmerge/internal/core/model"
	"github.com/agenthands/graphmerge/internal/core/rules"
)

// Querier is the read side of the store the finder needs.
type Querier interface {
	FindByAttribute(ctx context.Context, entityType, attribute string, value any) ([]model.CanonicalEntity, error)
	FindByListMembership(ctx context.Context, entityType, attribute string, value any) ([]model.CanonicalEntity, error)
}

// Match is a candidate together with the rule that found it.
type Match struct {
	Entity model.CanonicalEntity
	Rule   rules.MatchingRule
}

type Finder struct {
	catalog *rules.Catalog
	store   Querier
}

func NewFinder(catalog *rules.Catalog, store Querier) *Finder {
	return &Finder{catalog: catalog, store: store}
}

// FindCandidates evaluates the proposal's rules in priority order and returns the
// candidates of the first rule that yields any. Candidates are in store order,
// de-duplicated by primary key. The proposal must already be normalized.
func (f *Finder) FindCandidates(ctx context.Context, p model.EntityProposal) ([]Match, error) {
	for _, rule := range f.catalog.RulesFor(p.Type) {
		found, err := f.findByRule(ctx, p, rule)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		if len(found) == 0 {
			continue
		}
		matches := make([]Match, len(found))
		for i, e := range found {
			matches[i] = Match{Entity: e, Rule: rule}
		}
		return matches, nil
	}
	return nil, nil
}

func (f *Finder) findByRule(ctx context.Context, p model.EntityProposal, rule rules.MatchingRule) ([]model.CanonicalEntity, error) {
	if rule.Kind != rules.KindComposite {
		cond := rule.Lookups()[0]
		if !p.Attributes.Has(cond.Source) {
			return nil, nil
		}
		return f.lookup(ctx, p.Type, cond, p.Attributes[cond.Source])
	}

	// A composite candidate may lack any single condition's target, so query on every
	// condition the proposal can answer and let Matches decide.
	var found []model.CanonicalEntity
	seen := make(map[string]struct{})
	for _, cond := range rule.Lookups() {
		if !p.Attributes.Has(cond.Source) {
			continue
		}
		hits, err := f.lookup(ctx, p.Type, cond, p.Attributes[cond.Source])
		if err != nil {
			return nil, err
		}
		for _, e := range hits {
			if _, dup := seen[e.PrimaryKey]; dup {
				continue
			}
			seen[e.PrimaryKey] = struct{}{}
			if rule.Matches(p.Attributes, e.Attributes) {
				found = append(found, e)
			}
		}
	}
	return found, nil
}

func (f *Finder) lookup(ctx context.Context, entityType string, cond rules.Condition, value any) ([]model.CanonicalEntity, error) {
	target := f.catalog.FieldSpec(entityType, cond.Target, nil)

	var out []model.CanonicalEntity
	seen := make(map[string]struct{})
	for _, v := range model.ToList(value) {
		var (
			found []model.CanonicalEntity
			err   error
		)
		if target.Kind == rules.FieldList {
			found, err = f.store.FindByListMembership(ctx, entityType, cond.Target, v)
		} else {
			found, err = f.store.FindByAttribute(ctx, entityType, cond.Target, v)
		}
		if err != nil {
			return nil, err
		}
		for _, e := range found {
			if _, dup := seen[e.PrimaryKey]; dup {
				continue
			}
			seen[e.PrimaryKey] = struct{}{}
			out = append(out, e)
		}
	}
	return out, nil
}
