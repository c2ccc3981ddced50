// Package store persists canonical entities and relations. Every implementation must
// make a committed upsert visible to finds issued afterwards in the same process.
package store

import (
	"context"
	"sort"

	"github.com/agenthands/graphmerge/internal/core/model"
)

type Store interface {
	// FindByAttribute returns entities of entityType whose scalar attribute equals
	// value after folding.
	FindByAttribute(ctx context.Context, entityType, attribute string, value any) ([]model.CanonicalEntity, error)
	// FindByListMembership returns entities of entityType whose list attribute
	// contains value after folding.
	FindByListMembership(ctx context.Context, entityType, attribute string, value any) ([]model.CanonicalEntity, error)
	// Upsert creates or replaces the entity identified by (Type, PrimaryKey).
	Upsert(ctx context.Context, e model.CanonicalEntity) error
	// UpsertRelation creates or replaces the relation r between from and to. Both
	// endpoints must exist.
	UpsertRelation(ctx context.Context, from, to model.EntityRef, r model.RelationRecord) error

	// GetEntity returns nil, nil when the entity does not exist.
	GetEntity(ctx context.Context, ref model.EntityRef) (*model.CanonicalEntity, error)
	// GetRelation returns nil, nil when the relation does not exist.
	GetRelation(ctx context.Context, id string) (*model.RelationRecord, error)
	Stats(ctx context.Context) (model.Stats, error)

	BuildIndices(ctx context.Context) error
	Close(ctx context.Context) error
}

// ScalarKey is the match key of a scalar attribute value.
func ScalarKey(attribute string, value any) string {
	return attribute + "=" + model.Fold(value)
}

// MemberKey is the match key of one element of a list attribute.
func MemberKey(attribute string, value any) string {
	return attribute + "[]=" + model.Fold(value)
}

// MatchKeys lists the lookup keys of an entity: one per scalar attribute and one per
// list element. Finds are exact lookups on these keys.
func MatchKeys(attrs model.Attributes) []string {
	seen := make(map[string]struct{})
	var keys []string
	add := func(k string) {
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	for name, v := range attrs {
		n, ok := model.NormalizeValue(v)
		if !ok {
			continue
		}
		if list, isList := n.([]any); isList {
			for _, el := range list {
				add(MemberKey(name, el))
			}
			continue
		}
		add(ScalarKey(name, n))
	}
	sort.Strings(keys)
	return keys
}

func sortEntities(es []model.CanonicalEntity) {
	sort.Slice(es, func(i, j int) bool { return es[i].PrimaryKey < es[j].PrimaryKey })
}

func sortByRef(es []model.CanonicalEntity) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].Type != es[j].Type {
			return es[i].Type < es[j].Type
		}
		return es[i].PrimaryKey < es[j].PrimaryKey
	})
}
