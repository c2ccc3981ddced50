package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/agenthands/graphmerge/internal/apperr"
	"github.com/agenthands/graphmerge/internal/core/model"
)

// MemoryStore keeps everything in process memory behind a RWMutex. Records are
// copied on the way in and out.
type MemoryStore struct {
	mu        sync.RWMutex
	entities  map[model.EntityRef]model.CanonicalEntity
	index     map[string]map[string]map[string]struct{} // type -> match key -> primary keys
	relations map[string]model.RelationRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:  make(map[model.EntityRef]model.CanonicalEntity),
		index:     make(map[string]map[string]map[string]struct{}),
		relations: make(map[string]model.RelationRecord),
	}
}

func (s *MemoryStore) FindByAttribute(ctx context.Context, entityType, attribute string, value any) ([]model.CanonicalEntity, error) {
	return s.find(ctx, entityType, ScalarKey(attribute, value))
}

func (s *MemoryStore) FindByListMembership(ctx context.Context, entityType, attribute string, value any) ([]model.CanonicalEntity, error) {
	return s.find(ctx, entityType, MemberKey(attribute, value))
}

func (s *MemoryStore) find(ctx context.Context, entityType, key string) ([]model.CanonicalEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CanonicalEntity
	for pk := range s.index[entityType][key] {
		out = append(out, s.entities[model.EntityRef{Type: entityType, Key: pk}].Clone())
	}
	sortEntities(out)
	return out, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, e model.CanonicalEntity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Ref().IsZero() {
		return apperr.NewStorageError("upsert", fmt.Errorf("entity without type or primary key"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ref := e.Ref()
	if old, ok := s.entities[ref]; ok {
		for _, k := range MatchKeys(old.Attributes) {
			delete(s.index[ref.Type][k], ref.Key)
		}
		if e.UUID == "" {
			e.UUID = old.UUID
		}
	}
	s.entities[ref] = e.Clone()

	byKey, ok := s.index[ref.Type]
	if !ok {
		byKey = make(map[string]map[string]struct{})
		s.index[ref.Type] = byKey
	}
	for _, k := range MatchKeys(e.Attributes) {
		if byKey[k] == nil {
			byKey[k] = make(map[string]struct{})
		}
		byKey[k][ref.Key] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) UpsertRelation(ctx context.Context, from, to model.EntityRef, r model.RelationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ref := range []model.EntityRef{from, to} {
		if _, ok := s.entities[ref]; !ok {
			return apperr.NewStorageError("upsert relation", fmt.Errorf("endpoint %s: %w", ref, apperr.ErrNotFound))
		}
	}
	r.From, r.To = from, to
	s.relations[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) GetEntity(ctx context.Context, ref model.EntityRef) (*model.CanonicalEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[ref]
	if !ok {
		return nil, nil
	}
	out := e.Clone()
	return &out, nil
}

func (s *MemoryStore) GetRelation(ctx context.Context, id string) (*model.RelationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.relations[id]
	if !ok {
		return nil, nil
	}
	out := r.Clone()
	return &out, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (model.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := model.Stats{Entities: make(map[string]int), Relations: len(s.relations)}
	for ref := range s.entities {
		stats.Entities[ref.Type]++
	}
	return stats, nil
}

// Entities returns a copy of every stored entity, sorted by type then key.
func (s *MemoryStore) Entities() []model.CanonicalEntity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.CanonicalEntity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e.Clone())
	}
	sortByRef(out)
	return out
}

func (s *MemoryStore) BuildIndices(ctx context.Context) error { return nil }

func (s *MemoryStore) Close(ctx context.Context) error { return nil }
