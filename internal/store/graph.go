package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/agenthands/graphmerge/internal/apperr"
	"github.com/agenthands/graphmerge/internal/core/model"
	"github.com/agenthands/graphmerge/internal/driver"
)

// GraphStore keeps the canonical graph in Memgraph through a driver.GraphDriver.
type GraphStore struct {
	driver driver.GraphDriver
}

func NewGraphStore(d driver.GraphDriver) *GraphStore {
	return &GraphStore{driver: d}
}

func (s *GraphStore) FindByAttribute(ctx context.Context, entityType, attribute string, value any) ([]model.CanonicalEntity, error) {
	return s.find(ctx, entityType, ScalarKey(attribute, value))
}

func (s *GraphStore) FindByListMembership(ctx context.Context, entityType, attribute string, value any) ([]model.CanonicalEntity, error) {
	return s.find(ctx, entityType, MemberKey(attribute, value))
}

func (s *GraphStore) find(ctx context.Context, entityType, key string) ([]model.CanonicalEntity, error) {
	res, err := s.driver.ExecuteQuery(ctx, driver.FindEntitiesByMatchKeyQuery, map[string]interface{}{
		"type":      entityType,
		"match_key": key,
	})
	if err != nil {
		return nil, apperr.NewStorageError("find", err)
	}
	out := make([]model.CanonicalEntity, 0, len(res.Records))
	for _, rec := range res.Records {
		e, err := entityFromRecord(rec)
		if err != nil {
			return nil, apperr.NewStorageError("find", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *GraphStore) Upsert(ctx context.Context, e model.CanonicalEntity) error {
	if e.Ref().IsZero() {
		return apperr.NewStorageError("upsert", fmt.Errorf("entity without type or primary key"))
	}
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return apperr.NewStorageError("upsert", fmt.Errorf("encode attributes: %w", err))
	}
	embedding := make([]float64, len(e.Embedding))
	for i, v := range e.Embedding {
		embedding[i] = float64(v)
	}

	_, err = s.driver.ExecuteQuery(ctx, driver.UpsertEntityQuery, map[string]interface{}{
		"type":         e.Type,
		"primary_key":  e.PrimaryKey,
		"uuid":         e.UUID,
		"attributes":   string(attrs),
		"match_keys":   MatchKeys(e.Attributes),
		"sources":      nonNil(e.Sources),
		"permissions":  nonNil(e.Permissions),
		"embedding":    embedding,
		"last_updated": e.LastUpdated.UTC(),
	})
	return apperr.NewStorageError("upsert", err)
}

func (s *GraphStore) UpsertRelation(ctx context.Context, from, to model.EntityRef, r model.RelationRecord) error {
	res, err := s.driver.ExecuteQuery(ctx, driver.UpsertRelationQuery, map[string]interface{}{
		"from_type":    from.Type,
		"from_key":     from.Key,
		"to_type":      to.Type,
		"to_key":       to.Key,
		"id":           r.ID,
		"tag":          r.Tag,
		"descriptions": nonNil(r.Descriptions),
		"strength":     r.Strength,
		"permissions":  nonNil(r.Permissions),
		"sources":      nonNil(r.Sources),
		"created_at":   r.CreatedAt.UTC(),
		"last_updated": r.LastUpdated.UTC(),
	})
	if err != nil {
		return apperr.NewStorageError("upsert relation", err)
	}
	if len(res.Records) == 0 {
		return apperr.NewStorageError("upsert relation", fmt.Errorf("endpoints %s, %s: %w", from, to, apperr.ErrNotFound))
	}
	return nil
}

func (s *GraphStore) GetEntity(ctx context.Context, ref model.EntityRef) (*model.CanonicalEntity, error) {
	res, err := s.driver.ExecuteQuery(ctx, driver.GetEntityQuery, map[string]interface{}{
		"type":        ref.Type,
		"primary_key": ref.Key,
	})
	if err != nil {
		return nil, apperr.NewStorageError("get entity", err)
	}
	if len(res.Records) == 0 {
		return nil, nil
	}
	e, err := entityFromRecord(res.Records[0])
	if err != nil {
		return nil, apperr.NewStorageError("get entity", err)
	}
	return &e, nil
}

func (s *GraphStore) GetRelation(ctx context.Context, id string) (*model.RelationRecord, error) {
	res, err := s.driver.ExecuteQuery(ctx, driver.GetRelationQuery, map[string]interface{}{"id": id})
	if err != nil {
		return nil, apperr.NewStorageError("get relation", err)
	}
	if len(res.Records) == 0 {
		return nil, nil
	}
	rec := res.Records[0]
	r := model.RelationRecord{
		ID:           getString(rec, "id"),
		Tag:          getString(rec, "tag"),
		From:         model.EntityRef{Type: getString(rec, "from_type"), Key: getString(rec, "from_key")},
		To:           model.EntityRef{Type: getString(rec, "to_type"), Key: getString(rec, "to_key")},
		Descriptions: getStrings(rec, "descriptions"),
		Permissions:  getStrings(rec, "permissions"),
		Sources:      getStrings(rec, "sources"),
		CreatedAt:    getTime(rec, "created_at"),
		LastUpdated:  getTime(rec, "last_updated"),
	}
	if v, ok := rec.Get("strength"); ok {
		r.Strength, _ = v.(float64)
	}
	return &r, nil
}

func (s *GraphStore) Stats(ctx context.Context) (model.Stats, error) {
	stats := model.Stats{Entities: make(map[string]int)}
	res, err := s.driver.ExecuteQuery(ctx, driver.CountEntitiesByTypeQuery, nil)
	if err != nil {
		return stats, apperr.NewStorageError("stats", err)
	}
	for _, rec := range res.Records {
		stats.Entities[getString(rec, "type")] = int(getInt(rec, "count"))
	}

	res, err = s.driver.ExecuteQuery(ctx, driver.CountRelationsQuery, nil)
	if err != nil {
		return stats, apperr.NewStorageError("stats", err)
	}
	if len(res.Records) > 0 {
		stats.Relations = int(getInt(res.Records[0], "count"))
	}
	return stats, nil
}

func (s *GraphStore) BuildIndices(ctx context.Context) error {
	return s.driver.BuildIndices(ctx)
}

func (s *GraphStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func entityFromRecord(rec *neo4j.Record) (model.CanonicalEntity, error) {
	e := model.CanonicalEntity{
		UUID:        getString(rec, "uuid"),
		Type:        getString(rec, "type"),
		PrimaryKey:  getString(rec, "primary_key"),
		Sources:     getStrings(rec, "sources"),
		Permissions: getStrings(rec, "permissions"),
		LastUpdated: getTime(rec, "last_updated"),
	}
	if raw := getString(rec, "attributes"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Attributes); err != nil {
			return e, fmt.Errorf("decode attributes of %s: %w", e.Ref(), err)
		}
	}
	if v, ok := rec.Get("embedding"); ok {
		if list, ok := v.([]any); ok {
			for _, el := range list {
				if f, ok := el.(float64); ok {
					e.Embedding = append(e.Embedding, float32(f))
				}
			}
		}
	}
	return e, nil
}

func getString(rec *neo4j.Record, key string) string {
	v, _ := rec.Get(key)
	s, _ := v.(string)
	return s
}

func getInt(rec *neo4j.Record, key string) int64 {
	v, _ := rec.Get(key)
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func getStrings(rec *neo4j.Record, key string) []string {
	v, _ := rec.Get(key)
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, el := range list {
			if s, ok := el.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func getTime(rec *neo4j.Record, key string) time.Time {
	v, _ := rec.Get(key)
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case neo4j.LocalDateTime:
		return t.Time().UTC()
	case string:
		parsed, _ := time.Parse(time.RFC3339Nano, t)
		return parsed
	}
	return time.Time{}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
