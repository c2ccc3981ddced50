package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/graphmerge/internal/apperr"
	"github.com/agenthands/graphmerge/internal/core/model"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func johnDoe() model.CanonicalEntity {
	return model.CanonicalEntity{
		UUID:       "uuid-john",
		Type:       "Person",
		PrimaryKey: "John Doe",
		Attributes: model.Attributes{
			"name":   "John Doe",
			"emails": []any{"J@X.com", "john@x.com"},
			"age":    float64(42),
		},
		Sources:     []string{"s1"},
		Permissions: []string{"eng"},
		LastUpdated: now,
	}
}

func testSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	f, err := os.CreateTemp("", "graphmerge-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	s, err := OpenSQLite(f.Name())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

// backends runs fn against every Store that needs no external service.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, testSQLite(t)) })
}

func TestMatchKeys(t *testing.T) {
	keys := MatchKeys(model.Attributes{
		"name":   " John Doe ",
		"emails": []any{"J@X.com", "j@x.com"},
		"blank":  "",
	})
	assert.Equal(t, []string{"emails[]=j@x.com", "name=john doe"}, keys)
}

func TestStoreFindByAttribute(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Upsert(ctx, johnDoe()))

		found, err := s.FindByAttribute(ctx, "Person", "name", "JOHN DOE")
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "John Doe", found[0].PrimaryKey)
		assert.Equal(t, float64(42), found[0].Attributes["age"])

		found, err = s.FindByAttribute(ctx, "Organization", "name", "John Doe")
		require.NoError(t, err)
		assert.Empty(t, found, "finds are scoped by type")
	})
}

func TestStoreFindByListMembership(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Upsert(ctx, johnDoe()))

		found, err := s.FindByListMembership(ctx, "Person", "emails", "j@x.com")
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, []any{"J@X.com", "john@x.com"}, found[0].Attributes["emails"])

		found, err = s.FindByAttribute(ctx, "Person", "emails", "j@x.com")
		require.NoError(t, err)
		assert.Empty(t, found, "list elements are not scalar matches")
	})
}

func TestStoreUpsertReplacesMatchKeys(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		e := johnDoe()
		require.NoError(t, s.Upsert(ctx, e))

		e.Attributes["emails"] = []any{"new@x.com"}
		e.UUID = ""
		require.NoError(t, s.Upsert(ctx, e))

		found, err := s.FindByListMembership(ctx, "Person", "emails", "j@x.com")
		require.NoError(t, err)
		assert.Empty(t, found)

		found, err = s.FindByListMembership(ctx, "Person", "emails", "new@x.com")
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "uuid-john", found[0].UUID, "uuid survives an update without one")

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Entities["Person"])
	})
}

func TestStoreGetEntity(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		missing, err := s.GetEntity(ctx, model.EntityRef{Type: "Person", Key: "Nobody"})
		require.NoError(t, err)
		assert.Nil(t, missing)

		require.NoError(t, s.Upsert(ctx, johnDoe()))
		got, err := s.GetEntity(ctx, model.EntityRef{Type: "Person", Key: "John Doe"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, []string{"s1"}, got.Sources)
		assert.Equal(t, []string{"eng"}, got.Permissions)
		assert.True(t, got.LastUpdated.Equal(now))
	})
}

func TestStoreRelations(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Upsert(ctx, johnDoe()))
		acme := model.CanonicalEntity{Type: "Organization", PrimaryKey: "Acme", Attributes: model.Attributes{"name": "Acme"}, Sources: []string{"s1"}, LastUpdated: now}
		require.NoError(t, s.Upsert(ctx, acme))

		from, to := johnDoe().Ref(), acme.Ref()
		rel := model.RelationRecord{
			ID: model.RelationID(from, to, "WORKS_AT"), From: from, To: to, Tag: "WORKS_AT",
			Descriptions: []string{"engineer"}, Strength: 0.7, Sources: []string{"s1"},
			CreatedAt: now, LastUpdated: now,
		}
		require.NoError(t, s.UpsertRelation(ctx, from, to, rel))

		rel.Strength = 0.9
		rel.Sources = append(rel.Sources, "s2")
		require.NoError(t, s.UpsertRelation(ctx, from, to, rel))

		got, err := s.GetRelation(ctx, rel.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, from, got.From)
		assert.Equal(t, to, got.To)
		assert.InDelta(t, 0.9, got.Strength, 1e-9)
		assert.Equal(t, []string{"s1", "s2"}, got.Sources)
		assert.True(t, got.CreatedAt.Equal(now))

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Relations)
		assert.Equal(t, 2, stats.TotalEntities())

		missing, err := s.GetRelation(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestStoreRelationRequiresEndpoints(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		from := model.EntityRef{Type: "Person", Key: "Ghost"}
		to := model.EntityRef{Type: "Person", Key: "Phantom"}
		err := s.UpsertRelation(ctx, from, to, model.RelationRecord{ID: model.RelationID(from, to, "KNOWS"), Tag: "KNOWS"})

		var se *apperr.StorageError
		assert.ErrorAs(t, err, &se)
	})
}

func TestStoreUpsertRejectsZeroRef(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		err := s.Upsert(context.Background(), model.CanonicalEntity{Type: "Person"})
		assert.Error(t, err)
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, johnDoe()))

	got, err := s.GetEntity(ctx, johnDoe().Ref())
	require.NoError(t, err)
	got.Attributes["name"] = "Mutated"
	got.Sources[0] = "mutated"

	again, err := s.GetEntity(ctx, johnDoe().Ref())
	require.NoError(t, err)
	assert.Equal(t, "John Doe", again.Attributes["name"])
	assert.Equal(t, []string{"s1"}, again.Sources)

	assert.Len(t, s.Entities(), 1)
}
