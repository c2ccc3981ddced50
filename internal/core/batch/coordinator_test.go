package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/agenthands/graphmerge/internal/apperr"
	"github.com/agenthands/graphmerge/internal/core/merge"
	"github.com/agenthands/graphmerge/internal/core/model"
	"github.com/agenthands/graphmerge/internal/core/scoring"
	"github.com/agenthands/graphmerge/internal/logger"
	"github.com/agenthands/graphmerge/internal/store"
	"github.com/agenthands/graphmerge/internal/testutil"
)

// FailingStore fails Upsert for the listed primary keys.
type FailingStore struct {
	*store.MemoryStore
	FailKeys map[string]error
}

func (s *FailingStore) Upsert(ctx context.Context, e model.CanonicalEntity) error {
	if err, ok := s.FailKeys[e.PrimaryKey]; ok {
		return err
	}
	return s.MemoryStore.Upsert(ctx, e)
}

type recordingSink struct {
	mu   sync.Mutex
	seen []model.NearMiss
	err  error
}

func (s *recordingSink) Publish(ctx context.Context, nm model.NearMiss) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, nm)
	return s.err
}

type MockEmbedder struct{}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

func newCoordinator(t *testing.T, st store.Store, penalty float64, opts Options) *Coordinator {
	t.Helper()
	catalog := testutil.Catalog(t)
	return NewCoordinator(catalog, st, scoring.NewScorer(penalty), merge.NewResolver(catalog, merge.DefaultAcceptanceThreshold), opts)
}

func org(source string, attrs model.Attributes) model.EntityProposal {
	return model.EntityProposal{Type: "Organization", Attributes: attrs, SourceID: source, ExtractedAt: testutil.Epoch}
}

func withID(p model.EntityProposal, id string) model.EntityProposal {
	p.ID = id
	return p
}

func getEntity(t *testing.T, st store.Store, typ, key string) *model.CanonicalEntity {
	t.Helper()
	e, err := st.GetEntity(context.Background(), model.EntityRef{Type: typ, Key: key})
	require.NoError(t, err)
	return e
}

func TestMergeBatchMergesByEmailAcrossBatches(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newCoordinator(t, st, scoring.DefaultCompositePenalty, Options{})

	res, err := c.MergeBatch(ctx, []model.EntityProposal{
		testutil.Person("s1", model.Attributes{"name": "John Doe", "email": "john@x.com"}),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	res, err = c.MergeBatch(ctx, []model.EntityProposal{
		testutil.Person("s2", model.Attributes{"name": "J. Doe", "emails": []any{"john@x.com", "jd@y.com"}, "title": "CTO"}),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 1, res.Merged)
	assert.Empty(t, res.Failed)

	assert.Len(t, st.Entities(), 1)
	john := getEntity(t, st, "Person", "John Doe")
	require.NotNil(t, john)
	assert.Equal(t, "John Doe", john.Attributes["name"])
	assert.Equal(t, []any{"john@x.com", "jd@y.com"}, john.Attributes["emails"])
	assert.Equal(t, "CTO", john.Attributes["title"])
	assert.Equal(t, []string{"s1", "s2"}, john.Sources)
	assert.Nil(t, getEntity(t, st, "Person", "J. Doe"))
}

func TestMergeBatchWithinBatchDuplicates(t *testing.T) {
	st := store.NewMemoryStore()
	c := newCoordinator(t, st, scoring.DefaultCompositePenalty, Options{Shards: 8})

	res, err := c.MergeBatch(context.Background(), []model.EntityProposal{
		testutil.Person("s1", model.Attributes{"name": "J. Doe", "emails": []any{"j@x.com"}}),
		testutil.Person("s2", model.Attributes{"name": "Jane Roe"}),
		testutil.Person("s3", model.Attributes{"name": "John Doe", "emails": []any{"j@x.com"}}),
		testutil.Person("s4", model.Attributes{"name": "Jane Roe", "title": "CEO"}),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 2, res.Merged)
	assert.Empty(t, res.Failed)
	require.Len(t, st.Entities(), 2)

	var does []model.CanonicalEntity
	for _, e := range st.Entities() {
		if e.PrimaryKey != "Jane Roe" {
			does = append(does, e)
		}
	}
	require.Len(t, does, 1)
	assert.Equal(t, []any{"j@x.com"}, does[0].Attributes["emails"])
	assert.ElementsMatch(t, []string{"s1", "s3"}, does[0].Sources)

	jane := getEntity(t, st, "Person", "Jane Roe")
	require.NotNil(t, jane)
	assert.Equal(t, "CEO", jane.Attributes["title"])
	assert.Equal(t, []string{"s2", "s4"}, jane.Sources)
}

func TestMergeBatchLogsWhetherMergeChangedAttributes(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.DebugLevel)
	log := &logger.Logger{SugaredLogger: zap.New(core).Sugar()}
	st := store.NewMemoryStore()
	c := newCoordinator(t, st, scoring.DefaultCompositePenalty, Options{Logger: log})

	batches := [][]model.EntityProposal{
		{testutil.Person("s1", model.Attributes{"name": "John Doe", "emails": []any{"j@x.com"}})},
		{testutil.Person("s2", model.Attributes{"name": "J. Doe", "emails": []any{"j@x.com"}, "title": "CTO"})},
		{testutil.Person("s3", model.Attributes{"name": "J. Doe", "emails": []any{"j@x.com"}, "title": "CTO"})},
	}
	for _, b := range batches {
		_, err := c.MergeBatch(ctx, b, nil)
		require.NoError(t, err)
	}

	entries := logs.FilterMessage("entity merged").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "Person:John Doe", entries[0].ContextMap()["entity"])
	assert.Equal(t, true, entries[0].ContextMap()["changed"])
	assert.Equal(t, false, entries[1].ContextMap()["changed"])
}

func TestMergeBatchUniqueRegardlessOfOrderAndGrouping(t *testing.T) {
	proposals := []model.EntityProposal{
		testutil.Person("s1", model.Attributes{"name": "John Doe", "email": "john@x.com"}),
		testutil.Person("s2", model.Attributes{"name": "J. Doe", "emails": []any{"john@x.com", "jd@y.com"}}),
		testutil.Person("s3", model.Attributes{"name": "Johnny", "email": "jd@y.com"}),
		testutil.Person("s4", model.Attributes{"name": "Jane Roe"}),
	}
	orders := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 3, 0, 2}}

	for _, order := range orders {
		for _, split := range []int{0, 2, 4} {
			t.Run(fmt.Sprintf("%v/split=%d", order, split), func(t *testing.T) {
				st := store.NewMemoryStore()
				c := newCoordinator(t, st, scoring.DefaultCompositePenalty, Options{Shards: 3})

				ordered := make([]model.EntityProposal, 0, len(order))
				for _, i := range order {
					ordered = append(ordered, proposals[i])
				}
				for _, part := range [][]model.EntityProposal{ordered[:split], ordered[split:]} {
					if len(part) == 0 {
						continue
					}
					_, err := c.MergeBatch(context.Background(), part, nil)
					require.NoError(t, err)
				}

				entities := st.Entities()
				require.Len(t, entities, 2)

				var emails []any
				for _, e := range entities {
					if e.Attributes.Has("emails") {
						emails = e.Attributes["emails"].([]any)
					}
				}
				assert.ElementsMatch(t, []any{"john@x.com", "jd@y.com"}, emails)
			})
		}
	}
}

func TestMergeBatchIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newCoordinator(t, st, scoring.DefaultCompositePenalty, Options{})

	entities := []model.EntityProposal{
		withID(testutil.Person("s1", model.Attributes{"name": "John Doe", "email": "john@x.com"}), "p1"),
		withID(org("s1", model.Attributes{"name": "Acme", "domain": "acme.com"}), "o1"),
	}
	relations := []model.RelationProposal{{
		From:        model.Endpoint{ProposalID: "p1"},
		To:          model.Endpoint{ProposalID: "o1"},
		Tag:         "WORKS_AT",
		Description: "employee",
		Strength:    0.7,
		SourceID:    "s1",
		ExtractedAt: testutil.Epoch,
	}}

	first, err := c.MergeBatch(ctx, entities, relations)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Created)
	assert.Equal(t, 1, first.RelationsCreated)
	before := st.Entities()

	second, err := c.MergeBatch(ctx, entities, relations)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 2, second.Merged)
	assert.Equal(t, 0, second.RelationsCreated)
	assert.Equal(t, 1, second.RelationsMerged)
	assert.Equal(t, before, st.Entities())

	id := model.RelationID(model.EntityRef{Type: "Person", Key: "John Doe"}, model.EntityRef{Type: "Organization", Key: "Acme"}, "WORKS_AT")
	rel, err := st.GetRelation(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.Equal(t, []string{"employee"}, rel.Descriptions)
	assert.Equal(t, []string{"s1"}, rel.Sources)
}

func TestMergeBatchRelationToEarlierEntity(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newCoordinator(t, st, scoring.DefaultCompositePenalty, Options{})

	_, err := c.MergeBatch(ctx, []model.EntityProposal{
		org("s1", model.Attributes{"name": "Acme", "domain": "acme.com"}),
	}, nil)
	require.NoError(t, err)

	res, err := c.MergeBatch(ctx,
		[]model.EntityProposal{withID(testutil.Person("s2", model.Attributes{"name": "John Doe"}), "john")},
		[]model.RelationProposal{
			{From: model.Endpoint{ProposalID: "john"}, To: model.Endpoint{Type: "Organization", Name: "Acme"}, Tag: "WORKS_AT", SourceID: "s2"},
			{From: model.Endpoint{ProposalID: "john"}, To: model.Endpoint{Name: "Acme"}, Tag: "ADVISES", SourceID: "s2"},
			{From: model.Endpoint{ProposalID: "john"}, To: model.Endpoint{Ref: &model.EntityRef{Type: "Organization", Key: "Acme"}}, Tag: "FOUNDED", SourceID: "s2"},
		})
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 3, res.RelationsCreated)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Relations)
}

func TestMergeBatchUnresolvedRelationFailsAlone(t *testing.T) {
	st := store.NewMemoryStore()
	c := newCoordinator(t, st, scoring.DefaultCompositePenalty, Options{})

	res, err := c.MergeBatch(context.Background(),
		[]model.EntityProposal{
			withID(testutil.Person("s1", model.Attributes{"name": "A"}), "a"),
			withID(testutil.Person("s1", model.Attributes{"name": "B"}), "b"),
		},
		[]model.RelationProposal{
			{From: model.Endpoint{ProposalID: "a"}, To: model.Endpoint{ProposalID: "ghost"}, Tag: "KNOWS"},
			{From: model.Endpoint{ProposalID: "a"}, To: model.Endpoint{ProposalID: "b"}, Tag: "KNOWS"},
			{From: model.Endpoint{ProposalID: "a"}, To: model.Endpoint{ProposalID: "b"}},
		})
	require.NoError(t, err)

	assert.Equal(t, 1, res.RelationsCreated)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, "relation", res.Failed[0].Kind)
	assert.Equal(t, 0, res.Failed[0].Index)
	assert.ErrorIs(t, res.Failed[0].Err, apperr.ErrUnresolved)
	assert.Equal(t, 2, res.Failed[1].Index)
	assert.ErrorIs(t, res.Failed[1].Err, apperr.ErrInvalidProposal)
}

func TestMergeBatchPartialFailureIsolated(t *testing.T) {
	st := &FailingStore{
		MemoryStore: store.NewMemoryStore(),
		FailKeys:    map[string]error{"Bad": errors.New("constraint violated")},
	}
	c := newCoordinator(t, st, scoring.DefaultCompositePenalty, Options{})

	res, err := c.MergeBatch(context.Background(), []model.EntityProposal{
		testutil.Person("s1", model.Attributes{"name": "Good"}),
		testutil.Person("s1", model.Attributes{"name": "Bad"}),
		testutil.Person("s1", model.Attributes{}),
		{Type: "Starship", Attributes: model.Attributes{"name": "Enterprise"}},
		testutil.Person("s1", model.Attributes{"name": "Also Good"}),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Created)
	require.Len(t, res.Failed, 3)
	assert.Equal(t, 1, res.Failed[0].Index)
	assert.Equal(t, "Person:Bad", res.Failed[0].Subject)
	var se *apperr.StorageError
	assert.ErrorAs(t, res.Failed[0].Err, &se)
	assert.ErrorIs(t, res.Failed[1].Err, apperr.ErrInvalidProposal)
	assert.ErrorIs(t, res.Failed[2].Err, apperr.ErrUnknownEntityType)
	assert.Len(t, st.Entities(), 2)
}

func TestMergeBatchFatalStoreErrorStops(t *testing.T) {
	down := errors.Join(apperr.ErrStoreUnavailable, errors.New("connection refused"))
	st := &FailingStore{
		MemoryStore: store.NewMemoryStore(),
		FailKeys:    map[string]error{"B": down},
	}
	c := newCoordinator(t, st, scoring.DefaultCompositePenalty, Options{Shards: 1})

	res, err := c.MergeBatch(context.Background(),
		[]model.EntityProposal{
			withID(testutil.Person("s1", model.Attributes{"name": "A"}), "a"),
			withID(testutil.Person("s1", model.Attributes{"name": "B"}), "b"),
			withID(testutil.Person("s1", model.Attributes{"name": "C"}), "c"),
		},
		[]model.RelationProposal{{From: model.Endpoint{ProposalID: "a"}, To: model.Endpoint{ProposalID: "c"}, Tag: "KNOWS"}},
	)
	require.Error(t, err)
	assert.True(t, apperr.IsFatal(err))

	assert.Equal(t, 1, res.Created)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 0, res.RelationsCreated)
}

func TestMergeBatchCanceled(t *testing.T) {
	st := store.NewMemoryStore()
	c := newCoordinator(t, st, scoring.DefaultCompositePenalty, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := c.MergeBatch(ctx,
		[]model.EntityProposal{testutil.Person("s1", model.Attributes{"name": "A"})},
		[]model.RelationProposal{{From: model.Endpoint{Name: "A"}, To: model.Endpoint{Name: "A"}, Tag: "KNOWS"}},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrBatchCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, res.Skipped)
	assert.Empty(t, st.Entities())
}

func seedAcme(t *testing.T, c *Coordinator) {
	t.Helper()
	_, err := c.MergeBatch(context.Background(), []model.EntityProposal{
		org("s1", model.Attributes{"name": "Acme Corp", "aliases": []any{"Acme"}, "domain": "acme.com"}),
	}, nil)
	require.NoError(t, err)
}

func TestMergeBatchRejectPolicies(t *testing.T) {
	// One-sided composite: name matches an alias, domain is missing from the
	// proposal. 0.85 - 0.1 falls below 0.8.
	nearMiss := org("s2", model.Attributes{"name": "Acme"})

	t.Run("create", func(t *testing.T) {
		st := store.NewMemoryStore()
		sink := &recordingSink{}
		c := newCoordinator(t, st, 0.1, Options{Sink: sink})
		seedAcme(t, c)

		res, err := c.MergeBatch(context.Background(), []model.EntityProposal{nearMiss}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Rejected)
		assert.Equal(t, 0, res.Created)
		require.Len(t, res.NearMisses, 1)
		assert.Equal(t, model.EntityRef{Type: "Organization", Key: "Acme Corp"}, res.NearMisses[0].CandidateID)
		assert.Equal(t, "alias-and-domain", res.NearMisses[0].Rule)
		assert.InDelta(t, 0.75, res.NearMisses[0].Score, 1e-9)
		assert.Equal(t, res.BatchID, res.NearMisses[0].BatchID)

		assert.NotNil(t, getEntity(t, st, "Organization", "Acme"))
		assert.Len(t, sink.seen, 1)
	})

	t.Run("skip", func(t *testing.T) {
		st := store.NewMemoryStore()
		sink := &recordingSink{err: errors.New("stream down")}
		c := newCoordinator(t, st, 0.1, Options{Sink: sink, RejectPolicy: RejectSkip})
		seedAcme(t, c)

		res, err := c.MergeBatch(context.Background(), []model.EntityProposal{nearMiss}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Rejected)
		assert.Empty(t, res.Failed)
		assert.Nil(t, getEntity(t, st, "Organization", "Acme"))
		assert.Len(t, st.Entities(), 1)
	})

	t.Run("default penalty accepts", func(t *testing.T) {
		st := store.NewMemoryStore()
		c := newCoordinator(t, st, scoring.DefaultCompositePenalty, Options{})
		seedAcme(t, c)

		res, err := c.MergeBatch(context.Background(), []model.EntityProposal{nearMiss}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Merged)
		assert.Len(t, st.Entities(), 1)
	})
}

func TestMergeBatchAmbiguityPicksLowestKey(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newCoordinator(t, st, scoring.DefaultCompositePenalty, Options{})

	_, err := c.MergeBatch(ctx, []model.EntityProposal{
		testutil.Person("s1", model.Attributes{"name": "Zed", "email": "shared@x.com"}),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, st.Upsert(ctx, model.CanonicalEntity{
		Type: "Person", PrimaryKey: "Adam",
		Attributes: model.Attributes{"name": "Adam", "emails": []any{"shared@x.com"}},
		Sources:    []string{"s0"},
	}))

	res, err := c.MergeBatch(ctx, []model.EntityProposal{
		testutil.Person("s2", model.Attributes{"name": "Someone", "email": "shared@x.com", "title": "VP"}),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ambiguities)
	assert.Equal(t, 1, res.Merged)
	assert.Equal(t, "VP", getEntity(t, st, "Person", "Adam").Attributes["title"])
}

func TestMergeBatchPrimaryKeyCollisionMerges(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newCoordinator(t, st, scoring.DefaultCompositePenalty, Options{})

	// Organization has no rule on name alone, so the second proposal finds no
	// candidate and collides on the primary key.
	_, err := c.MergeBatch(ctx, []model.EntityProposal{org("s1", model.Attributes{"name": "Initech"})}, nil)
	require.NoError(t, err)

	res, err := c.MergeBatch(ctx, []model.EntityProposal{org("s2", model.Attributes{"name": "Initech", "aliases": []any{"INTC"}})}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Merged)
	assert.Equal(t, 0, res.Created)

	e := getEntity(t, st, "Organization", "Initech")
	require.NotNil(t, e)
	assert.Equal(t, []any{"INTC"}, e.Attributes["aliases"])
	assert.Equal(t, []string{"s1", "s2"}, e.Sources)
}

func TestMergeBatchEmbedsNewEntities(t *testing.T) {
	st := store.NewMemoryStore()
	c := newCoordinator(t, st, scoring.DefaultCompositePenalty, Options{Embedder: &MockEmbedder{}})

	_, err := c.MergeBatch(context.Background(), []model.EntityProposal{
		testutil.Person("s1", model.Attributes{"name": "John Doe"}),
	}, nil)
	require.NoError(t, err)

	e := getEntity(t, st, "Person", "John Doe")
	require.NotNil(t, e)
	assert.Equal(t, []float32{float32(len("Person: John Doe")), 1}, e.Embedding)
}

func TestMergeBatchConcurrentCallsKeepKeysUnique(t *testing.T) {
	st := store.NewMemoryStore()
	c := newCoordinator(t, st, scoring.DefaultCompositePenalty, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.MergeBatch(context.Background(), []model.EntityProposal{
				testutil.Person(fmt.Sprintf("s%d", i), model.Attributes{"name": "John Doe", "aliases": []any{fmt.Sprintf("jd%d", i)}}),
			}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entities := st.Entities()
	require.Len(t, entities, 1)
	assert.Len(t, entities[0].Sources, 8)
	assert.Len(t, entities[0].Attributes["aliases"], 8)
	assert.Equal(t, 0, c.entityLocks.size())
}
