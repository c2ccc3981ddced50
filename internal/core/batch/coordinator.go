// Package batch merges batches of entity and relation proposals into the store.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/agenthands/graphmerge/internal/apperr"
	"github.com/agenthands/graphmerge/internal/core/candidate"
	"github.com/agenthands/graphmerge/internal/core/merge"
	"github.com/agenthands/graphmerge/internal/core/model"
	"github.com/agenthands/graphmerge/internal/core/rules"
	"github.com/agenthands/graphmerge/internal/core/scoring"
	"github.com/agenthands/graphmerge/internal/logger"
	"github.com/agenthands/graphmerge/internal/store"
)

// RejectPolicy decides whether a near-miss also starts a new canonical record.
type RejectPolicy string

const (
	RejectCreate RejectPolicy = "create"
	RejectSkip   RejectPolicy = "skip"
)

// RuleByPrimaryKey is recorded when a createNew finds its key already taken.
const RuleByPrimaryKey = "primary-key"

const (
	defaultShards  = 4
	defaultWorkers = 8
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Sink receives near-misses for review.
type Sink interface {
	Publish(ctx context.Context, nm model.NearMiss) error
}

type Options struct {
	Shards       int
	Workers      int
	RejectPolicy RejectPolicy
	Embedder     Embedder
	Sink         Sink
	Logger       *logger.Logger
}

// Coordinator runs MergeBatch. It keeps no resolution state between calls; the only
// thing shared across calls is the per-key lock table.
type Coordinator struct {
	catalog  *rules.Catalog
	store    store.Store
	finder   *candidate.Finder
	scorer   *scoring.Scorer
	resolver *merge.Resolver
	opts     Options
	log      *logger.Logger
	tracer   trace.Tracer

	entityLocks   *keyedMutex
	relationLocks *keyedMutex
}

func NewCoordinator(catalog *rules.Catalog, st store.Store, scorer *scoring.Scorer, resolver *merge.Resolver, opts Options) *Coordinator {
	if opts.Shards < 1 {
		opts.Shards = defaultShards
	}
	if opts.Workers < 1 {
		opts.Workers = defaultWorkers
	}
	if opts.RejectPolicy == "" {
		opts.RejectPolicy = RejectCreate
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Coordinator{
		catalog:       catalog,
		store:         st,
		finder:        candidate.NewFinder(catalog, st),
		scorer:        scorer,
		resolver:      resolver,
		opts:          opts,
		log:           log.With("component", "batch"),
		tracer:        otel.Tracer("github.com/agenthands/graphmerge/internal/core/batch"),
		entityLocks:   newKeyedMutex(),
		relationLocks: newKeyedMutex(),
	}
}

// MergeBatch resolves and commits every entity proposal, then every relation
// proposal. Per-proposal failures land in BatchResult.Failed. A fatal storage error
// or a cancelled ctx stops new commits; the partial result is returned with the
// error.
func (c *Coordinator) MergeBatch(ctx context.Context, entities []model.EntityProposal, relations []model.RelationProposal) (BatchResult, error) {
	start := time.Now()
	res := BatchResult{BatchID: uuid.NewString()}

	ctx, span := c.tracer.Start(ctx, "batch.MergeBatch", trace.WithAttributes(
		attribute.String("batch.id", res.BatchID),
		attribute.Int("batch.entities", len(entities)),
		attribute.Int("batch.relations", len(relations)),
	))
	defer span.End()
	log := c.log.With("batch_id", res.BatchID)

	outcomes, err := c.entityPhase(ctx, res.BatchID, entities)
	refs := c.collectEntities(&res, entities, outcomes)

	if err == nil && ctx.Err() == nil {
		var relOutcomes []relationOutcome
		relOutcomes, err = c.relationPhase(ctx, relations, refs)
		c.collectRelations(&res, relations, relOutcomes)
	} else {
		res.Skipped += len(relations)
	}
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", apperr.ErrBatchCanceled, ctx.Err())
	}

	res.Duration = time.Since(start)
	for _, f := range res.Failed {
		log.Warn("proposal failed", "kind", f.Kind, "index", f.Index, "subject", f.Subject, "error", f.Error)
	}
	log.Info("batch merged",
		"created", res.Created,
		"merged", res.Merged,
		"rejected", res.Rejected,
		"skipped", res.Skipped,
		"failed", len(res.Failed),
		"ambiguities", res.Ambiguities,
		"relations_created", res.RelationsCreated,
		"relations_merged", res.RelationsMerged,
		"duration", res.Duration,
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	return res, nil
}

func (c *Coordinator) entityPhase(ctx context.Context, batchID string, proposals []model.EntityProposal) ([]entityOutcome, error) {
	outcomes := make([]entityOutcome, len(proposals))
	normalized := make([]model.EntityProposal, len(proposals))
	keys := make([]string, len(proposals))
	tokens := make(map[int][]string, len(proposals))

	for i, p := range proposals {
		n, err := c.catalog.Normalize(p)
		if err == nil {
			keys[i], err = c.catalog.PrimaryKey(n)
		}
		if err != nil {
			outcomes[i] = entityOutcome{done: true, ref: model.EntityRef{Type: p.Type}, err: err}
			continue
		}
		normalized[i] = n
		tokens[i] = matchTokens(c.catalog, n, keys[i])
	}

	// A shard returning a fatal error cancels gctx, which stops every shard from
	// launching further commits.
	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range partition(tokens, c.opts.Shards) {
		if len(shard) == 0 {
			continue
		}
		g.Go(func() error {
			for _, idx := range shard {
				if gctx.Err() != nil {
					outcomes[idx] = entityOutcome{done: true, skipped: true}
					continue
				}
				out := c.resolveEntity(context.WithoutCancel(gctx), batchID, normalized[idx], keys[idx])
				outcomes[idx] = out
				if out.err != nil && apperr.IsFatal(out.err) {
					return out.err
				}
			}
			return nil
		})
	}
	return outcomes, g.Wait()
}

func (c *Coordinator) resolveEntity(ctx context.Context, batchID string, p model.EntityProposal, key string) (out entityOutcome) {
	ctx, span := c.tracer.Start(ctx, "batch.resolveEntity", trace.WithAttributes(
		attribute.String("entity.type", p.Type),
		attribute.String("entity.key", key),
	))
	defer span.End()

	out = entityOutcome{done: true, ref: model.EntityRef{Type: p.Type, Key: key}}
	defer func() {
		if r := recover(); r != nil {
			out.err = fmt.Errorf("panic while resolving %s: %v", out.ref, r)
			out.resolved = false
		}
		if out.err != nil {
			span.RecordError(out.err)
			span.SetStatus(codes.Error, out.err.Error())
		}
	}()

	matches, err := c.finder.FindCandidates(ctx, p)
	if err != nil {
		out.err = apperr.NewStorageError("find candidates", err)
		return out
	}
	ranking := c.scorer.Rank(p, matches)
	if ranking.Ambiguous {
		out.ambiguous = true
		c.log.Warn("scoring ambiguity",
			"type", p.Type,
			"source", p.SourceID,
			"first", ranking.Candidates[0].Entity.PrimaryKey,
			"second", ranking.Candidates[1].Entity.PrimaryKey,
			"score", ranking.Candidates[0].Score,
		)
	}

	out.decision = c.resolver.Resolve(p, ranking)
	span.SetAttributes(
		attribute.String("decision.outcome", string(out.decision.Outcome)),
		attribute.String("decision.rule", out.decision.AppliedRule),
	)

	switch out.decision.Outcome {
	case model.OutcomeMergeInto:
		out.ref = model.EntityRef{Type: p.Type, Key: out.decision.TargetKey}
		out.err = c.commitMerge(ctx, out.ref, p)

	case model.OutcomeReject:
		best, _ := ranking.Best()
		out.nearMiss = &model.NearMiss{
			BatchID:     batchID,
			Proposal:    p,
			CandidateID: best.Entity.Ref(),
			Score:       best.Score,
			Rule:        best.Rule.Name,
		}
		c.publish(ctx, *out.nearMiss)
		if c.opts.RejectPolicy == RejectSkip {
			return out
		}
		_, out.err = c.commitCreate(ctx, p, key)

	default:
		var collided bool
		collided, out.err = c.commitCreate(ctx, p, key)
		if collided {
			out.decision = model.MergeDecision{
				Outcome:     model.OutcomeMergeInto,
				TargetKey:   key,
				Confidence:  1,
				AppliedRule: RuleByPrimaryKey,
			}
		}
	}
	out.resolved = out.err == nil
	return out
}

// commitMerge re-reads target under its lock, merges p into it and writes it back.
func (c *Coordinator) commitMerge(ctx context.Context, target model.EntityRef, p model.EntityProposal) error {
	unlock := c.entityLocks.Lock(target.String())
	defer unlock()

	existing, err := c.store.GetEntity(ctx, target)
	if err != nil {
		return apperr.NewStorageError("get entity", err)
	}
	if existing == nil {
		return apperr.NewStorageError("get entity", fmt.Errorf("merge target %s: %w", target, apperr.ErrNotFound))
	}
	merged, changed := c.resolver.MergeEntity(*existing, p)
	c.log.Debug("entity merged", "entity", target.String(), "changed", changed)
	return apperr.NewStorageError("upsert", c.store.Upsert(ctx, merged))
}

// commitCreate creates the record for key, or merges into it when another proposal
// already created it. The embedding is computed before the lock is taken.
func (c *Coordinator) commitCreate(ctx context.Context, p model.EntityProposal, key string) (collided bool, err error) {
	fresh := c.resolver.NewEntity(p, key)
	c.embed(ctx, &fresh)

	ref := fresh.Ref()
	unlock := c.entityLocks.Lock(ref.String())
	defer unlock()

	existing, err := c.store.GetEntity(ctx, ref)
	if err != nil {
		return false, apperr.NewStorageError("get entity", err)
	}
	if existing != nil {
		merged, changed := c.resolver.MergeEntity(*existing, p)
		c.log.Debug("entity merged on key collision", "entity", ref.String(), "changed", changed)
		return true, apperr.NewStorageError("upsert", c.store.Upsert(ctx, merged))
	}
	return false, apperr.NewStorageError("upsert", c.store.Upsert(ctx, fresh))
}

func (c *Coordinator) embed(ctx context.Context, e *model.CanonicalEntity) {
	if c.opts.Embedder == nil {
		return
	}
	vec, err := c.opts.Embedder.Embed(ctx, e.Type+": "+e.PrimaryKey)
	if err != nil {
		c.log.Warn("embedding failed", "entity", e.Ref().String(), "error", err)
		return
	}
	e.Embedding = vec
}

func (c *Coordinator) publish(ctx context.Context, nm model.NearMiss) {
	if c.opts.Sink == nil {
		return
	}
	if err := c.opts.Sink.Publish(ctx, nm); err != nil {
		c.log.Warn("near-miss publish failed", "candidate", nm.CandidateID.String(), "error", err)
	}
}

func (c *Coordinator) collectEntities(res *BatchResult, proposals []model.EntityProposal, outcomes []entityOutcome) map[string]model.EntityRef {
	refs := make(map[string]model.EntityRef)
	for i, out := range outcomes {
		p := proposals[i]
		switch {
		case out.skipped || !out.done:
			res.Skipped++
		case out.err != nil:
			res.Failed = append(res.Failed, Failure{
				Kind:    "entity",
				Index:   i,
				Subject: out.ref.String(),
				Error:   out.err.Error(),
				Err:     out.err,
				Entity:  &p,
			})
		default:
			switch out.decision.Outcome {
			case model.OutcomeCreateNew:
				res.Created++
			case model.OutcomeMergeInto:
				res.Merged++
			case model.OutcomeReject:
				res.Rejected++
			}
			if out.ambiguous {
				res.Ambiguities++
			}
			if out.nearMiss != nil {
				res.NearMisses = append(res.NearMisses, *out.nearMiss)
			}
			if out.resolved && p.ID != "" {
				if _, dup := refs[p.ID]; !dup {
					refs[p.ID] = out.ref
				}
			}
		}
	}
	return refs
}

// relationPhase commits relations in parallel. Relations with an unresolved
// endpoint get one more attempt after the first pass.
func (c *Coordinator) relationPhase(ctx context.Context, relations []model.RelationProposal, refs map[string]model.EntityRef) ([]relationOutcome, error) {
	outcomes := make([]relationOutcome, len(relations))
	pending := make([]int, len(relations))
	for i := range pending {
		pending[i] = i
	}

	var err error
	for pass := 0; pass < 2 && len(pending) > 0 && err == nil && ctx.Err() == nil; pass++ {
		final := pass == 1
		var (
			mu       sync.Mutex
			deferred []int
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.opts.Workers)
		for _, idx := range pending {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				out := c.resolveRelation(context.WithoutCancel(gctx), relations[idx], refs, final)
				if out.deferred {
					mu.Lock()
					deferred = append(deferred, idx)
					mu.Unlock()
					return nil
				}
				outcomes[idx] = out
				if out.err != nil && apperr.IsFatal(out.err) {
					return out.err
				}
				return nil
			})
		}
		err = g.Wait()
		sort.Ints(deferred)
		pending = deferred
	}

	for i := range outcomes {
		if !outcomes[i].done {
			outcomes[i] = relationOutcome{done: true, skipped: true}
		}
	}
	return outcomes, err
}

func (c *Coordinator) resolveRelation(ctx context.Context, p model.RelationProposal, refs map[string]model.EntityRef, final bool) (out relationOutcome) {
	ctx, span := c.tracer.Start(ctx, "batch.resolveRelation", trace.WithAttributes(
		attribute.String("relation.tag", p.Tag),
	))
	defer span.End()

	out = relationOutcome{done: true}
	defer func() {
		if r := recover(); r != nil {
			out = relationOutcome{done: true, err: fmt.Errorf("panic while resolving relation %s: %v", p, r)}
		}
		if out.err != nil {
			span.RecordError(out.err)
			span.SetStatus(codes.Error, out.err.Error())
		}
	}()

	if p.Tag == "" {
		out.err = fmt.Errorf("%w: relation %s has no tag", apperr.ErrInvalidProposal, p)
		return out
	}

	from, err := c.resolveEndpoint(ctx, p, p.From, refs)
	var to model.EntityRef
	if err == nil {
		to, err = c.resolveEndpoint(ctx, p, p.To, refs)
	}
	if err != nil {
		if errors.Is(err, apperr.ErrUnresolved) && !final {
			return relationOutcome{deferred: true}
		}
		out.err = err
		return out
	}

	id := model.RelationID(from, to, p.Tag)
	unlock := c.relationLocks.Lock(id)
	defer unlock()

	existing, err := c.store.GetRelation(ctx, id)
	if err != nil {
		out.err = apperr.NewStorageError("get relation", err)
		return out
	}
	record := merge.MergeRelation(existing, p, from, to)
	if err := c.store.UpsertRelation(ctx, from, to, record); err != nil {
		out.err = apperr.NewStorageError("upsert relation", err)
		return out
	}
	out.created = existing == nil
	return out
}

// resolveEndpoint maps an endpoint to a canonical key: an explicit Ref, then a
// proposal committed earlier in this batch, then a lookup by name.
func (c *Coordinator) resolveEndpoint(ctx context.Context, p model.RelationProposal, ep model.Endpoint, refs map[string]model.EntityRef) (model.EntityRef, error) {
	unresolved := func(reason string) error {
		return &apperr.ResolutionError{Relation: p.String(), Endpoint: ep.String(), Reason: reason}
	}

	if ep.Ref != nil {
		e, err := c.store.GetEntity(ctx, *ep.Ref)
		if err != nil {
			return model.EntityRef{}, apperr.NewStorageError("get entity", err)
		}
		if e == nil {
			return model.EntityRef{}, unresolved("canonical entity does not exist")
		}
		return *ep.Ref, nil
	}
	if ep.ProposalID != "" {
		if ref, ok := refs[ep.ProposalID]; ok {
			return ref, nil
		}
		if ep.Name == "" {
			return model.EntityRef{}, unresolved("proposal was not committed in this batch")
		}
	}
	if ep.Name == "" {
		return model.EntityRef{}, unresolved("empty endpoint")
	}

	types := []string{ep.Type}
	if ep.Type == "" {
		types = c.catalog.Types()
	}
	var found []model.EntityRef
	for _, typ := range types {
		ref, ok, err := c.lookupByName(ctx, typ, ep.Name)
		if err != nil {
			return model.EntityRef{}, err
		}
		if ok {
			found = append(found, ref)
		}
	}
	switch len(found) {
	case 0:
		return model.EntityRef{}, unresolved("no canonical entity with that name")
	case 1:
		return found[0], nil
	default:
		return model.EntityRef{}, unresolved(fmt.Sprintf("name matches %d entities of different types", len(found)))
	}
}

func (c *Coordinator) lookupByName(ctx context.Context, entityType, name string) (model.EntityRef, bool, error) {
	ref := model.EntityRef{Type: entityType, Key: name}
	e, err := c.store.GetEntity(ctx, ref)
	if err != nil {
		return ref, false, apperr.NewStorageError("get entity", err)
	}
	if e != nil {
		return ref, true, nil
	}

	schema, err := c.catalog.Schema(entityType)
	if err != nil {
		return ref, false, nil
	}
	found, err := c.store.FindByAttribute(ctx, entityType, schema.PrimaryKey, name)
	if err != nil {
		return ref, false, apperr.NewStorageError("find", err)
	}
	if len(found) == 0 {
		return ref, false, nil
	}
	return found[0].Ref(), true, nil
}

func (c *Coordinator) collectRelations(res *BatchResult, relations []model.RelationProposal, outcomes []relationOutcome) {
	for i, out := range outcomes {
		p := relations[i]
		switch {
		case out.skipped:
			res.Skipped++
		case out.err != nil:
			res.Failed = append(res.Failed, Failure{
				Kind:     "relation",
				Index:    i,
				Subject:  p.String(),
				Error:    out.err.Error(),
				Err:      out.err,
				Relation: &p,
			})
		case out.created:
			res.RelationsCreated++
		default:
			res.RelationsMerged++
		}
	}
}
