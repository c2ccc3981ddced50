// Package core wires the merge pipeline into a single Engine used by the server and
// the CLI.
package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/agenthands/graphmerge/internal/apperr"
	"github.com/agenthands/graphmerge/internal/core/batch"
	"github.com/agenthands/graphmerge/internal/core/extraction"
	"github.com/agenthands/graphmerge/internal/core/merge"
	"github.com/agenthands/graphmerge/internal/core/model"
	"github.com/agenthands/graphmerge/internal/core/rules"
	"github.com/agenthands/graphmerge/internal/core/scoring"
	"github.com/agenthands/graphmerge/internal/logger"
	"github.com/agenthands/graphmerge/internal/store"
)

// NearMissSource lists recently published near-misses, newest first.
type NearMissSource interface {
	Recent(ctx context.Context, count int64) ([]model.NearMiss, error)
}

type Options struct {
	AcceptanceThreshold float64
	CompositePenalty    float64
	RejectPolicy        batch.RejectPolicy
	Shards              int
	Workers             int

	// Extractor enables IngestDocuments.
	Extractor             *extraction.Extractor
	ExtractionConcurrency int
	Embedder              batch.Embedder
	Sink                  batch.Sink
	NearMisses            NearMissSource
	Logger                *logger.Logger

	// Closers run on Close, last registered first, before the store is closed.
	Closers []func(ctx context.Context) error
}

type Engine struct {
	Catalog     *rules.Catalog
	Store       store.Store
	Coordinator *batch.Coordinator

	extractor   *extraction.Extractor
	concurrency int
	nearMisses  NearMissSource
	closers     []func(ctx context.Context) error
	log         *logger.Logger
}

func New(catalog *rules.Catalog, st store.Store, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	coord := batch.NewCoordinator(catalog, st,
		scoring.NewScorer(opts.CompositePenalty),
		merge.NewResolver(catalog, opts.AcceptanceThreshold),
		batch.Options{
			Shards:       opts.Shards,
			Workers:      opts.Workers,
			RejectPolicy: opts.RejectPolicy,
			Embedder:     opts.Embedder,
			Sink:         opts.Sink,
			Logger:       log,
		})
	return &Engine{
		Catalog:     catalog,
		Store:       st,
		Coordinator: coord,
		extractor:   opts.Extractor,
		concurrency: opts.ExtractionConcurrency,
		nearMisses:  opts.NearMisses,
		closers:     opts.Closers,
		log:         log.With("component", "engine"),
	}
}

func (e *Engine) MergeBatch(ctx context.Context, entities []model.EntityProposal, relations []model.RelationProposal) (batch.BatchResult, error) {
	return e.Coordinator.MergeBatch(ctx, entities, relations)
}

// IngestDocuments extracts every document and merges all resulting proposals as one
// batch. Proposal IDs are qualified with the document ID so that two documents
// naming the same entity do not share a batch-local ID.
func (e *Engine) IngestDocuments(ctx context.Context, docs []extraction.Document) (batch.BatchResult, error) {
	if e.extractor == nil {
		return batch.BatchResult{}, fmt.Errorf("document extraction: %w", apperr.ErrNotConfigured)
	}
	converted, err := e.extractor.ExtractAll(ctx, docs, e.concurrency)
	if err != nil {
		return batch.BatchResult{}, err
	}

	var entities []model.EntityProposal
	var relations []model.RelationProposal
	for _, conv := range converted {
		for _, p := range conv.Entities {
			p.ID = qualify(conv.SourceID, p.ID)
			entities = append(entities, p)
		}
		for _, r := range conv.Relations {
			r.From.ProposalID = qualify(conv.SourceID, r.From.ProposalID)
			r.To.ProposalID = qualify(conv.SourceID, r.To.ProposalID)
			relations = append(relations, r)
		}
	}
	e.log.Debug("documents extracted", "documents", len(docs), "entities", len(entities), "relations", len(relations))
	return e.Coordinator.MergeBatch(ctx, entities, relations)
}

func qualify(docID, id string) string {
	if id == "" {
		return ""
	}
	return docID + "/" + id
}

// Entity returns the canonical record for (entityType, key) or apperr.ErrNotFound.
func (e *Engine) Entity(ctx context.Context, entityType, key string) (*model.CanonicalEntity, error) {
	if _, err := e.Catalog.Schema(entityType); err != nil {
		return nil, err
	}
	ent, err := e.Store.GetEntity(ctx, model.EntityRef{Type: entityType, Key: key})
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, fmt.Errorf("%s %q: %w", entityType, key, apperr.ErrNotFound)
	}
	return ent, nil
}

func (e *Engine) Stats(ctx context.Context) (model.Stats, error) {
	return e.Store.Stats(ctx)
}

// NearMisses returns the latest count near-misses from the review stream.
func (e *Engine) NearMisses(ctx context.Context, count int64) ([]model.NearMiss, error) {
	if e.nearMisses == nil {
		return nil, fmt.Errorf("review stream: %w", apperr.ErrNotConfigured)
	}
	return e.nearMisses.Recent(ctx, count)
}

func (e *Engine) BuildIndices(ctx context.Context) error {
	return e.Store.BuildIndices(ctx)
}

func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.Store.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
