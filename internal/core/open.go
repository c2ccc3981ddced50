package core

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/agenthands/graphmerge/internal/config"
	"github.com/agenthands/graphmerge/internal/core/batch"
	"github.com/agenthands/graphmerge/internal/core/extraction"
	"github.com/agenthands/graphmerge/internal/core/rules"
	"github.com/agenthands/graphmerge/internal/driver"
	"github.com/agenthands/graphmerge/internal/llm"
	"github.com/agenthands/graphmerge/internal/logger"
	"github.com/agenthands/graphmerge/internal/review"
	"github.com/agenthands/graphmerge/internal/store"
)

// Open builds an Engine from cfg: the catalog, the configured storage backend, the
// review sinks and, when a provider is set, the LLM extractor and embedder.
func Open(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Engine, error) {
	if log == nil {
		log = logger.Nop()
	}
	catalog, err := rules.Load(cfg.Merge.Catalog)
	if err != nil {
		return nil, err
	}

	st, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	opts := Options{
		AcceptanceThreshold:   cfg.Merge.AcceptanceThreshold,
		CompositePenalty:      cfg.Merge.CompositePenalty,
		RejectPolicy:          batch.RejectPolicy(cfg.Merge.RejectPolicy),
		Shards:                cfg.Merge.Shards,
		Workers:               cfg.Merge.Workers,
		ExtractionConcurrency: cfg.Extraction.Concurrency,
		Logger:                log,
	}

	sinks := review.Fanout{review.NewLogSink(log)}
	if cfg.Redis.Addr != "" {
		rs, err := review.NewRedisSink(ctx, review.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Stream:   cfg.Review.Stream,
			MaxLen:   cfg.Review.MaxLen,
		}, log)
		if err != nil {
			_ = st.Close(ctx)
			return nil, err
		}
		sinks = append(sinks, rs)
		opts.NearMisses = rs
		opts.Closers = append(opts.Closers, func(context.Context) error { return rs.Close() })
		log.Info("publishing near-misses to redis", "addr", cfg.Redis.Addr, "stream", cfg.Review.Stream)
	}
	opts.Sink = sinks

	if cfg.LLM.Enabled() {
		gen, emb, err := llm.NewClient(ctx, cfg.LLM, log)
		if err != nil {
			_ = st.Close(ctx)
			return nil, err
		}
		opts.Extractor = extraction.NewExtractor(gen, catalog, cfg.Extraction.Prompt)
		if emb != nil {
			opts.Embedder = emb
		}
		if c, ok := gen.(io.Closer); ok {
			opts.Closers = append(opts.Closers, func(context.Context) error { return c.Close() })
		}
		log.Info("document extraction enabled", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model, "embeddings", emb != nil)
	}

	return New(catalog, st, opts), nil
}

// OpenStore connects the storage backend selected by cfg.Storage.Backend.
func OpenStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, error) {
	if log == nil {
		log = logger.Nop()
	}
	switch cfg.Storage.Backend {
	case config.BackendMemory, "":
		return store.NewMemoryStore(), nil
	case config.BackendSQLite:
		return store.OpenSQLite(cfg.SQLite.Path)
	case config.BackendMemgraph:
		d, err := driver.NewMemgraphDriver(ctx, cfg.Memgraph.URI, cfg.Memgraph.User, cfg.Memgraph.Password, driver.Options{
			MaxPoolSize:    cfg.Memgraph.MaxPoolSize,
			ConnectTimeout: time.Duration(cfg.Memgraph.ConnectTimeout) * time.Second,
		}, log)
		if err != nil {
			return nil, err
		}
		return store.NewGraphStore(d), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
