package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/agenthands/graphmerge/internal/apperr"
	"github.com/agenthands/graphmerge/internal/logger"
)

type MemgraphDriver struct {
	Driver neo4j.DriverWithContext
	log    *logger.Logger
}

type Options struct {
	MaxPoolSize    int
	ConnectTimeout time.Duration
}

func NewMemgraphDriver(ctx context.Context, uri, username, password string, opts Options, log *logger.Logger) (*MemgraphDriver, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""), func(cfg *neo4j.Config) {
		if opts.MaxPoolSize > 0 {
			cfg.MaxConnectionPoolSize = opts.MaxPoolSize
		}
		cfg.SocketConnectTimeout = opts.ConnectTimeout
	})
	if err != nil {
		return nil, fmt.Errorf("memgraph: init driver: %w", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("memgraph: verify connectivity: %w", errors.Join(apperr.ErrStoreUnavailable, err))
	}

	log = log.With("component", "memgraph")
	log.Info("Connected to Memgraph", "uri", uri)
	return &MemgraphDriver{Driver: driver, log: log}, nil
}

func (d *MemgraphDriver) Close(ctx context.Context) error {
	return d.Driver.Close(ctx)
}

// ExecuteQuery runs query in an auto-commit transaction. Connectivity failures are
// marked with ErrStoreUnavailable.
func (d *MemgraphDriver) ExecuteQuery(ctx context.Context, query string, params map[string]interface{}) (neo4j.EagerResult, error) {
	result, err := neo4j.ExecuteQuery(ctx, d.Driver, query, params, neo4j.EagerResultTransformer)
	if err != nil {
		if neo4j.IsConnectivityError(err) {
			err = errors.Join(apperr.ErrStoreUnavailable, err)
		}
		return neo4j.EagerResult{}, fmt.Errorf("failed to execute query: %w", err)
	}
	return *result, nil
}

func (d *MemgraphDriver) BuildIndices(ctx context.Context) error {
	for _, q := range indexQueries {
		if _, err := d.ExecuteQuery(ctx, q, nil); err != nil {
			// Memgraph errors when the index already exists.
			d.log.Warn("failed to create index", "query", q, "error", err)
		}
	}
	return nil
}
