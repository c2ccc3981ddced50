package review

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/agenthands/graphmerge/internal/core/model"
	"github.com/agenthands/graphmerge/internal/logger"
)

// streamClient is the part of the Redis client the sink uses.
type streamClient interface {
	XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *goredis.XMessageSliceCmd
	Close() error
}

// RedisSink appends near-misses to a Redis stream, trimmed to roughly maxLen entries.
type RedisSink struct {
	log    *logger.Logger
	rdb    streamClient
	stream string
	maxLen int64
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// NewRedisSink connects and pings Redis before returning.
func NewRedisSink(ctx context.Context, opts RedisOptions, log *logger.Logger) (*RedisSink, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis sink: missing addr")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisSink(rdb, opts.Stream, opts.MaxLen, log), nil
}

func newRedisSink(rdb streamClient, stream string, maxLen int64, log *logger.Logger) *RedisSink {
	return &RedisSink{
		log:    log.With("component", "review", "stream", stream),
		rdb:    rdb,
		stream: stream,
		maxLen: maxLen,
	}
}

func (s *RedisSink) Publish(ctx context.Context, nm model.NearMiss) error {
	raw, err := json.Marshal(nm)
	if err != nil {
		return err
	}
	args := &goredis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"batch_id":  nm.BatchID,
			"type":      nm.Proposal.Type,
			"candidate": nm.CandidateID.String(),
			"score":     strconv.FormatFloat(nm.Score, 'f', -1, 64),
			"rule":      nm.Rule,
			"payload":   string(raw),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Recent returns up to count near-misses, newest first.
func (s *RedisSink) Recent(ctx context.Context, count int64) ([]model.NearMiss, error) {
	msgs, err := s.rdb.XRevRangeN(ctx, s.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", s.stream, err)
	}
	out := make([]model.NearMiss, 0, len(msgs))
	for _, m := range msgs {
		payload, _ := m.Values["payload"].(string)
		var nm model.NearMiss
		if err := json.Unmarshal([]byte(payload), &nm); err != nil {
			s.log.Warn("bad near-miss payload", "id", m.ID, "error", err)
			continue
		}
		out = append(out, nm)
	}
	return out, nil
}

func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
