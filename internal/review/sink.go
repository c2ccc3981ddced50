// Package review publishes near-miss merge decisions for human review.
package review

import (
	"context"
	"errors"

	"github.com/agenthands/graphmerge/internal/core/model"
	"github.com/agenthands/graphmerge/internal/logger"
)

type Sink interface {
	Publish(ctx context.Context, nm model.NearMiss) error
}

// LogSink writes each near-miss as a structured log line.
type LogSink struct {
	log *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log.With("component", "review")}
}

func (s *LogSink) Publish(ctx context.Context, nm model.NearMiss) error {
	s.log.Info("near-miss",
		"batch_id", nm.BatchID,
		"type", nm.Proposal.Type,
		"source", nm.Proposal.SourceID,
		"candidate", nm.CandidateID.String(),
		"score", nm.Score,
		"rule", nm.Rule,
	)
	return nil
}

// Fanout publishes to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, nm model.NearMiss) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, nm); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
