// Package ingest moves polled scores through deduplication into the history
// log and out to live subscribers.
package ingest

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dgnsrekt/scores-ws/internal/dedup"
	"github.com/dgnsrekt/scores-ws/internal/history"
	"github.com/dgnsrekt/scores-ws/internal/poller"
	"github.com/dgnsrekt/scores-ws/internal/score"
)

// Publisher fans an entry out to live subscribers.
type Publisher interface {
	Publish(e score.Entry)
}

// Stats counts what the pipeline has seen.
type Stats struct {
	Accepted   uint64 `json:"accepted"`
	Duplicates uint64 `json:"duplicates"`
}

// Pipeline appends each new entry to the log before publishing it, so a
// session that subscribes and then replays never misses an entry.
type Pipeline struct {
	dedup     *dedup.Deduplicator
	log       history.Log
	publisher Publisher
	logger    *zap.Logger

	accepted   atomic.Uint64
	duplicates atomic.Uint64
}

func New(d *dedup.Deduplicator, log history.Log, publisher Publisher, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		dedup:     d,
		log:       log,
		publisher: publisher,
		logger:    logger,
	}
}

// Run polls src into the pipeline until ctx is cancelled or an entry cannot be appended.
func (p *Pipeline) Run(ctx context.Context, src *poller.Poller) error {
	return src.Run(ctx, p.Ingest)
}

// Ingest handles one ascending batch. It must only be called from a single goroutine.
func (p *Pipeline) Ingest(_ context.Context, entries []score.Entry) error {
	for _, e := range entries {
		if !p.dedup.Accept(e.ID) {
			p.duplicates.Add(1)
			p.logger.Debug("duplicate score dropped", zap.Uint64("scoreID", e.ID))
			continue
		}

		if err := p.log.Append(e); err != nil {
			return fmt.Errorf("appending score %d: %w", e.ID, err)
		}
		p.accepted.Add(1)
		p.publisher.Publish(e)
	}
	return nil
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Accepted:   p.accepted.Load(),
		Duplicates: p.duplicates.Load(),
	}
}
