// Package poller walks the upstream score feed in cycles and hands new
// entries, oldest first, to a sink.
package poller

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/scores-ws/internal/api"
	"github.com/dgnsrekt/scores-ws/internal/notify"
	"github.com/dgnsrekt/scores-ws/internal/score"
)

// ErrPageLimit is returned by Cycle when it stopped at MaxPages with newer
// pages still available.
var ErrPageLimit = errors.New("page limit reached")

// Cursor is the poller's position in the upstream feed.
type Cursor struct {
	// Token is the upstream continuation string, empty to start from the head.
	Token string
	// Watermark is the highest id handed to the sink so far.
	Watermark uint64
}

// Sink receives each page's new entries in ascending id order. An error
// stops the poller.
type Sink func(ctx context.Context, entries []score.Entry) error

type Options struct {
	Interval time.Duration
	Cooldown time.Duration
	MaxPages int
	ResumeID uint64
}

type Poller struct {
	client   api.Client
	notifier notify.Notifier
	opts     Options
	logger   *zap.Logger

	cursor Cursor

	failures     int
	failingSince time.Time
}

func New(client api.Client, notifier notify.Notifier, opts Options, logger *zap.Logger) *Poller {
	if opts.MaxPages < 1 {
		opts.MaxPages = 1
	}
	return &Poller{
		client:   client,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
		cursor:   Cursor{Watermark: opts.ResumeID},
	}
}

// Cursor returns the current position. Only safe to call from the goroutine
// running Run, or after it returns.
func (p *Poller) Cursor() Cursor {
	return p.cursor
}

// Run polls until ctx is cancelled or the sink fails. Upstream failures never
// end the loop.
func (p *Poller) Run(ctx context.Context, sink Sink) error {
	p.logger.Info("poller started",
		zap.Uint64("watermark", p.cursor.Watermark),
		zap.Duration("interval", p.opts.Interval),
	)

	for {
		wait := p.opts.Interval

		err := p.Cycle(ctx, sink)
		switch {
		case err == nil:
			p.recovered(ctx)

		case errors.Is(err, ErrPageLimit):
			// Backlog remains; the limiter paces the next request.
			p.recovered(ctx)
			wait = 0

		case ctx.Err() != nil:
			p.logger.Info("poller stopped", zap.Uint64("watermark", p.cursor.Watermark))
			return nil

		case errors.Is(err, api.ErrCursorExpired):
			p.logger.Warn("cursor expired, resuming from last score id; scores may have been missed",
				zap.Uint64("watermark", p.cursor.Watermark),
			)
			p.cursor.Token = ""

		case isUpstreamError(err):
			wait = p.opts.Cooldown
			p.failed(ctx, err)

		default:
			return err
		}

		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped", zap.Uint64("watermark", p.cursor.Watermark))
			return nil
		case <-time.After(wait):
		}
	}
}

// Cycle fetches pages until the feed has nothing newer than the watermark or
// runs out of pages. It returns ErrPageLimit after MaxPages pages.
func (p *Poller) Cycle(ctx context.Context, sink Sink) error {
	for pages := 0; pages < p.opts.MaxPages; pages++ {
		req := api.PageRequest{CursorString: p.cursor.Token}
		if req.CursorString == "" && p.cursor.Watermark > 0 {
			req.CursorID = p.cursor.Watermark
		}

		page, err := p.client.FetchPage(ctx, req)
		if err != nil {
			return err
		}

		score.SortAscending(page.Entries)
		fresh := score.Above(page.Entries, p.cursor.Watermark)

		if len(fresh) > 0 {
			if err := sink(ctx, fresh); err != nil {
				return &SinkError{Err: err}
			}
			p.cursor.Watermark = fresh[len(fresh)-1].ID
		}
		if page.CursorString != "" {
			p.cursor.Token = page.CursorString
		}

		if len(fresh) == 0 || page.CursorString == "" {
			return nil
		}

		p.logger.Debug("page ingested",
			zap.Int("entries", len(fresh)),
			zap.Uint64("watermark", p.cursor.Watermark),
		)
	}
	return ErrPageLimit
}

func (p *Poller) failed(ctx context.Context, err error) {
	p.failures++
	if p.failures == 1 {
		p.failingSince = time.Now()
	}

	p.logger.Error("poll cycle failed",
		zap.Int("consecutive", p.failures),
		zap.Duration("cooldown", p.opts.Cooldown),
		zap.Error(err),
	)

	if p.failures > 1 {
		return
	}
	nerr := p.notifier.SendFailure(ctx, notify.CycleFailure{
		Consecutive: p.failures,
		Watermark:   p.cursor.Watermark,
		Cooldown:    p.opts.Cooldown,
		Err:         err,
	})
	if nerr != nil {
		p.logger.Warn("failed to send failure notification", zap.Error(nerr))
	}
}

func (p *Poller) recovered(ctx context.Context) {
	if p.failures == 0 {
		return
	}

	downtime := time.Since(p.failingSince)
	p.logger.Info("polling recovered",
		zap.Int("failedCycles", p.failures),
		zap.Duration("downtime", downtime),
	)

	if err := p.notifier.SendRecovered(ctx, p.failures, downtime, p.cursor.Watermark); err != nil {
		p.logger.Warn("failed to send recovery notification", zap.Error(err))
	}
	p.failures = 0
}

// SinkError wraps a failure returned by the sink.
type SinkError struct {
	Err error
}

func (e *SinkError) Error() string { return "sink: " + e.Err.Error() }

func (e *SinkError) Unwrap() error { return e.Err }

func isUpstreamError(err error) bool {
	var se *SinkError
	return !errors.As(err, &se) && !errors.Is(err, ErrPageLimit)
}
