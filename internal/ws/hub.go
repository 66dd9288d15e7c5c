package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dgnsrekt/scores-ws/internal/config"
	"github.com/dgnsrekt/scores-ws/internal/score"
)

var (
	ErrSlowConsumer = errors.New("subscriber queue overflowed")
	ErrHubClosed    = errors.New("hub closed")
)

// Subscription is one session's bounded queue of live entries.
type Subscription struct {
	queue chan score.Entry
	lag   chan struct{}
	done  chan struct{}

	once sync.Once
	err  error
}

// C delivers live entries in publish order.
func (s *Subscription) C() <-chan score.Entry { return s.queue }

// Lagged fires when the queue overflowed and was discarded.
func (s *Subscription) Lagged() <-chan struct{} { return s.lag }

// Done is closed when the hub ends the subscription. Err reports why.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Subscription) end(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// membership asks the hub loop to add or remove a subscription. ack is
// closed once the change is visible through Subscriptions.
type membership struct {
	sub *Subscription
	ack chan struct{}
}

// Hub fans published entries out to every subscription.
type Hub struct {
	subs       map[*Subscription]struct{}
	register   chan membership
	unregister chan membership
	broadcast  chan score.Entry
	done       chan struct{}
	queueSize  int
	policy     config.OverflowPolicy
	count      atomic.Int64
	logger     *zap.Logger
}

// NewHub creates a new Hub.
func NewHub(queueSize int, policy config.OverflowPolicy, logger *zap.Logger) *Hub {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Hub{
		subs:       make(map[*Subscription]struct{}),
		register:   make(chan membership),
		unregister: make(chan membership),
		broadcast:  make(chan score.Entry, 256),
		done:       make(chan struct{}),
		queueSize:  queueSize,
		policy:     policy,
		logger:     logger,
	}
}

// Run processes hub events. Call this in a goroutine.
// Returns when context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub shutting down", zap.Int("subscriptions", len(h.subs)))
			h.shutdown()
			return

		case m := <-h.register:
			h.subs[m.sub] = struct{}{}
			h.count.Store(int64(len(h.subs)))
			close(m.ack)

		case m := <-h.unregister:
			if _, ok := h.subs[m.sub]; ok {
				delete(h.subs, m.sub)
				h.count.Store(int64(len(h.subs)))
			}
			close(m.ack)

		case e := <-h.broadcast:
			for sub := range h.subs {
				select {
				case sub.queue <- e:
				default:
					h.overflow(sub, e)
				}
			}
		}
	}
}

func (h *Hub) overflow(sub *Subscription, e score.Entry) {
	if h.policy == config.OverflowCatchup {
		// Discard the backlog; the session replays the gap from history.
		for len(sub.queue) > 0 {
			select {
			case <-sub.queue:
			default:
			}
		}
		// Signal before queueing e so a session that receives e sees the lag.
		select {
		case sub.lag <- struct{}{}:
		default:
		}
		sub.queue <- e
		h.logger.Debug("subscription lagged", zap.Uint64("scoreID", e.ID))
		return
	}

	delete(h.subs, sub)
	h.count.Store(int64(len(h.subs)))
	sub.end(ErrSlowConsumer)
	h.logger.Debug("slow subscription dropped", zap.Uint64("scoreID", e.ID))
}

// shutdown ends every subscription.
func (h *Hub) shutdown() {
	for sub := range h.subs {
		sub.end(ErrHubClosed)
		delete(h.subs, sub)
	}
	h.count.Store(0)
	close(h.done)
}

// Subscribe registers a new queue. Entries published after it returns are
// delivered to it.
func (h *Hub) Subscribe() (*Subscription, error) {
	sub := &Subscription{
		queue: make(chan score.Entry, h.queueSize),
		lag:   make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	m := membership{sub: sub, ack: make(chan struct{})}
	select {
	case h.register <- m:
		<-m.ack
		return sub, nil
	case <-h.done:
		return nil, ErrHubClosed
	}
}

// Unsubscribe releases sub. It returns once sub no longer counts toward
// Subscriptions.
func (h *Hub) Unsubscribe(sub *Subscription) {
	m := membership{sub: sub, ack: make(chan struct{})}
	select {
	case h.unregister <- m:
		<-m.ack
	case <-h.done:
	}
}

// Publish queues e for every subscription. It blocks only while the hub's
// own buffer is full.
func (h *Hub) Publish(e score.Entry) {
	select {
	case h.broadcast <- e:
	case <-h.done:
	}
}

// Done is closed once the hub has shut down.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Subscriptions returns the number of live subscriptions.
func (h *Hub) Subscriptions() int { return int(h.count.Load()) }
