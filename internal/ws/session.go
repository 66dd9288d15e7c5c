package ws

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/scores-ws/internal/history"
	"github.com/dgnsrekt/scores-ws/internal/score"
)

const defaultInitialTimeout = 5 * time.Second

// State is a subscriber session's position in its lifecycle.
type State int32

const (
	StateAwaitingInitialMessage State = iota
	StateReplaying
	StateLive
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingInitialMessage:
		return "awaiting_initial_message"
	case StateReplaying:
		return "replaying"
	case StateLive:
		return "live"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	errPeerGone     = errors.New("peer went away")
	errDisconnected = errors.New("subscriber disconnected")
	errLagged       = errors.New("subscription lagged")

	errShutdown = &ProtocolError{Code: CodeShutdown, Message: "server shutting down"}
	errTooSlow  = &ProtocolError{Code: CodeSlowConsumer, Message: "subscriber fell behind, reconnect with the last received id"}
)

type SessionOptions struct {
	InitialTimeout time.Duration
	ReplayChunk    int
}

// Session runs the subscriber protocol over a single connection: wait for
// the initial message, replay history, then forward live entries until the
// subscriber disconnects.
type Session struct {
	id     string
	conn   Conn
	hub    *Hub
	log    history.Log
	opts   SessionOptions
	logger *zap.Logger

	state atomic.Int32
	sub   *Subscription

	// lastDelivered is only meaningful once hasLast is set, either by a
	// resume id or by the first delivered entry.
	lastDelivered uint64
	hasLast       bool
	delivered     int
}

func NewSession(id string, conn Conn, hub *Hub, log history.Log, opts SessionOptions, logger *zap.Logger) *Session {
	if opts.InitialTimeout <= 0 {
		opts.InitialTimeout = defaultInitialTimeout
	}
	if opts.ReplayChunk < 1 {
		opts.ReplayChunk = 500
	}
	return &Session{
		id:     id,
		conn:   conn,
		hub:    hub,
		log:    log,
		opts:   opts,
		logger: logger,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.logger.Debug("session state", zap.Stringer("from", prev), zap.Stringer("to", st))
	}
}

// Delivered returns how many entries were sent. Only valid after Run returns.
func (s *Session) Delivered() int { return s.delivered }

// Run drives the session until it closes. It returns nil when the subscriber
// disconnected cleanly or went away, and the reason otherwise.
func (s *Session) Run(ctx context.Context) error {
	defer func() {
		if s.sub != nil {
			s.hub.Unsubscribe(s.sub)
		}
		_ = s.conn.Close()
		s.setState(StateClosed)
	}()

	err := s.run(ctx)
	if errors.Is(err, errDisconnected) || errors.Is(err, errPeerGone) {
		return nil
	}

	var pe *ProtocolError
	if errors.As(err, &pe) {
		if werr := s.conn.WriteText(buildErrorMessage(pe)); werr != nil {
			s.logger.Debug("failed to send error", zap.Error(werr))
		}
	}
	return err
}

func (s *Session) run(ctx context.Context) error {
	initial, err := s.awaitInitial(ctx)
	if err != nil {
		return err
	}

	switch initial.kind {
	case initialDisconnect:
		// Nothing was delivered; hand back a bookmark at the current head
		// so the next connection starts live.
		latest, _ := s.log.LatestID()
		return s.disconnect(latest)

	case initialResume:
		s.lastDelivered = initial.resumeID
		s.hasLast = true
		if oldest, ok := s.log.OldestID(); ok && oldest > s.nextID() {
			s.logger.Warn("resume point no longer retained, replaying from oldest entry",
				zap.Uint64("resumeID", initial.resumeID),
				zap.Uint64("oldestID", oldest),
			)
		}
	}

	sub, err := s.hub.Subscribe()
	if err != nil {
		return errShutdown
	}
	s.sub = sub

	for {
		if err := s.replay(ctx); err != nil {
			return err
		}

		s.setState(StateLive)
		err := s.live(ctx)
		if !errors.Is(err, errLagged) {
			return err
		}
		s.logger.Debug("subscription lagged, replaying from history", zap.Uint64("lastDelivered", s.lastDelivered))
	}
}

func (s *Session) awaitInitial(ctx context.Context) (initialMessage, error) {
	s.setState(StateAwaitingInitialMessage)

	timer := time.NewTimer(s.opts.InitialTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return initialMessage{}, errShutdown
	case <-s.hub.Done():
		return initialMessage{}, errShutdown
	case <-timer.C:
		return initialMessage{}, &ProtocolError{
			Code:    CodeTimeout,
			Message: fmt.Sprintf("no initial message within %s", s.opts.InitialTimeout),
		}
	case msg, ok := <-s.conn.Messages():
		if !ok {
			return initialMessage{}, errPeerGone
		}
		return parseInitial(msg)
	}
}

// nextID is the first id the subscriber has not seen.
func (s *Session) nextID() uint64 {
	switch {
	case !s.hasLast:
		return 0
	case s.lastDelivered == math.MaxUint64:
		return s.lastDelivered
	default:
		return s.lastDelivered + 1
	}
}

// replay sends everything in the log after the last delivered entry. Live
// entries queued meanwhile are discarded: each was appended before it was
// published, so the replay reaches it.
func (s *Session) replay(ctx context.Context) error {
	s.setState(StateReplaying)

	for e, err := range history.Range(s.log, s.nextID(), s.opts.ReplayChunk) {
		if err != nil {
			s.logger.Error("history read failed", zap.Error(err))
			return &ProtocolError{Code: CodeInternal, Message: "history unavailable"}
		}
		if err := s.checkReplay(ctx, true); err != nil {
			return err
		}
		if err := s.deliver(e); err != nil {
			return err
		}
	}
	// Past the last read, queued entries may not be in the replay anymore.
	return s.checkReplay(ctx, false)
}

// checkReplay handles anything pending without blocking. With drain set,
// queued live entries and lag signals are discarded.
func (s *Session) checkReplay(ctx context.Context, drain bool) error {
	queue, lag := s.sub.C(), s.sub.Lagged()
	if !drain {
		queue, lag = nil, nil
	}

	for {
		select {
		case <-ctx.Done():
			return errShutdown
		case <-s.sub.Done():
			return s.subscriptionEnded()
		case msg, ok := <-s.conn.Messages():
			return s.inbound(msg, ok)
		case <-queue:
		case <-lag:
		default:
			return nil
		}
	}
}

func (s *Session) live(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errShutdown
		case <-s.sub.Done():
			return s.subscriptionEnded()
		case msg, ok := <-s.conn.Messages():
			if err := s.inbound(msg, ok); err != nil {
				return err
			}
		case <-s.sub.Lagged():
			return errLagged
		case e := <-s.sub.C():
			select {
			case <-s.sub.Lagged():
				return errLagged
			default:
			}
			if err := s.deliver(e); err != nil {
				return err
			}
		}
	}
}

func (s *Session) deliver(e score.Entry) error {
	if s.hasLast && e.ID <= s.lastDelivered {
		return nil
	}
	if err := s.conn.WriteText(e.Payload); err != nil {
		return fmt.Errorf("writing score %d: %w", e.ID, err)
	}
	s.lastDelivered = e.ID
	s.hasLast = true
	s.delivered++
	return nil
}

func (s *Session) inbound(msg Message, ok bool) error {
	if !ok {
		return errPeerGone
	}
	if isDisconnect(msg) {
		return s.disconnect(s.lastDelivered)
	}
	return &ProtocolError{
		Code:    CodeUnexpectedMessage,
		Message: fmt.Sprintf("only %q is accepted after the initial message", cmdDisconnect),
	}
}

func (s *Session) disconnect(resumeID uint64) error {
	s.setState(StateDisconnecting)
	if err := s.conn.WriteText(buildResumeMessage(resumeID)); err != nil {
		return fmt.Errorf("writing resume id: %w", err)
	}
	s.logger.Debug("subscriber disconnected", zap.Uint64("resumeID", resumeID))
	return errDisconnected
}

func (s *Session) subscriptionEnded() error {
	if errors.Is(s.sub.Err(), ErrSlowConsumer) {
		return errTooSlow
	}
	return errShutdown
}
