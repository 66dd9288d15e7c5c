package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/scores-ws/internal/config"
	"github.com/dgnsrekt/scores-ws/internal/history"
	"github.com/dgnsrekt/scores-ws/internal/score"
)

// fakeConn is an in-memory Conn. Closing in simulates the peer going away.
type fakeConn struct {
	in      chan Message
	written chan []byte

	mu     sync.Mutex
	gate   chan struct{}
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan Message, 16),
		written: make(chan []byte, 4096),
	}
}

func (c *fakeConn) Messages() <-chan Message { return c.in }

func (c *fakeConn) WriteText(data []byte) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("write on closed conn")
	}
	c.written <- append([]byte(nil), data...)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// holdWrites makes WriteText block until the returned func is called.
func (c *fakeConn) holdWrites() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.gate = nil
		c.mu.Unlock()
		close(gate)
	}
}

func (c *fakeConn) send(text string) {
	c.in <- Message{Data: []byte(text), Text: true}
}

func (c *fakeConn) next(t *testing.T) []byte {
	t.Helper()
	select {
	case b := <-c.written:
		return b
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for a frame")
		return nil
	}
}

// nextID reads a frame and returns the score id in it.
func (c *fakeConn) nextID(t *testing.T) uint64 {
	t.Helper()
	var v struct {
		ID *uint64 `json:"id"`
	}
	b := c.next(t)
	require.NoError(t, json.Unmarshal(b, &v))
	require.NotNil(t, v.ID, "expected a score, got %s", b)
	return *v.ID
}

func (c *fakeConn) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case b := <-c.written:
		require.FailNow(t, "unexpected frame", "%s", b)
	case <-time.After(50 * time.Millisecond):
	}
}

type testEnv struct {
	hub    *Hub
	log    *history.MemoryLog
	cancel context.CancelFunc
}

func newTestEnv(t *testing.T, queueSize int, policy config.OverflowPolicy) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	env := &testEnv{
		hub:    NewHub(queueSize, policy, zap.NewNop()),
		log:    history.NewMemoryLog(),
		cancel: cancel,
	}
	go env.hub.Run(ctx)
	t.Cleanup(cancel)
	return env
}

// add appends and then publishes, the same order the ingest pipeline uses.
func (e *testEnv) add(t *testing.T, ids ...uint64) {
	t.Helper()
	for _, id := range ids {
		entry := score.Entry{ID: id, Payload: json.RawMessage(fmt.Sprintf(`{"id":%d}`, id))}
		require.NoError(t, e.log.Append(entry))
		e.hub.Publish(entry)
	}
}

func (e *testEnv) start(t *testing.T, conn *fakeConn, opts SessionOptions) (*Session, <-chan error) {
	t.Helper()
	s := NewSession("test", conn, e.hub, e.log, opts, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	return s, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		require.FailNow(t, "session did not finish")
		return nil
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, time.Millisecond,
		"session never reached %s", want)
}
