// Package history stores accepted scores in id order so sessions can replay
// them. History lives only as long as the process.
package history

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgnsrekt/scores-ws/internal/score"
)

var (
	ErrOutOfOrder = errors.New("entry id does not advance the log")
	ErrClosed     = errors.New("history log closed")
)

// Log is an append-only, id-ordered store with a single writer and any
// number of concurrent readers.
type Log interface {
	// Append stores e. It fails with an *OrderingError when e.ID does not
	// exceed the latest stored id.
	Append(e score.Entry) error
	// ReadFrom returns up to limit entries with ID >= from, ascending.
	ReadFrom(from uint64, limit int) ([]score.Entry, error)
	LatestID() (uint64, bool)
	OldestID() (uint64, bool)
	// Prune drops the oldest entries so at most keep remain, returning how
	// many were dropped. keep <= 0 disables pruning.
	Prune(keep int) (int, error)
	Len() int
	// Notify returns a channel closed on the next successful Append.
	Notify() <-chan struct{}
	Close() error
}

// OrderingError reports an append that would break id order.
type OrderingError struct {
	Latest uint64
	Got    uint64
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("entry %d appended after %d", e.Got, e.Latest)
}

func (e *OrderingError) Unwrap() error {
	return ErrOutOfOrder
}

// notifier hands out a channel that is closed and replaced on every signal.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

func (n *notifier) signal() {
	n.mu.Lock()
	close(n.ch)
	n.ch = make(chan struct{})
	n.mu.Unlock()
}
