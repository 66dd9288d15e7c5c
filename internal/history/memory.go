package history

import (
	"slices"
	"sort"
	"sync"

	"github.com/dgnsrekt/scores-ws/internal/score"
)

// MemoryLog keeps entries in a slice guarded by a RWMutex.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []score.Entry
	closed  bool
	notify  *notifier
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{notify: newNotifier()}
}

func (m *MemoryLog) Append(e score.Entry) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if n := len(m.entries); n > 0 && e.ID <= m.entries[n-1].ID {
		latest := m.entries[n-1].ID
		m.mu.Unlock()
		return &OrderingError{Latest: latest, Got: e.ID}
	}
	m.entries = append(m.entries, e)
	m.mu.Unlock()

	m.notify.signal()
	return nil
}

func (m *MemoryLog) ReadFrom(from uint64, limit int) ([]score.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	idx := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].ID >= from })
	end := len(m.entries)
	if limit > 0 && idx+limit < end {
		end = idx + limit
	}
	if idx >= end {
		return nil, nil
	}

	out := make([]score.Entry, end-idx)
	copy(out, m.entries[idx:end])
	return out, nil
}

func (m *MemoryLog) LatestID() (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return 0, false
	}
	return m.entries[len(m.entries)-1].ID, true
}

func (m *MemoryLog) OldestID() (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return 0, false
	}
	return m.entries[0].ID, true
}

func (m *MemoryLog) Prune(keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	drop := len(m.entries) - keep
	if drop <= 0 {
		return 0, nil
	}
	// Clone so the dropped prefix can be collected.
	m.entries = slices.Clone(m.entries[drop:])
	return drop, nil
}

func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryLog) Notify() <-chan struct{} {
	return m.notify.wait()
}

func (m *MemoryLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.entries = nil
	return nil
}
