// Package dedup filters score ids the upstream repeats across polls.
package dedup

const minPruneThreshold = 1024

// Deduplicator remembers recently accepted ids. Ids more than window below
// the highest accepted id are forgotten, so repeats that old are accepted
// again. It is owned by a single goroutine and does no locking.
type Deduplicator struct {
	window    uint64
	seen      map[uint64]struct{}
	max       uint64
	threshold int
}

func New(window uint64) *Deduplicator {
	return &Deduplicator{
		window:    window,
		seen:      make(map[uint64]struct{}),
		threshold: minPruneThreshold,
	}
}

// Accept reports whether id has not been seen within the window, recording it if so.
func (d *Deduplicator) Accept(id uint64) bool {
	if _, ok := d.seen[id]; ok {
		return false
	}
	if d.max > d.window && id < d.max-d.window {
		// Too old to be tracked; the history log rejects it anyway.
		return false
	}

	d.seen[id] = struct{}{}
	if id > d.max {
		d.max = id
	}

	if len(d.seen) > d.threshold {
		d.prune()
	}
	return true
}

// Len returns the number of ids currently remembered.
func (d *Deduplicator) Len() int {
	return len(d.seen)
}

func (d *Deduplicator) prune() {
	if d.max > d.window {
		floor := d.max - d.window
		for id := range d.seen {
			if id < floor {
				delete(d.seen, id)
			}
		}
	}
	d.threshold = max(2*len(d.seen), minPruneThreshold)
}
