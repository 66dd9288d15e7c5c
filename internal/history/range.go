package history

import (
	"fmt"
	"iter"
	"math"

	"go.uber.org/zap"

	"github.com/dgnsrekt/scores-ws/internal/score"
)

// Range iterates every entry with ID >= from, reading chunk entries at a time.
// Entries appended while iterating are included. The sequence ends once a
// read returns nothing and can be ranged over again to pick up growth.
func Range(log Log, from uint64, chunk int) iter.Seq2[score.Entry, error] {
	return func(yield func(score.Entry, error) bool) {
		next := from
		for {
			batch, err := log.ReadFrom(next, chunk)
			if err != nil {
				yield(score.Entry{}, err)
				return
			}
			if len(batch) == 0 {
				return
			}
			for _, e := range batch {
				if !yield(e, nil) || e.ID == math.MaxUint64 {
					return
				}
				next = e.ID + 1
			}
		}
	}
}

// Open returns the log implementation named by backend.
func Open(backend, dir string, logger *zap.Logger) (Log, error) {
	switch backend {
	case "", "memory":
		logger.Info("history log opened", zap.String("backend", "memory"))
		return NewMemoryLog(), nil
	case "pebble":
		return OpenPebble(dir, logger)
	default:
		return nil, fmt.Errorf("unknown history backend %q", backend)
	}
}
