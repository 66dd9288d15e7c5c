package history

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"

	"github.com/dgnsrekt/scores-ws/internal/score"
)

const memDirname = "history"

// PebbleLog stores entries in Pebble keyed by big-endian id. With no
// directory it runs on an in-memory filesystem; with one, the directory is
// wiped at open so nothing survives a restart.
type PebbleLog struct {
	db     *pebble.DB
	notify *notifier
	logger *zap.Logger

	// life is held shared for every db operation and exclusively by Close.
	life   sync.RWMutex
	closed bool

	mu     sync.RWMutex
	oldest uint64
	latest uint64
	count  int
}

func OpenPebble(dir string, logger *zap.Logger) (*PebbleLog, error) {
	opts := &pebble.Options{DisableWAL: true}

	dirname := dir
	if dir == "" {
		opts.FS = vfs.NewMem()
		dirname = memDirname
	} else if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clearing history dir: %w", err)
	}

	db, err := pebble.Open(dirname, opts)
	if err != nil {
		return nil, fmt.Errorf("opening pebble: %w", err)
	}

	logger.Info("history log opened",
		zap.String("backend", "pebble"),
		zap.Bool("inMemory", dir == ""),
		zap.String("dir", dir),
	)

	return &PebbleLog{db: db, notify: newNotifier(), logger: logger}, nil
}

func entryKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), id)
}

func (p *PebbleLog) Append(e score.Entry) error {
	p.life.RLock()
	defer p.life.RUnlock()
	if p.closed {
		return ErrClosed
	}

	p.mu.RLock()
	count, latest := p.count, p.latest
	p.mu.RUnlock()

	if count > 0 && e.ID <= latest {
		return &OrderingError{Latest: latest, Got: e.ID}
	}

	if err := p.db.Set(entryKey(e.ID), e.Payload, pebble.NoSync); err != nil {
		return fmt.Errorf("writing entry %d: %w", e.ID, err)
	}

	p.mu.Lock()
	if p.count == 0 {
		p.oldest = e.ID
	}
	p.latest = e.ID
	p.count++
	p.mu.Unlock()

	p.notify.signal()
	return nil
}

func (p *PebbleLog) ReadFrom(from uint64, limit int) ([]score.Entry, error) {
	p.life.RLock()
	defer p.life.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: entryKey(from)})
	if err != nil {
		return nil, fmt.Errorf("opening iterator: %w", err)
	}
	defer iter.Close()

	var out []score.Entry
	for ok := iter.First(); ok && (limit <= 0 || len(out) < limit); ok = iter.Next() {
		// Value is only valid until the iterator moves.
		payload := make([]byte, len(iter.Value()))
		copy(payload, iter.Value())
		out = append(out, score.Entry{
			ID:      binary.BigEndian.Uint64(iter.Key()),
			Payload: payload,
		})
	}
	return out, iter.Error()
}

func (p *PebbleLog) LatestID() (uint64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.count > 0
}

func (p *PebbleLog) OldestID() (uint64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.oldest, p.count > 0
}

func (p *PebbleLog) Prune(keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}

	p.life.RLock()
	defer p.life.RUnlock()
	if p.closed {
		return 0, ErrClosed
	}

	p.mu.RLock()
	drop := p.count - keep
	p.mu.RUnlock()
	if drop <= 0 {
		return 0, nil
	}

	// Find the first id that survives.
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, fmt.Errorf("opening iterator: %w", err)
	}
	ok := iter.First()
	for i := 0; ok && i < drop; i++ {
		ok = iter.Next()
	}
	if !ok {
		_ = iter.Close()
		return 0, errors.Join(errors.New("history shorter than its count"), iter.Error())
	}
	cutoff := binary.BigEndian.Uint64(iter.Key())
	if err := iter.Close(); err != nil {
		return 0, err
	}

	if err := p.db.DeleteRange(entryKey(0), entryKey(cutoff), pebble.NoSync); err != nil {
		return 0, fmt.Errorf("deleting entries below %d: %w", cutoff, err)
	}

	p.mu.Lock()
	p.oldest = cutoff
	p.count -= drop
	p.mu.Unlock()

	return drop, nil
}

func (p *PebbleLog) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.count
}

func (p *PebbleLog) Notify() <-chan struct{} {
	return p.notify.wait()
}

func (p *PebbleLog) Close() error {
	p.life.Lock()
	defer p.life.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}
