package score

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var ErrMissingID = errors.New("score has no id")

// Entry is a single upstream score. Payload is forwarded to subscribers
// exactly as it was received.
type Entry struct {
	ID      uint64
	Payload json.RawMessage
}

// idExtractor is a minimal struct for pulling just the id out of a raw score.
type idExtractor struct {
	ID *uint64 `json:"id"`
}

// FromRaw builds an Entry from the raw JSON of one score.
func FromRaw(raw json.RawMessage) (Entry, error) {
	var ext idExtractor
	if err := json.Unmarshal(raw, &ext); err != nil {
		return Entry{}, fmt.Errorf("decoding score id: %w", err)
	}
	if ext.ID == nil {
		return Entry{}, ErrMissingID
	}

	// Copy so the entry does not alias the response buffer
	payload := make(json.RawMessage, len(raw))
	copy(payload, raw)

	return Entry{ID: *ext.ID, Payload: payload}, nil
}

// SortAscending orders entries by id, smallest first.
func SortAscending(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}

// Above returns the entries whose id is strictly greater than watermark.
// The input must already be sorted ascending.
func Above(entries []Entry, watermark uint64) []Entry {
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].ID > watermark })
	return entries[idx:]
}
