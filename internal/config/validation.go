package config

import (
	"fmt"
	"sort"
	"strings"
)

// InvalidField represents a single rejected configuration key
type InvalidField struct {
	Key    string
	Reason string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Fields []InvalidField
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Fields) > 0
}

func (e *ValidationErrors) add(key, reason string) {
	e.Fields = append(e.Fields, InvalidField{Key: key, Reason: reason})
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")

	for _, f := range e.Fields {
		sb.WriteString(fmt.Sprintf("  - %s %s\n", f.Key, f.Reason))
	}

	return sb.String()
}

func validateHistory(errs *ValidationErrors, h HistoryConfig, d DedupConfig) {
	switch Backend(h.Backend) {
	case BackendMemory, BackendPebble:
	default:
		errs.add("history.backend", fmt.Sprintf("%q must be 'memory' or 'pebble'", h.Backend))
	}

	if h.MaxEntries < 0 {
		errs.add("history.max_entries", "must be >= 0 (0 keeps everything)")
	}

	// Anything the deduplicator forgets must already be out of reach of the upstream,
	// which only holds if history keeps at least as much as the dedup window.
	if h.MaxEntries > 0 && uint64(h.MaxEntries) < d.Window {
		errs.add("history.max_entries", fmt.Sprintf("%d must be >= dedup.window (%d)", h.MaxEntries, d.Window))
	}

	if h.MaxEntries > 0 && h.PruneIntervalSec < 1 {
		errs.add("history.prune_interval_sec", "must be >= 1 when history.max_entries is set")
	}
}

func validateWS(errs *ValidationErrors, w WSConfig) {
	if w.InitialTimeoutMs < 1 {
		errs.add("ws.initial_timeout_ms", "must be >= 1")
	}
	if w.QueueSize < 1 {
		errs.add("ws.queue_size", "must be >= 1")
	}
	if w.ReplayChunk < 1 {
		errs.add("ws.replay_chunk", "must be >= 1")
	}
	switch OverflowPolicy(w.OverflowPolicy) {
	case OverflowClose, OverflowCatchup:
	default:
		errs.add("ws.overflow_policy", fmt.Sprintf("%q must be 'close' or 'catchup'", w.OverflowPolicy))
	}
}

func validRulesetsList() string {
	rulesets := make([]string, 0, len(ValidRulesets))
	for r := range ValidRulesets {
		rulesets = append(rulesets, r)
	}
	sort.Strings(rulesets)
	return strings.Join(rulesets, ", ")
}
