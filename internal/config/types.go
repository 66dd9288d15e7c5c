package config

// Backend selects the history log implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendPebble Backend = "pebble"
)

// OverflowPolicy decides what happens to a session whose queue is full.
type OverflowPolicy string

const (
	OverflowClose   OverflowPolicy = "close"
	OverflowCatchup OverflowPolicy = "catchup"
)

// ValidRulesets lists the game modes the upstream accepts as a filter.
var ValidRulesets = map[string]bool{
	"osu":    true,
	"taiko":  true,
	"fruits": true,
	"mania":  true,
}
