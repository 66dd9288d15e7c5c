package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server:  ServerConfig{Port: 7277},
		API:     APIConfig{RatePerSecond: 1, RetryCount: 3},
		Auth:    AuthConfig{ClientID: "1", ClientSecret: "secret"},
		Poller:  PollerConfig{IntervalSec: 60, MaxPages: 10},
		Dedup:   DedupConfig{Window: 1000},
		History: HistoryConfig{Backend: "memory", MaxEntries: 1000, PruneIntervalSec: 60},
		WS:      WSConfig{InitialTimeoutMs: 5000, QueueSize: 16, ReplayChunk: 100, OverflowPolicy: "close"},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_InvalidRuleset(t *testing.T) {
	cfg := validConfig()
	cfg.API.Ruleset = "catch"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api.ruleset")
	assert.Contains(t, err.Error(), "fruits, mania, osu, taiko", "valid rulesets are listed")
}

func TestValidate_HistoryShorterThanDedupWindow(t *testing.T) {
	cfg := validConfig()
	cfg.History.MaxEntries = 10

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dedup.window")
}

func TestValidate_UnboundedHistoryAllowed(t *testing.T) {
	cfg := validConfig()
	cfg.History.MaxEntries = 0
	cfg.History.PruneIntervalSec = 0

	assert.NoError(t, cfg.Validate())
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.History.Backend = "redis"
	cfg.WS.OverflowPolicy = "block"
	cfg.WS.QueueSize = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, key := range []string{"history.backend", "ws.overflow_policy", "ws.queue_size"} {
		assert.Contains(t, err.Error(), key)
	}
}
