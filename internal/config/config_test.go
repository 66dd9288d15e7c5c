package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setCredentials(t *testing.T) {
	t.Helper()
	t.Setenv("SCORESWS_CLIENT_ID", "12345")
	t.Setenv("SCORESWS_CLIENT_SECRET", "test-secret")
}

func TestLoadWithCredentials(t *testing.T) {
	setCredentials(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "12345", cfg.Auth.ClientID)
	assert.Equal(t, "https://osu.ppy.sh/api/v2", cfg.API.BaseURL)
	assert.Equal(t, 7277, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.WS.InitialTimeout())
	assert.Equal(t, 100_000, cfg.History.MaxEntries)
	assert.Equal(t, OverflowClose, OverflowPolicy(cfg.WS.OverflowPolicy))
}

func TestLoadWithoutCredentials(t *testing.T) {
	t.Setenv("SCORESWS_CLIENT_ID", "")
	t.Setenv("SCORESWS_CLIENT_SECRET", "")
	_ = os.Unsetenv("SCORESWS_CLIENT_ID")
	_ = os.Unsetenv("SCORESWS_CLIENT_SECRET")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.client_id")
}

func TestLoadTOMLFile(t *testing.T) {
	setCredentials(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
port = 9000

[api]
ruleset = "mania"

[poller]
interval_sec = 15
resume_id = 4242

[ws]
overflow_policy = "catchup"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "mania", cfg.API.Ruleset)
	assert.Equal(t, 15*time.Second, cfg.Poller.PollInterval())
	assert.Equal(t, uint64(4242), cfg.Poller.ResumeID)
	assert.Equal(t, OverflowCatchup, OverflowPolicy(cfg.WS.OverflowPolicy))
}

func TestLoadEnvOverride(t *testing.T) {
	setCredentials(t)
	t.Setenv("SCORESWS_WS_QUEUE_SIZE", "64")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.WS.QueueSize)
}
