package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dgnsrekt/scores-ws/internal/notify"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	API     APIConfig     `mapstructure:"api"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Poller  PollerConfig  `mapstructure:"poller"`
	Dedup   DedupConfig   `mapstructure:"dedup"`
	History HistoryConfig `mapstructure:"history"`
	WS      WSConfig      `mapstructure:"ws"`
	Logging LoggingConfig `mapstructure:"logging"`
	Notify  notify.Config `mapstructure:"notify"`
}

type ServerConfig struct {
	Port               int `mapstructure:"port"`
	ShutdownTimeoutSec int `mapstructure:"shutdown_timeout_sec"`
}

type APIConfig struct {
	BaseURL       string  `mapstructure:"base_url"`
	Ruleset       string  `mapstructure:"ruleset"`
	TimeoutSec    int     `mapstructure:"timeout_sec"`
	RetryCount    int     `mapstructure:"retry_count"`
	RetryDelayMs  int     `mapstructure:"retry_delay_ms"`
	MaxBackoffSec int     `mapstructure:"max_backoff_sec"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

type AuthConfig struct {
	TokenURL     string   `mapstructure:"token_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
}

type PollerConfig struct {
	IntervalSec int    `mapstructure:"interval_sec"`
	CooldownSec int    `mapstructure:"cooldown_sec"`
	MaxPages    int    `mapstructure:"max_pages"`
	ResumeID    uint64 `mapstructure:"resume_id"`
}

type DedupConfig struct {
	Window uint64 `mapstructure:"window"`
}

type HistoryConfig struct {
	Backend          string `mapstructure:"backend"`
	Dir              string `mapstructure:"dir"`
	MaxEntries       int    `mapstructure:"max_entries"`
	PruneIntervalSec int    `mapstructure:"prune_interval_sec"`
}

type WSConfig struct {
	InitialTimeoutMs int    `mapstructure:"initial_timeout_ms"`
	QueueSize        int    `mapstructure:"queue_size"`
	ReplayChunk      int    `mapstructure:"replay_chunk"`
	OverflowPolicy   string `mapstructure:"overflow_policy"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Environment variable support
	v.SetEnvPrefix("SCORESWS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Credentials are usually injected rather than committed to config.toml
	_ = v.BindEnv("auth.client_id", "SCORESWS_CLIENT_ID")
	_ = v.BindEnv("auth.client_secret", "SCORESWS_CLIENT_SECRET")
	_ = v.BindEnv("notify.token", "SCORESWS_NTFY_TOKEN")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 7277)
	v.SetDefault("server.shutdown_timeout_sec", 30)
	v.SetDefault("api.base_url", "https://osu.ppy.sh/api/v2")
	v.SetDefault("api.ruleset", "")
	v.SetDefault("api.timeout_sec", 10)
	v.SetDefault("api.retry_count", 5)
	v.SetDefault("api.retry_delay_ms", 2000)
	v.SetDefault("api.max_backoff_sec", 120)
	v.SetDefault("api.rate_per_second", 1.0)
	v.SetDefault("api.burst", 1)
	v.SetDefault("auth.token_url", "https://osu.ppy.sh/oauth/token")
	v.SetDefault("auth.scopes", []string{"public"})
	v.SetDefault("poller.interval_sec", 60)
	v.SetDefault("poller.cooldown_sec", 30)
	v.SetDefault("poller.max_pages", 50)
	v.SetDefault("poller.resume_id", 0)
	v.SetDefault("dedup.window", 100_000)
	v.SetDefault("history.backend", string(BackendMemory))
	v.SetDefault("history.dir", "")
	v.SetDefault("history.max_entries", 100_000)
	v.SetDefault("history.prune_interval_sec", 60)
	v.SetDefault("ws.initial_timeout_ms", 5000)
	v.SetDefault("ws.queue_size", 1024)
	v.SetDefault("ws.replay_chunk", 500)
	v.SetDefault("ws.overflow_policy", string(OverflowClose))
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.server", "https://ntfy.sh")
	v.SetDefault("notify.priority", "default")
	v.SetDefault("notify.tags", "warning")
	v.SetDefault("notify.topic", "")
}

func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if c.Auth.ClientID == "" {
		errs.add("auth.client_id", "is required (set SCORESWS_CLIENT_ID env var)")
	}
	if c.Auth.ClientSecret == "" {
		errs.add("auth.client_secret", "is required (set SCORESWS_CLIENT_SECRET env var)")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs.add("server.port", fmt.Sprintf("%d is not a valid port", c.Server.Port))
	}
	if c.API.Ruleset != "" && !ValidRulesets[c.API.Ruleset] {
		errs.add("api.ruleset", fmt.Sprintf("%q must be one of %s", c.API.Ruleset, validRulesetsList()))
	}
	if c.API.RatePerSecond <= 0 {
		errs.add("api.rate_per_second", "must be > 0")
	}
	if c.API.RetryCount < 0 {
		errs.add("api.retry_count", "must be >= 0")
	}
	if c.Poller.IntervalSec < 1 {
		errs.add("poller.interval_sec", "must be >= 1")
	}
	if c.Poller.MaxPages < 1 {
		errs.add("poller.max_pages", "must be >= 1")
	}
	if c.Dedup.Window < 1 {
		errs.add("dedup.window", "must be >= 1")
	}
	validateHistory(errs, c.History, c.Dedup)
	validateWS(errs, c.WS)

	if err := c.Notify.Validate(); err != nil {
		errs.add("notify", err.Error())
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// PollInterval returns the idle sleep between poll cycles.
func (c PollerConfig) PollInterval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// Cooldown returns the pause after a failed poll cycle.
func (c PollerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSec) * time.Second
}

func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c APIConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

func (c APIConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSec) * time.Second
}

func (c HistoryConfig) PruneInterval() time.Duration {
	return time.Duration(c.PruneIntervalSec) * time.Second
}

func (c WSConfig) InitialTimeout() time.Duration {
	return time.Duration(c.InitialTimeoutMs) * time.Millisecond
}

func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}
