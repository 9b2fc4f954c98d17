package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all runtime configuration.
type Config struct {
	// Shared counter store (Redis)
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	RedisPoolSize int    `koanf:"redis_pool_size"`

	// HTTP surface
	ListenAddr string `koanf:"listen_addr"`

	// Rate limiting (compiled fallbacks; overridable live via cfg: keys)
	RatePerMinute int64 `koanf:"rate_per_minute"`
	RatePerHour   int64 `koanf:"rate_per_hour"`
	RateFailOpen  bool  `koanf:"rate_fail_open"`

	// Cost guard (integer micro-dollars)
	CostDailyLimitMicros  int64         `koanf:"cost_daily_limit_micros"`
	CostHourlyLimitMicros int64         `koanf:"cost_hourly_limit_micros"`
	CostReservationTTL    time.Duration `koanf:"cost_reservation_ttl"`

	// Challenge handshake
	ChallengeTTL         time.Duration `koanf:"challenge_ttl"`
	ChallengeGraceWindow time.Duration `koanf:"challenge_grace_window"`
	VerifierURL          string        `koanf:"verifier_url"` // "" = no upstream provider
	VerifierSecret       string        `koanf:"verifier_secret"`

	// Progressive bans
	BanObservationWindow time.Duration `koanf:"ban_observation_window"`
	BanShortDuration     time.Duration `koanf:"ban_short_duration"`
	BanLongDuration      time.Duration `koanf:"ban_long_duration"`

	// Alerting side-channel
	AlertOutboxPath    string        `koanf:"alert_outbox_path"`
	AlertWebhookURL    string        `koanf:"alert_webhook_url"` // "" = outbox only, no delivery
	AlertDrainInterval time.Duration `koanf:"alert_drain_interval"`
	AlertPerMinute     int           `koanf:"alert_per_minute"`

	// Operational
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	SettingsTTL     time.Duration `koanf:"settings_ttl"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// defaults is the lowest-priority layer.
var defaults = map[string]any{
	"redis_addr":               "localhost:6379",
	"redis_password":           "",
	"redis_db":                 0,
	"redis_pool_size":          20,
	"listen_addr":              ":8080",
	"rate_per_minute":          20,
	"rate_per_hour":            300,
	"rate_fail_open":           true,
	"cost_daily_limit_micros":  100_000_000, // $100/day
	"cost_hourly_limit_micros": 10_000_000,  // $10/hour
	"cost_reservation_ttl":     2 * time.Minute,
	"challenge_ttl":            5 * time.Minute,
	"challenge_grace_window":   15 * time.Minute,
	"verifier_url":             "",
	"verifier_secret":          "",
	"ban_observation_window":   24 * time.Hour,
	"ban_short_duration":       15 * time.Minute,
	"ban_long_duration":        24 * time.Hour,
	"alert_outbox_path":        "/data/alerts.db",
	"alert_webhook_url":        "",
	"alert_drain_interval":     5 * time.Second,
	"alert_per_minute":         30,
	"log_level":                "info",
	"log_format":               "json",
	"settings_ttl":             30 * time.Second,
	"janitor_interval":         time.Minute,
}

// Load reads configuration from (lowest → highest priority):
//  1. Built-in defaults
//  2. YAML file at CONFIG_FILE env var path (if set)
//  3. Environment variables (always highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults.
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	// Layer 2: optional YAML file.
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", cfgFile, err)
		}
	}

	// Layer 3: environment variables.
	// Transform: "REDIS_ADDR" → "redis_addr".
	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	// Normalise string fields.
	cfg.LogLevel = strings.TrimSpace(strings.ToLower(cfg.LogLevel))
	cfg.LogFormat = strings.TrimSpace(strings.ToLower(cfg.LogFormat))

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SettingsDefaults is the compiled-default layer for the live settings
// cache: the per-deployment baseline an operator can override at runtime
// through cfg:-prefixed store keys without a restart.
func (c *Config) SettingsDefaults() map[string]any {
	return map[string]any{
		"rate.per_minute":                        c.RatePerMinute,
		"rate.per_hour":                          c.RatePerHour,
		"rate.fail_open":                         c.RateFailOpen,
		"rate.per_minute.challenge-issue":        c.RatePerMinute,
		"rate.per_minute.challenge-issue-strict": int64(1),
		"cost.daily_limit_micros":                c.CostDailyLimitMicros,
		"cost.hourly_limit_micros":               c.CostHourlyLimitMicros,
		"cost.reservation_ttl":                   c.CostReservationTTL,
		"challenge.ttl":                          c.ChallengeTTL,
		"challenge.grace_window":                 c.ChallengeGraceWindow,
		"challenge.grace_mode":                   "issue",
		"ban.observation_window":                 c.BanObservationWindow,
		"ban.short_duration":                     c.BanShortDuration,
		"ban.long_duration":                      c.BanLongDuration,
	}
}

func (c *Config) validate() error {
	var errs []string

	if c.RedisAddr == "" {
		errs = append(errs, "REDIS_ADDR is required (e.g., localhost:6379)")
	}
	if c.ListenAddr == "" {
		errs = append(errs, "LISTEN_ADDR must not be empty")
	}
	if c.RatePerMinute < 1 {
		errs = append(errs, "RATE_PER_MINUTE must be at least 1")
	}
	if c.CostDailyLimitMicros < 1 {
		errs = append(errs, "COST_DAILY_LIMIT_MICROS must be positive")
	}
	if c.ChallengeTTL < time.Minute {
		errs = append(errs, "CHALLENGE_TTL must be at least 1m")
	}
	if c.CostReservationTTL < 10*time.Second {
		errs = append(errs, "COST_RESERVATION_TTL must be at least 10s")
	}
	if c.VerifierURL != "" && c.VerifierSecret == "" {
		errs = append(errs, "VERIFIER_SECRET is required when VERIFIER_URL is set")
	}

	// Outbox path sanitisation: reject traversal sequences and null bytes.
	if strings.Contains(c.AlertOutboxPath, "..") {
		errs = append(errs, `ALERT_OUTBOX_PATH must not contain ".." (directory traversal)`)
	}
	if strings.ContainsRune(c.AlertOutboxPath, 0) {
		errs = append(errs, "ALERT_OUTBOX_PATH must not contain null bytes")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%d configuration error(s):\n  - %s", len(errs), strings.Join(errs, "\n  - "))
	}
	return nil
}
