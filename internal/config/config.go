// Package config loads runtime configuration from layered sources: built-in
// defaults, an optional YAML file, and environment variables.
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
	// Identity cookie
	CookieName string        `koanf:"cookie_name"`
	CookieTTL  time.Duration `koanf:"cookie_ttl"`

	// Session records
	SessionExpire        time.Duration `koanf:"session_expire"`
	SessionGCProbability int           `koanf:"session_gc_probability"`
	SessionGCDivisor     int           `koanf:"session_gc_divisor"`

	// Behavioral filters: which signals are evaluated.
	FilterSession   bool `koanf:"filter_session"`
	FilterCookie    bool `koanf:"filter_cookie"`
	FilterReferer   bool `koanf:"filter_referer"`
	FilterFrequency bool `koanf:"filter_frequency"`

	// Unusual-behavior quotas for the scalar signals.
	QuotaSession int64 `koanf:"filter_session_quota"`
	QuotaCookie  int64 `koanf:"filter_cookie_quota"`
	QuotaReferer int64 `koanf:"filter_referer_quota"`

	// Per-unit request frequency quotas.
	QuotaFrequencyS int64 `koanf:"filter_frequency_quota_s"`
	QuotaFrequencyM int64 `koanf:"filter_frequency_quota_m"`
	QuotaFrequencyH int64 `koanf:"filter_frequency_quota_h"`
	QuotaFrequencyD int64 `koanf:"filter_frequency_quota_d"`

	// Consecutive-failure escalation.
	DataCircleBuffer     int64         `koanf:"data_circle_buffer"`
	SystemFirewallBuffer int64         `koanf:"system_firewall_buffer"`
	DetectionPeriod      time.Duration `koanf:"detection_period"`
	TimeToReset          time.Duration `koanf:"time_to_reset"`

	// Reset cycle.
	ResetCyclePeriod     time.Duration `koanf:"reset_cycle_period"`
	ResetCycleLastUpdate int64         `koanf:"reset_cycle_last_update"` // epoch seconds, 0 = derive

	// Storage-failure policy: pass requests when the backend cannot answer
	// (true), or deny them (false).
	FailOpen bool `koanf:"fail_open"`

	// Operational
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	DataDir         string        `koanf:"data_dir"`
	ListenAddr      string        `koanf:"listen_addr"`
	MetricsAddr     string        `koanf:"metrics_addr"` // "" = disabled
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// defaults is the lowest-priority layer.
var defaults = map[string]any{
	"cookie_name": "_shieldon",
	"cookie_ttl":  time.Hour,

	"session_expire":         300 * time.Second,
	"session_gc_probability": 1,
	"session_gc_divisor":     100,

	"filter_session":   true,
	"filter_cookie":    true,
	"filter_referer":   true,
	"filter_frequency": true,

	"filter_session_quota": 5,
	"filter_cookie_quota":  5,
	"filter_referer_quota": 5,

	"filter_frequency_quota_s": 2,
	"filter_frequency_quota_m": 10,
	"filter_frequency_quota_h": 30,
	"filter_frequency_quota_d": 60,

	"data_circle_buffer":     10,
	"system_firewall_buffer": 10,
	"detection_period":       5 * time.Second,
	"time_to_reset":          1800 * time.Second,

	"reset_cycle_period":      24 * time.Hour,
	"reset_cycle_last_update": 0,

	"fail_open": true,

	"log_level":        "info",
	"log_format":       "json",
	"data_dir":         "/data",
	"listen_addr":      ":8080",
	"metrics_addr":     ":9090",
	"janitor_interval": 5 * time.Minute,
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
	// Transform: "SESSION_EXPIRE" → "session_expire".
	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.LogLevel = strings.TrimSpace(strings.ToLower(cfg.LogLevel))
	cfg.LogFormat = strings.TrimSpace(strings.ToLower(cfg.LogFormat))

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if c.CookieName == "" {
		errs = append(errs, "COOKIE_NAME must not be empty")
	}
	if c.SessionExpire < time.Second {
		errs = append(errs, "SESSION_EXPIRE must be at least 1s")
	}
	if c.SessionGCProbability < 1 {
		errs = append(errs, "SESSION_GC_PROBABILITY must be at least 1")
	}
	if c.SessionGCDivisor < c.SessionGCProbability {
		errs = append(errs, "SESSION_GC_DIVISOR must be >= SESSION_GC_PROBABILITY")
	}
	for name, q := range map[string]int64{
		"FILTER_SESSION_QUOTA":     c.QuotaSession,
		"FILTER_COOKIE_QUOTA":      c.QuotaCookie,
		"FILTER_REFERER_QUOTA":     c.QuotaReferer,
		"FILTER_FREQUENCY_QUOTA_S": c.QuotaFrequencyS,
		"FILTER_FREQUENCY_QUOTA_M": c.QuotaFrequencyM,
		"FILTER_FREQUENCY_QUOTA_H": c.QuotaFrequencyH,
		"FILTER_FREQUENCY_QUOTA_D": c.QuotaFrequencyD,
	} {
		if q < 1 {
			errs = append(errs, name+" must be at least 1")
		}
	}
	if c.DataCircleBuffer < 1 || c.SystemFirewallBuffer < 1 {
		errs = append(errs, "escalation buffers must be at least 1")
	}
	if c.DetectionPeriod < time.Second {
		errs = append(errs, "DETECTION_PERIOD must be at least 1s")
	}
	if c.TimeToReset < c.DetectionPeriod {
		errs = append(errs, "TIME_TO_RESET must be >= DETECTION_PERIOD")
	}
	if c.ResetCyclePeriod < time.Minute {
		errs = append(errs, "RESET_CYCLE_PERIOD must be at least 1m")
	}

	// DataDir path sanitisation: reject traversal sequences and null bytes.
	if strings.Contains(c.DataDir, "..") {
		errs = append(errs, `DATA_DIR must not contain ".." (directory traversal)`)
	}
	if strings.ContainsRune(c.DataDir, 0) {
		errs = append(errs, "DATA_DIR must not contain null bytes")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%d configuration error(s):\n  - %s", len(errs), strings.Join(errs, "\n  - "))
	}
	return nil
}
