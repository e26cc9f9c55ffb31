package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Policy bounds shared by configuration and the admin commands.
const (
	MinMuteDuration        = time.Minute
	MaxMuteDuration        = 365 * 24 * time.Hour
	MinVerificationTimeout = 30 * time.Second
	MaxVerificationTimeout = 24 * time.Hour
)

// Ledger backends.
const (
	LedgerBolt  = "bolt"
	LedgerRedis = "redis"
)

// Config holds all application configuration.
type Config struct {
	// Telegram
	BotToken     string  `koanf:"bot_token"`
	AdminUserIDs []int64 `koanf:"-"`

	// Storage
	DataDir       string `koanf:"data_dir"`
	RulesFile     string `koanf:"rules_file"`
	LedgerBackend string `koanf:"ledger_backend"`
	RedisURL      string `koanf:"redis_url"`
	RedisPrefix   string `koanf:"redis_prefix"`

	// Default chat policy, applied on first access per chat
	DefaultMuteDuration        time.Duration `koanf:"default_mute_duration"`
	DefaultVerificationTimeout time.Duration `koanf:"default_verification_timeout"`
	DefaultNotifyAdmins        bool          `koanf:"default_notify_admins"`

	// Moderation engine
	SweepInterval    time.Duration `koanf:"sweep_interval"`
	ScriptConversion bool          `koanf:"script_conversion"`
	ActionTimeout    time.Duration `koanf:"action_timeout"`

	// Worker Pool
	PoolWorkers    int           `koanf:"pool_workers"`
	PoolQueueDepth int           `koanf:"pool_queue_depth"`
	PoolMaxRetries int           `koanf:"pool_max_retries"`
	PoolRetryBase  time.Duration `koanf:"pool_retry_base"`

	// Operational
	LogLevel       string `koanf:"log_level"`
	LogFormat      string `koanf:"log_format"`
	LogChannelID   int64  `koanf:"log_channel_id"`
	MetricsEnabled bool   `koanf:"metrics_enabled"`
	MetricsAddr    string `koanf:"metrics_addr"`
	HealthAddr     string `koanf:"health_addr"`
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields. This normalises values from Docker --env-file which does not strip
// shell quoting.
func (c *Config) sanitise() {
	c.BotToken = stripEnvQuotes(c.BotToken)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.RulesFile = stripEnvQuotes(c.RulesFile)
	c.LedgerBackend = stripEnvQuotes(c.LedgerBackend)
	c.RedisURL = stripEnvQuotes(c.RedisURL)
	c.RedisPrefix = stripEnvQuotes(c.RedisPrefix)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.HealthAddr = stripEnvQuotes(c.HealthAddr)
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"data_dir":                     "/data",
		"ledger_backend":               LedgerBolt,
		"redis_prefix":                 "sweepmonk/",
		"default_mute_duration":        "24h",
		"default_verification_timeout": "5m",
		"default_notify_admins":        true,
		"sweep_interval":               "1m",
		"script_conversion":            true,
		"action_timeout":               "10s",
		"pool_workers":                 4,
		"pool_queue_depth":             1024,
		"pool_max_retries":             3,
		"pool_retry_base":              "1s",
		"log_level":                    "info",
		"log_format":                   "json",
		"log_channel_id":               0,
		"metrics_enabled":              true,
		"metrics_addr":                 ":9090",
		"health_addr":                  ":8081",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// "." as delimiter keeps env vars flat: BOT_TOKEN → "bot_token".
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ids, err := parseIDs(stripEnvQuotes(k.String("admin_user_ids")))
	if err != nil {
		return nil, fmt.Errorf("ADMIN_USER_IDS: %w", err)
	}
	cfg.AdminUserIDs = ids

	cfg.sanitise()

	if cfg.RulesFile == "" {
		cfg.RulesFile = filepath.Join(cfg.DataDir, "keywords.txt")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("BOT_TOKEN is required")
	}
	if !strings.Contains(c.BotToken, ":") {
		return fmt.Errorf("BOT_TOKEN must have the form <bot id>:<secret>")
	}

	switch c.LedgerBackend {
	case LedgerBolt:
	case LedgerRedis:
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return fmt.Errorf("REDIS_URL must start with redis:// or rediss:// when LEDGER_BACKEND=redis")
		}
	default:
		return fmt.Errorf("LEDGER_BACKEND must be bolt or redis; got %q", c.LedgerBackend)
	}

	if c.DefaultMuteDuration < MinMuteDuration || c.DefaultMuteDuration > MaxMuteDuration {
		return fmt.Errorf("DEFAULT_MUTE_DURATION must be between %s and %s; got %s",
			MinMuteDuration, MaxMuteDuration, c.DefaultMuteDuration)
	}
	if c.DefaultVerificationTimeout < MinVerificationTimeout || c.DefaultVerificationTimeout > MaxVerificationTimeout {
		return fmt.Errorf("DEFAULT_VERIFICATION_TIMEOUT must be between %s and %s; got %s",
			MinVerificationTimeout, MaxVerificationTimeout, c.DefaultVerificationTimeout)
	}

	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0; got %s", c.SweepInterval)
	}
	if c.ActionTimeout <= 0 {
		return fmt.Errorf("ACTION_TIMEOUT must be > 0; got %s", c.ActionTimeout)
	}

	if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
		return fmt.Errorf("POOL_WORKERS must be 1–64; got %d", c.PoolWorkers)
	}
	if c.PoolQueueDepth < 1 {
		return fmt.Errorf("POOL_QUEUE_DEPTH must be >= 1; got %d", c.PoolQueueDepth)
	}
	if c.PoolMaxRetries < 0 {
		return fmt.Errorf("POOL_MAX_RETRIES must be >= 0; got %d", c.PoolMaxRetries)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	return nil
}

// fileSecretKeys may be supplied as <KEY>_FILE pointing at a mounted secret.
var fileSecretKeys = []string{
	"bot_token",
	"redis_url",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			filePath = os.Getenv(strings.ToUpper(key) + "_FILE")
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		if err := k.Set(key, strings.TrimSpace(string(content))); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, p := range splitCSV(s) {
		id, err := strconv.ParseInt(stripEnvQuotes(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
