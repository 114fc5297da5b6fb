package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Quarry settings. Defaults are baked in and every value can
// be overridden by a YAML file and then by QUARRY_* environment variables, in
// that order, to permit operational tuning without rebuilds.
type Config struct {
	// Substrate and store
	RedisURL string `yaml:"redis_url"`
	DBURL    string `yaml:"db_url"`

	// HTTP API
	ListenAddr string `yaml:"listen_addr"`

	// Batch production
	BatchSize    int      `yaml:"batch_size"`
	StreamMaxLen int64    `yaml:"stream_maxlen"`
	IncludeExts  []string `yaml:"include_exts"`

	// Consumer loop
	BlockTimeout         time.Duration `yaml:"block_timeout"`
	PendingCheckInterval time.Duration `yaml:"pending_check_interval"`
	MaxProcessingTime    time.Duration `yaml:"max_processing_time"`
	ClaimMinIdle         time.Duration `yaml:"claim_min_idle"`
	MaxRetryAttempts     int           `yaml:"max_retry_attempts"`
	AutoSaveWorkers      int           `yaml:"autosave_workers"`
	ShutdownGrace        time.Duration `yaml:"shutdown_grace"`

	// Worker subprocess
	WorkerBin string `yaml:"worker_bin"`

	// Status records and completion
	StatusTTL        time.Duration `yaml:"status_ttl"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	StallThreshold   time.Duration `yaml:"stall_threshold"`

	// Metrics aggregation
	MetricsInterval time.Duration `yaml:"metrics_interval"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		RedisURL:             "redis://localhost:6379",
		DBURL:                "quarry.db",
		ListenAddr:           ":8080",
		BatchSize:            40,
		StreamMaxLen:         1000,
		IncludeExts:          []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"},
		BlockTimeout:         5 * time.Second,
		PendingCheckInterval: 60 * time.Second,
		MaxProcessingTime:    300 * time.Second,
		ClaimMinIdle:         0, // derived: 2 x MaxProcessingTime
		MaxRetryAttempts:     3,
		AutoSaveWorkers:      4,
		ShutdownGrace:        30 * time.Second,
		WorkerBin:            "",
		StatusTTL:            24 * time.Hour,
		WatchdogInterval:     5 * time.Minute,
		StallThreshold:       30 * time.Minute,
		MetricsInterval:      10 * time.Second,
		LogLevel:             "info",
		LogJSON:              true,
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from QUARRY_* environment variables
func (c *Config) applyEnv() {
	envStr(&c.RedisURL, "QUARRY_REDIS_URL")
	envStr(&c.DBURL, "QUARRY_DB_URL")
	envStr(&c.ListenAddr, "QUARRY_LISTEN_ADDR")
	envStr(&c.WorkerBin, "QUARRY_WORKER_BIN")
	envStr(&c.LogLevel, "QUARRY_LOG_LEVEL")

	envInt(&c.BatchSize, "QUARRY_BATCH_SIZE")
	envInt(&c.MaxRetryAttempts, "QUARRY_MAX_RETRIES")
	envInt(&c.AutoSaveWorkers, "QUARRY_AUTOSAVE_WORKERS")
	envInt64(&c.StreamMaxLen, "QUARRY_STREAM_MAXLEN")

	envDuration(&c.BlockTimeout, "QUARRY_BLOCK_MS")
	envDuration(&c.PendingCheckInterval, "QUARRY_PENDING_CHECK_INTERVAL")
	envDuration(&c.MaxProcessingTime, "QUARRY_MAX_PROCESSING_TIME")
	envDuration(&c.ClaimMinIdle, "QUARRY_CLAIM_MIN_IDLE")
	envDuration(&c.StatusTTL, "QUARRY_STATUS_TTL")
	envDuration(&c.WatchdogInterval, "QUARRY_WATCHDOG_INTERVAL")
	envDuration(&c.StallThreshold, "QUARRY_STALL_THRESHOLD")
	envDuration(&c.MetricsInterval, "QUARRY_METRICS_INTERVAL")
	envDuration(&c.ShutdownGrace, "QUARRY_SHUTDOWN_GRACE")
}

// Validate checks invariants and fills derived defaults
func (c *Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.MaxRetryAttempts < 1 {
		return fmt.Errorf("max_retry_attempts must be >= 1, got %d", c.MaxRetryAttempts)
	}
	if c.AutoSaveWorkers < 1 {
		return fmt.Errorf("autosave_workers must be >= 1, got %d", c.AutoSaveWorkers)
	}
	if c.ClaimMinIdle <= 0 {
		// Recommended default: reclaim only after twice the processing budget,
		// so a healthy slow worker is never preempted.
		c.ClaimMinIdle = 2 * c.MaxProcessingTime
	}
	return nil
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

// envDuration accepts either a Go duration string ("300s") or a bare
// millisecond count ("5000") for compatibility with the *_MS variables.
func envDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
	}
}
