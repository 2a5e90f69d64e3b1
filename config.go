package textpool

import (
	"os"
	"strconv"
	"time"
)

// Defaults for Config fields left at their zero value.
const (
	DefaultConcurrency       = 2
	DefaultMaxRetries        = 3
	DefaultJobTimeout        = 2 * time.Minute
	DefaultRetentionWindow   = time.Hour
	DefaultAdmissionInterval = time.Second
	DefaultJanitorInterval   = time.Hour
)

// Config represents scheduler configuration.
type Config struct {
	// Concurrency is the transformer pool size and the maximum number of
	// simultaneously processing jobs (default: 2).
	Concurrency int

	// MaxRetries is the number of re-attempts after a failed processing
	// attempt (default: 3). A job makes at most MaxRetries+1 attempts.
	MaxRetries int

	// JobTimeout bounds a single processing attempt (default: 2 minutes).
	JobTimeout time.Duration

	// RetentionWindow is how long terminal jobs remain queryable before
	// the janitor evicts them (default: 1 hour).
	RetentionWindow time.Duration

	// AdmissionInterval is the admission tick period (default: 1 second).
	AdmissionInterval time.Duration

	// JanitorInterval is the eviction sweep period (default: 1 hour).
	JanitorInterval time.Duration
}

// DefaultConfig returns a Config populated with the default values.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:       DefaultConcurrency,
		MaxRetries:        DefaultMaxRetries,
		JobTimeout:        DefaultJobTimeout,
		RetentionWindow:   DefaultRetentionWindow,
		AdmissionInterval: DefaultAdmissionInterval,
		JanitorInterval:   DefaultJanitorInterval,
	}
}

// LoadConfig loads scheduler configuration from environment variables.
// It reads the following variables, falling back to defaults when unset
// or unparsable:
//   - TEXTPOOL_CONCURRENCY: pool size / max simultaneous jobs
//   - TEXTPOOL_MAX_RETRIES: retry limit per job
//   - TEXTPOOL_JOB_TIMEOUT: per-attempt timeout (duration string, e.g. "120s")
//   - TEXTPOOL_RETENTION_WINDOW: terminal job retention (e.g. "1h")
//   - TEXTPOOL_ADMISSION_INTERVAL: admission tick period (e.g. "1s")
//   - TEXTPOOL_JANITOR_INTERVAL: eviction sweep period (e.g. "1h")
//
// Duration values may also be specified as an integer number of
// milliseconds (e.g. "120000").
func LoadConfig() *Config {
	return &Config{
		Concurrency:       getEnvInt("TEXTPOOL_CONCURRENCY", DefaultConcurrency),
		MaxRetries:        getEnvInt("TEXTPOOL_MAX_RETRIES", DefaultMaxRetries),
		JobTimeout:        getEnvDuration("TEXTPOOL_JOB_TIMEOUT", DefaultJobTimeout),
		RetentionWindow:   getEnvDuration("TEXTPOOL_RETENTION_WINDOW", DefaultRetentionWindow),
		AdmissionInterval: getEnvDuration("TEXTPOOL_ADMISSION_INTERVAL", DefaultAdmissionInterval),
		JanitorInterval:   getEnvDuration("TEXTPOOL_JANITOR_INTERVAL", DefaultJanitorInterval),
	}
}

// normalized returns a copy with zero or negative fields replaced by
// defaults, so a partially filled Config is always usable. MaxRetries
// may legitimately be zero (fail on first error), so only negative
// values are replaced there.
func (c *Config) normalized() *Config {
	cfg := *c
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = DefaultRetentionWindow
	}
	if cfg.AdmissionInterval <= 0 {
		cfg.AdmissionInterval = DefaultAdmissionInterval
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = DefaultJanitorInterval
	}
	return &cfg
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
