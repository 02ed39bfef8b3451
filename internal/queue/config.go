package queue

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"
)

// Config tunes the queue's retry and batching behaviour. All durations are
// configured in whole seconds.
type Config struct {
	// MaxAttempts is the default attempt ceiling applied by the reaper.
	MaxAttempts int
	// VisibilityTimeout is how long a PROCESSING lease lasts before the
	// task becomes eligible for reclamation.
	VisibilityTimeout time.Duration
	// RetryBaseDelay is the first retry delay.
	RetryBaseDelay time.Duration
	// RetryBackoffMultiplier grows the delay between successive retries.
	RetryBackoffMultiplier float64
	// MaxRetryDelay caps the computed backoff.
	MaxRetryDelay time.Duration
	// BatchSize bounds how many tasks a single Enqueue insert statement
	// carries.
	BatchSize int
}

// DefaultConfig returns the reference tuning.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:            3,
		VisibilityTimeout:      3600 * time.Second,
		RetryBaseDelay:         60 * time.Second,
		RetryBackoffMultiplier: 2.0,
		MaxRetryDelay:          3600 * time.Second,
		BatchSize:              100,
	}
}

// ConfigFromEnv builds a Config from QUEUE_* variables, starting from the
// defaults. Unparseable values are fatal so misconfiguration fails startup
// rather than silently running with surprise tuning.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	var err error
	if cfg.MaxAttempts, err = envInt("QUEUE_MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.VisibilityTimeout, err = envSeconds("QUEUE_VISIBILITY_TIMEOUT", cfg.VisibilityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RetryBaseDelay, err = envSeconds("QUEUE_RETRY_BASE_DELAY", cfg.RetryBaseDelay); err != nil {
		return Config{}, err
	}
	if cfg.RetryBackoffMultiplier, err = envFloat("QUEUE_RETRY_BACKOFF_MULTIPLIER", cfg.RetryBackoffMultiplier); err != nil {
		return Config{}, err
	}
	if cfg.MaxRetryDelay, err = envSeconds("QUEUE_MAX_RETRY_DELAY", cfg.MaxRetryDelay); err != nil {
		return Config{}, err
	}
	if cfg.BatchSize, err = envInt("QUEUE_BATCH_SIZE", cfg.BatchSize); err != nil {
		return Config{}, err
	}

	if cfg.MaxAttempts < 1 {
		return Config{}, fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1, got %d", cfg.MaxAttempts)
	}
	if cfg.RetryBackoffMultiplier < 1 {
		return Config{}, fmt.Errorf("QUEUE_RETRY_BACKOFF_MULTIPLIER must be at least 1, got %v", cfg.RetryBackoffMultiplier)
	}
	if cfg.BatchSize < 1 {
		return Config{}, fmt.Errorf("QUEUE_BATCH_SIZE must be at least 1, got %d", cfg.BatchSize)
	}
	return cfg, nil
}

// Backoff returns the delay before retry attempt k (zero-based), growing
// exponentially from RetryBaseDelay and saturating at MaxRetryDelay.
func (c Config) Backoff(k int) time.Duration {
	if k < 0 {
		k = 0
	}
	delay := float64(c.RetryBaseDelay) * math.Pow(c.RetryBackoffMultiplier, float64(k))
	if delay > float64(c.MaxRetryDelay) || math.IsInf(delay, 1) {
		return c.MaxRetryDelay
	}
	return time.Duration(delay)
}

// PrimaryWorkerConfig tunes the worker that drains PENDING tasks.
type PrimaryWorkerConfig struct {
	PollDelay time.Duration
	BatchSize int
}

// PrimaryWorkerConfigFromEnv reads the WORKER_* variables.
func PrimaryWorkerConfigFromEnv() (PrimaryWorkerConfig, error) {
	cfg := PrimaryWorkerConfig{
		PollDelay: 5 * time.Second,
		BatchSize: 5,
	}
	var err error
	if cfg.PollDelay, err = envSeconds("WORKER_POLL_DELAY", cfg.PollDelay); err != nil {
		return PrimaryWorkerConfig{}, err
	}
	if cfg.BatchSize, err = envInt("WORKER_BATCH_SIZE", cfg.BatchSize); err != nil {
		return PrimaryWorkerConfig{}, err
	}
	if cfg.BatchSize < 1 {
		return PrimaryWorkerConfig{}, fmt.Errorf("WORKER_BATCH_SIZE must be at least 1, got %d", cfg.BatchSize)
	}
	return cfg, nil
}

// RetryWorkerConfig tunes the reaper loop. Its poll delay is deliberately
// longer than the primary worker's; retries are a background concern.
type RetryWorkerConfig struct {
	PollDelay         time.Duration
	BatchSize         int
	VisibilityTimeout time.Duration
	MaxAttempts       int
}

// RetryWorkerConfigFromEnv reads the RETRY_WORKER_* variables.
func RetryWorkerConfigFromEnv() (RetryWorkerConfig, error) {
	cfg := RetryWorkerConfig{
		PollDelay:         30 * time.Second,
		BatchSize:         5,
		VisibilityTimeout: 3600 * time.Second,
		MaxAttempts:       3,
	}
	var err error
	if cfg.PollDelay, err = envSeconds("RETRY_WORKER_POLL_DELAY", cfg.PollDelay); err != nil {
		return RetryWorkerConfig{}, err
	}
	if cfg.BatchSize, err = envInt("RETRY_WORKER_BATCH_SIZE", cfg.BatchSize); err != nil {
		return RetryWorkerConfig{}, err
	}
	if cfg.VisibilityTimeout, err = envSeconds("RETRY_WORKER_VISIBILITY_TIMEOUT", cfg.VisibilityTimeout); err != nil {
		return RetryWorkerConfig{}, err
	}
	if cfg.MaxAttempts, err = envInt("RETRY_WORKER_MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return RetryWorkerConfig{}, err
	}
	if cfg.BatchSize < 1 {
		return RetryWorkerConfig{}, fmt.Errorf("RETRY_WORKER_BATCH_SIZE must be at least 1, got %d", cfg.BatchSize)
	}
	if cfg.MaxAttempts < 1 {
		return RetryWorkerConfig{}, fmt.Errorf("RETRY_WORKER_MAX_ATTEMPTS must be at least 1, got %d", cfg.MaxAttempts)
	}
	return cfg, nil
}

func envInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func envSeconds(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return time.Duration(n) * time.Second, nil
}
