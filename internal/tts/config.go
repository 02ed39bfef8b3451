package tts

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config tunes the synthesis engine. MaxWorkers caps concurrent CPU-bound
// generation regardless of how many queue workers are feeding it.
type Config struct {
	MaxWorkers        int
	GenerationTimeout time.Duration
	PreloadTimeout    time.Duration
}

// DefaultConfig returns the reference tuning.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:        4,
		GenerationTimeout: 30 * time.Second,
		PreloadTimeout:    120 * time.Second,
	}
}

// ConfigFromEnv builds a Config from TTS_* variables, starting from the
// defaults.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("TTS_THREAD_POOL_MAX_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("invalid TTS_THREAD_POOL_MAX_WORKERS: %q", v)
		}
		cfg.MaxWorkers = n
	}
	if v := os.Getenv("TTS_GENERATION_TIMEOUT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("invalid TTS_GENERATION_TIMEOUT: %q", v)
		}
		cfg.GenerationTimeout = time.Duration(n) * time.Second
	}
	if v := os.Getenv("VOICE_PRELOAD_TIMEOUT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("invalid VOICE_PRELOAD_TIMEOUT: %q", v)
		}
		cfg.PreloadTimeout = time.Duration(n) * time.Second
	}
	return cfg, nil
}
