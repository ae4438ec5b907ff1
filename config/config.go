// Package config holds the runtime tuning knobs for a DHT node: bucket
// capacity, lookup concurrency, RPC timeout, token rotation interval and
// the in-flight RPC ceiling. Values load from the environment (and an
// optional .env file) once per process, the same sync.Once-guarded
// singleton shape this codebase has always used for configuration.
package config

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process-wide tuning configuration for a DHT node.
type Config struct {
	// K is the bucket capacity / replication parameter.
	K int
	// Alpha is the lookup concurrency width.
	Alpha int
	// RPCTimeout is how long a pending request waits before it is
	// completed with a Timeout error.
	RPCTimeout time.Duration
	// TokenRotationInterval is how often the token manager rotates its
	// current/previous secret pair.
	TokenRotationInterval time.Duration
	// MaxInFlight bounds the pending-request map; sends beyond this
	// ceiling fail fast with Busy.
	MaxInFlight int
	// MaxDatagramSize is the largest inbound UDP payload accepted
	// before it is dropped unparsed.
	MaxDatagramSize int
	// DataDir is where the identity keypair and persisted routing
	// table are stored.
	DataDir string
}

var (
	once     sync.Once
	instance *Config
)

// Default returns the baseline configuration from spec defaults.
func Default() *Config {
	return &Config{
		K:                     8,
		Alpha:                 3,
		RPCTimeout:            15 * time.Second,
		TokenRotationInterval: 5 * time.Minute,
		MaxInFlight:           256,
		MaxDatagramSize:       1500,
		DataDir:               "data",
	}
}

// Get returns the process-wide Config, loading it from the environment
// (and a .env file, if present) on first call.
func Get() *Config {
	once.Do(func() {
		instance = loadFromEnv()
	})
	return instance
}

func loadFromEnv() *Config {
	_ = godotenv.Load()

	cfg := Default()
	cfg.K = envInt("DHT_K", cfg.K)
	cfg.Alpha = envInt("DHT_ALPHA", cfg.Alpha)
	cfg.RPCTimeout = envDuration("DHT_RPC_TIMEOUT", cfg.RPCTimeout)
	cfg.TokenRotationInterval = envDuration("DHT_TOKEN_ROTATION_INTERVAL", cfg.TokenRotationInterval)
	cfg.MaxInFlight = envInt("DHT_MAX_IN_FLIGHT", cfg.MaxInFlight)
	cfg.MaxDatagramSize = envInt("DHT_MAX_DATAGRAM_SIZE", cfg.MaxDatagramSize)
	if v := os.Getenv("DHT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	return cfg
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
