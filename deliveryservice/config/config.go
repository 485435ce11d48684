// --- File: deliveryservice/config/config.go ---

// Package config loads and validates the delivery service configuration in
// two stages: NewConfigFromYaml maps the embedded YAML onto a typed struct,
// UpdateConfigWithEnvOverrides applies environment variables and performs
// final validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type RingConfig struct {
	VirtualNodes int
}

type RegistryConfig struct {
	BufferSize  int
	FullPolicy  string
	IdleTimeout time.Duration
}

type QueueConfig struct {
	Backend           string
	Partitions        int
	MaxAttempts       int
	RetryBackoff      time.Duration
	VisibilityTimeout time.Duration
	Workers           int
}

type RebalanceConfig struct {
	DrainGrace time.Duration
}

type BackendConfig struct {
	Backend string
}

type DiscoveryConfig struct {
	Backend   string
	Endpoints []string
	Namespace string
	LeaseTTL  time.Duration
	Peers     map[string]string
}

type WSConfig struct {
	PingInterval time.Duration
	ReadDeadline time.Duration
}

type RedisConfig struct {
	Addr string
}

type GCPConfig struct {
	ProjectID string
}

type FirestoreConfig struct {
	Collection string
}

// AppConfig is the canonical, validated configuration object used throughout
// the application. It is created by NewConfigFromYaml (Stage 1) and
// finalized by UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	ShardID       string
	AdvertiseAddr string

	HTTPListenAddr string
	WSListenAddr   string

	Ring      RingConfig
	Registry  RegistryConfig
	Queue     QueueConfig
	Rebalance RebalanceConfig
	Sequencer BackendConfig
	Snapshot  BackendConfig
	Discovery DiscoveryConfig
	WS        WSConfig
	Redis     RedisConfig
	GCP       GCPConfig
	Firestore FirestoreConfig
	LogLevel  string
}

func (c *AppConfig) applyDefaults() {
	if c.HTTPListenAddr == "" {
		c.HTTPListenAddr = ":8080"
	}
	if c.WSListenAddr == "" {
		c.WSListenAddr = ":8081"
	}
	if c.Ring.VirtualNodes <= 0 {
		c.Ring.VirtualNodes = 128
	}
	if c.Registry.BufferSize <= 0 {
		c.Registry.BufferSize = 64
	}
	if c.Registry.FullPolicy == "" {
		c.Registry.FullPolicy = "drop_newest"
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = "memory"
	}
	if c.Queue.Partitions <= 0 {
		c.Queue.Partitions = 16
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 8
	}
	if c.Sequencer.Backend == "" {
		c.Sequencer.Backend = "memory"
	}
	if c.Snapshot.Backend == "" {
		c.Snapshot.Backend = "memory"
	}
	if c.Discovery.Backend == "" {
		c.Discovery.Backend = "static"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from
// YAML) and completes it by applying environment variables and final
// validation. This function completes Stage 2 of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	if shardID := os.Getenv("SHARD_ID"); shardID != "" {
		logger.Debug().Str("key", "SHARD_ID").Str("source", "env").Msg("Overriding config value")
		cfg.ShardID = shardID
	}
	if addr := os.Getenv("ADVERTISE_ADDR"); addr != "" {
		logger.Debug().Str("key", "ADVERTISE_ADDR").Str("source", "env").Msg("Overriding config value")
		cfg.AdvertiseAddr = addr
	}
	if addr := os.Getenv("HTTP_LISTEN_ADDR"); addr != "" {
		logger.Debug().Str("key", "HTTP_LISTEN_ADDR").Str("source", "env").Msg("Overriding config value")
		cfg.HTTPListenAddr = addr
	}
	if addr := os.Getenv("WS_LISTEN_ADDR"); addr != "" {
		logger.Debug().Str("key", "WS_LISTEN_ADDR").Str("source", "env").Msg("Overriding config value")
		cfg.WSListenAddr = addr
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		logger.Debug().Str("key", "REDIS_ADDR").Str("source", "env").Msg("Overriding config value")
		cfg.Redis.Addr = redisAddr
	}
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		logger.Debug().Str("key", "GCP_PROJECT_ID").Str("source", "env").Msg("Overriding config value")
		cfg.GCP.ProjectID = projectID
	}
	if endpoints := os.Getenv("ETCD_ENDPOINTS"); endpoints != "" {
		logger.Debug().Str("key", "ETCD_ENDPOINTS").Str("source", "env").Msg("Overriding config value")
		raw := strings.Split(endpoints, ",")
		var clean []string
		for _, e := range raw {
			if trimmed := strings.TrimSpace(e); trimmed != "" {
				clean = append(clean, trimmed)
			}
		}
		cfg.Discovery.Endpoints = clean
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		logger.Debug().Str("key", "LOG_LEVEL").Str("source", "env").Msg("Overriding config value")
		cfg.LogLevel = level
	}

	if err := cfg.validate(); err != nil {
		logger.Error().Err(err).Msg("Final config validation failed")
		return nil, err
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}

func (c *AppConfig) validate() error {
	if c.ShardID == "" {
		return fmt.Errorf("shard.id is not set in config or SHARD_ID env var")
	}

	switch c.Registry.FullPolicy {
	case "drop_newest", "drop_oldest", "disconnect":
	default:
		return fmt.Errorf("invalid registry.full_policy %q (must be 'drop_newest', 'drop_oldest' or 'disconnect')", c.Registry.FullPolicy)
	}

	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("queue.backend is redis but redis.addr is not set")
		}
	case "pubsub":
		if c.GCP.ProjectID == "" {
			return fmt.Errorf("queue.backend is pubsub but gcp.project_id is not set")
		}
	default:
		return fmt.Errorf("invalid queue.backend %q (must be 'memory', 'redis' or 'pubsub')", c.Queue.Backend)
	}

	switch c.Sequencer.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("sequencer.backend is redis but redis.addr is not set")
		}
	default:
		return fmt.Errorf("invalid sequencer.backend %q (must be 'memory' or 'redis')", c.Sequencer.Backend)
	}

	switch c.Snapshot.Backend {
	case "memory":
	case "firestore":
		if c.GCP.ProjectID == "" {
			return fmt.Errorf("snapshot.backend is firestore but gcp.project_id is not set")
		}
	default:
		return fmt.Errorf("invalid snapshot.backend %q (must be 'memory' or 'firestore')", c.Snapshot.Backend)
	}

	switch c.Discovery.Backend {
	case "static":
		if _, ok := c.Discovery.Peers[c.ShardID]; !ok {
			return fmt.Errorf("discovery.backend is static but discovery.peers does not include this shard (%s)", c.ShardID)
		}
	case "etcd":
		if len(c.Discovery.Endpoints) == 0 {
			return fmt.Errorf("discovery.backend is etcd but no endpoints are configured")
		}
		if c.AdvertiseAddr == "" {
			return fmt.Errorf("discovery.backend is etcd but shard.advertise_addr is not set")
		}
	default:
		return fmt.Errorf("invalid discovery.backend %q (must be 'static' or 'etcd')", c.Discovery.Backend)
	}

	return nil
}
