// --- File: deliveryservice/config/yaml_config.go ---
package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// --- YAML-Specific Structs ---

// Durations are strings in YAML ("200ms", "5m") and parsed in Stage 1.

type YamlShardConfig struct {
	ID            string `yaml:"id"`
	AdvertiseAddr string `yaml:"advertise_addr"`
}

type YamlRingConfig struct {
	VirtualNodes int `yaml:"virtual_nodes"`
}

type YamlRegistryConfig struct {
	BufferSize  int    `yaml:"buffer_size"`
	FullPolicy  string `yaml:"full_policy"` // "drop_newest", "drop_oldest" or "disconnect"
	IdleTimeout string `yaml:"idle_timeout"`
}

type YamlQueueConfig struct {
	Backend           string `yaml:"backend"` // "memory", "redis" or "pubsub"
	Partitions        int    `yaml:"partitions"`
	MaxAttempts       int    `yaml:"max_attempts"`
	RetryBackoff      string `yaml:"retry_backoff"`
	VisibilityTimeout string `yaml:"visibility_timeout"`
	Workers           int    `yaml:"workers"`
}

type YamlRebalanceConfig struct {
	DrainGrace string `yaml:"drain_grace"`
}

type YamlBackendConfig struct {
	Backend string `yaml:"backend"`
}

type YamlDiscoveryConfig struct {
	Backend   string            `yaml:"backend"` // "static" or "etcd"
	Endpoints []string          `yaml:"endpoints"`
	Namespace string            `yaml:"namespace"`
	LeaseTTL  string            `yaml:"lease_ttl"`
	Peers     map[string]string `yaml:"peers"` // static backend: shard ID -> address
}

type YamlHTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type YamlWSConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	PingInterval string `yaml:"ping_interval"`
	ReadDeadline string `yaml:"read_deadline"`
}

type YamlRedisConfig struct {
	Addr string `yaml:"addr"`
}

type YamlGCPConfig struct {
	ProjectID string `yaml:"project_id"`
}

type YamlFirestoreConfig struct {
	Collection string `yaml:"collection"`
}

type YamlLogConfig struct {
	Level string `yaml:"level"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml
// file.
type YamlConfig struct {
	Shard     YamlShardConfig     `yaml:"shard"`
	Ring      YamlRingConfig      `yaml:"ring"`
	Registry  YamlRegistryConfig  `yaml:"registry"`
	Queue     YamlQueueConfig     `yaml:"queue"`
	Rebalance YamlRebalanceConfig `yaml:"rebalance"`
	Sequencer YamlBackendConfig   `yaml:"sequencer"`
	Snapshot  YamlBackendConfig   `yaml:"snapshot"`
	Discovery YamlDiscoveryConfig `yaml:"discovery"`
	HTTP      YamlHTTPConfig      `yaml:"http"`
	WS        YamlWSConfig        `yaml:"ws"`
	Redis     YamlRedisConfig     `yaml:"redis"`
	GCP       YamlGCPConfig       `yaml:"gcp"`
	Firestore YamlFirestoreConfig `yaml:"firestore"`
	Log       YamlLogConfig       `yaml:"log"`
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data into a typed base
// AppConfig: durations parsed, defaults applied. Stage 1 complete; the
// config still awaits environment overrides and validation.
func NewConfigFromYaml(yamlCfg *YamlConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Mapping YAML config to base config struct")

	appCfg := &AppConfig{
		ShardID:        yamlCfg.Shard.ID,
		AdvertiseAddr:  yamlCfg.Shard.AdvertiseAddr,
		HTTPListenAddr: yamlCfg.HTTP.ListenAddr,
		WSListenAddr:   yamlCfg.WS.ListenAddr,
		Ring:           RingConfig{VirtualNodes: yamlCfg.Ring.VirtualNodes},
		Registry: RegistryConfig{
			BufferSize: yamlCfg.Registry.BufferSize,
			FullPolicy: yamlCfg.Registry.FullPolicy,
		},
		Queue: QueueConfig{
			Backend:     yamlCfg.Queue.Backend,
			Partitions:  yamlCfg.Queue.Partitions,
			MaxAttempts: yamlCfg.Queue.MaxAttempts,
			Workers:     yamlCfg.Queue.Workers,
		},
		Sequencer: BackendConfig{Backend: yamlCfg.Sequencer.Backend},
		Snapshot:  BackendConfig{Backend: yamlCfg.Snapshot.Backend},
		Discovery: DiscoveryConfig{
			Backend:   yamlCfg.Discovery.Backend,
			Endpoints: yamlCfg.Discovery.Endpoints,
			Namespace: yamlCfg.Discovery.Namespace,
			Peers:     yamlCfg.Discovery.Peers,
		},
		Redis:     RedisConfig{Addr: yamlCfg.Redis.Addr},
		GCP:       GCPConfig{ProjectID: yamlCfg.GCP.ProjectID},
		Firestore: FirestoreConfig{Collection: yamlCfg.Firestore.Collection},
		LogLevel:  yamlCfg.Log.Level,
	}

	var err error
	if appCfg.Registry.IdleTimeout, err = parseDuration("registry.idle_timeout", yamlCfg.Registry.IdleTimeout, 5*time.Minute); err != nil {
		return nil, err
	}
	if appCfg.Queue.RetryBackoff, err = parseDuration("queue.retry_backoff", yamlCfg.Queue.RetryBackoff, 200*time.Millisecond); err != nil {
		return nil, err
	}
	if appCfg.Queue.VisibilityTimeout, err = parseDuration("queue.visibility_timeout", yamlCfg.Queue.VisibilityTimeout, 30*time.Second); err != nil {
		return nil, err
	}
	if appCfg.Rebalance.DrainGrace, err = parseDuration("rebalance.drain_grace", yamlCfg.Rebalance.DrainGrace, 30*time.Second); err != nil {
		return nil, err
	}
	if appCfg.Discovery.LeaseTTL, err = parseDuration("discovery.lease_ttl", yamlCfg.Discovery.LeaseTTL, 10*time.Second); err != nil {
		return nil, err
	}
	if appCfg.WS.ReadDeadline, err = parseDuration("ws.read_deadline", yamlCfg.WS.ReadDeadline, 60*time.Second); err != nil {
		return nil, err
	}
	// PingInterval defaults to zero; the websocket server derives it from
	// the read deadline when unset.
	if appCfg.WS.PingInterval, err = parseDuration("ws.ping_interval", yamlCfg.WS.PingInterval, 0); err != nil {
		return nil, err
	}

	appCfg.applyDefaults()

	logger.Debug().
		Str("shard_id", appCfg.ShardID).
		Str("queue_backend", appCfg.Queue.Backend).
		Str("sequencer_backend", appCfg.Sequencer.Backend).
		Str("snapshot_backend", appCfg.Snapshot.Backend).
		Str("discovery_backend", appCfg.Discovery.Backend).
		Msg("YAML config mapping complete")

	return appCfg, nil
}

func parseDuration(key, raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration %q: %w", key, raw, err)
	}
	return d, nil
}
