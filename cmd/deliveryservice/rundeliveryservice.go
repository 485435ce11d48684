// --- File: cmd/deliveryservice/rundeliveryservice.go ---

package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tinywideclouds/go-delivery-service/cmd"
	"github.com/tinywideclouds/go-delivery-service/deliveryservice"
	"github.com/tinywideclouds/go-delivery-service/deliveryservice/config"
	"github.com/tinywideclouds/go-delivery-service/internal/app"
	"github.com/tinywideclouds/go-delivery-service/internal/platform/discovery"
	"github.com/tinywideclouds/go-delivery-service/internal/platform/persistence"
	psub "github.com/tinywideclouds/go-delivery-service/internal/platform/pubsub"
	"github.com/tinywideclouds/go-delivery-service/internal/platform/push"
	platformqueue "github.com/tinywideclouds/go-delivery-service/internal/platform/queue"
	"github.com/tinywideclouds/go-delivery-service/internal/platform/sequence"
	"github.com/tinywideclouds/go-delivery-service/internal/queue"
	"github.com/tinywideclouds/go-delivery-service/internal/realtime"
	"github.com/tinywideclouds/go-delivery-service/pkg/auth"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// identityHeader carries the user identity asserted by the fronting gateway.
const identityHeader = "X-User-ID"

func main() {
	// 1. Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "go-delivery-service").Logger()

	// 2. Load config.yaml and apply environment overrides
	baseCfg, err := cmd.Load(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to finalize configuration")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warn().Str("level", cfg.LogLevel).Msg("Unknown log level, keeping 'info'")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// 3. Create dependencies
	ctx := context.Background()
	deps, err := newDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize dependencies")
	}

	// 4. Create cluster membership
	membership, err := newMembership(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize cluster membership")
	}

	// 5. Create authentication middleware. The shipped middleware trusts the
	// identity header stamped by the gateway in front of this service.
	authMiddleware := auth.TrustHeader(identityHeader)

	// 6. Create the two main services
	service, err := deliveryservice.New(
		cfg,
		deps,
		membership,
		authMiddleware,
		logger.With().Str("component", "DeliveryService").Logger(),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create delivery service")
	}

	wsServer, err := realtime.NewServer(
		realtime.Config{
			Addr:         cfg.WSListenAddr,
			PongTimeout:  cfg.WS.ReadDeadline,
			PingInterval: cfg.WS.PingInterval,
		},
		service.Registry(),
		service.Coordinator(),
		deps.States,
		authMiddleware,
		service.Metrics(),
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create WebSocket server")
	}

	// 7. Run the application
	app.Run(ctx, logger, service, wsServer)
}

// newDependencies builds the service dependency container for the configured
// backends.
func newDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*delivery.ServiceDependencies, error) {
	bus, err := newBus(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create message bus: %w", err)
	}
	sequencer, err := newSequencer(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sequencer: %w", err)
	}
	states, err := newStateStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create state store: %w", err)
	}
	offline, err := newOfflineDispatcher(cfg, bus, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create offline dispatcher: %w", err)
	}

	return &delivery.ServiceDependencies{
		Bus:       bus,
		Offline:   offline,
		States:    states,
		Sequencer: sequencer,
	}, nil
}

// newBus creates the pluggable durable queue based on config.
func newBus(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (queue.MessageBus, error) {
	backend := cfg.Queue.Backend
	logger.Info().Str("backend", backend).Msg("Initializing message bus...")

	switch backend {
	case "memory":
		return platformqueue.NewMemoryBus(platformqueue.MemoryBusConfig{
			Partitions:   cfg.Queue.Partitions,
			MaxAttempts:  cfg.Queue.MaxAttempts,
			RetryBackoff: cfg.Queue.RetryBackoff,
		}, logger), nil

	case "redis":
		rdb, err := newRedisClient(ctx, cfg.Redis.Addr, logger)
		if err != nil {
			return nil, err
		}
		return platformqueue.NewRedisStreamsBus(platformqueue.RedisStreamsConfig{
			ConsumerID:        cfg.ShardID,
			Partitions:        cfg.Queue.Partitions,
			MaxAttempts:       cfg.Queue.MaxAttempts,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		}, rdb, logger)

	case "pubsub":
		psClient, err := pubsub.NewClient(ctx, cfg.GCP.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to pubsub: %w", err)
		}
		return psub.NewPubSubBus(psub.PubSubBusConfig{
			ProjectID:       cfg.GCP.ProjectID,
			MaxAttempts:     cfg.Queue.MaxAttempts,
			EnsureResources: true,
		}, psClient, logger)

	default:
		return nil, fmt.Errorf("invalid queue backend: %s (must be 'memory', 'redis' or 'pubsub')", backend)
	}
}

// newSequencer creates the pluggable sequence allocator based on config.
func newSequencer(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (delivery.Sequencer, error) {
	backend := cfg.Sequencer.Backend
	logger.Info().Str("backend", backend).Msg("Initializing sequencer...")

	switch backend {
	case "memory":
		return sequence.NewMemorySequencer(), nil

	case "redis":
		rdb, err := newRedisClient(ctx, cfg.Redis.Addr, logger)
		if err != nil {
			return nil, err
		}
		return sequence.NewRedisSequencer(rdb)

	default:
		return nil, fmt.Errorf("invalid sequencer backend: %s (must be 'memory' or 'redis')", backend)
	}
}

// newStateStore creates the pluggable sync-state store based on config.
func newStateStore(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (delivery.StateStore, error) {
	backend := cfg.Snapshot.Backend
	logger.Info().Str("backend", backend).Msg("Initializing state store...")

	switch backend {
	case "memory":
		return persistence.NewMemoryStateStore(), nil

	case "firestore":
		fsClient, err := firestore.NewClient(ctx, cfg.GCP.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to firestore: %w", err)
		}
		return persistence.NewFirestoreStateStore(fsClient, cfg.Firestore.Collection, logger)

	default:
		return nil, fmt.Errorf("invalid snapshot backend: %s (must be 'memory' or 'firestore')", backend)
	}
}

// newOfflineDispatcher picks the offline fallback. Durable bus backends carry
// push requests to the provider pipeline on the bus itself; the memory bus
// has no external consumers, so local runs log the handoff instead.
func newOfflineDispatcher(cfg *config.AppConfig, bus queue.MessageBus, logger zerolog.Logger) (delivery.OfflineDispatcher, error) {
	if cfg.Queue.Backend == "memory" {
		return push.NewLogDispatcher(logger), nil
	}
	return push.NewBusDispatcher(bus, logger)
}

// newMembership creates the pluggable cluster membership based on config.
func newMembership(cfg *config.AppConfig, logger zerolog.Logger) (deliveryservice.Membership, error) {
	backend := cfg.Discovery.Backend
	logger.Info().Str("backend", backend).Msg("Initializing membership...")

	switch backend {
	case "static":
		return discovery.NewStaticMembership(cfg.Discovery.Peers, logger)

	case "etcd":
		cli, err := discovery.NewClient(cfg.Discovery.Endpoints)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		return discovery.NewMembership(discovery.MembershipConfig{
			InstanceID:    cfg.ShardID,
			AdvertiseAddr: cfg.AdvertiseAddr,
			Prefix:        cfg.Discovery.Namespace,
			LeaseTTL:      cfg.Discovery.LeaseTTL,
		}, cli, logger)

	default:
		return nil, fmt.Errorf("invalid discovery backend: %s (must be 'static' or 'etcd')", backend)
	}
}

// newRedisClient connects to Redis and verifies the connection.
func newRedisClient(ctx context.Context, addr string, logger zerolog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	logger.Info().Str("addr", addr).Msg("Connected to Redis")
	return rdb, nil
}
