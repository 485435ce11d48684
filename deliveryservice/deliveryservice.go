// --- File: deliveryservice/deliveryservice.go ---

// Package deliveryservice wires the delivery service together: the ingest
// API, the envelope pipeline, shard coordination, and the operational HTTP
// surface.
package deliveryservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/deliveryservice/config"
	"github.com/tinywideclouds/go-delivery-service/internal/api"
	"github.com/tinywideclouds/go-delivery-service/internal/coordinator"
	"github.com/tinywideclouds/go-delivery-service/internal/pipeline"
	"github.com/tinywideclouds/go-delivery-service/internal/platform/discovery"
	"github.com/tinywideclouds/go-delivery-service/internal/registry"
	"github.com/tinywideclouds/go-delivery-service/internal/telemetry"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// Membership announces this instance to the cluster and streams peer
// transitions. The etcd and static discovery adapters both satisfy it.
type Membership interface {
	Register(ctx context.Context) error
	Deregister(ctx context.Context) error
	Watch(ctx context.Context, handler discovery.MembershipHandler) error
	Close()
}

// deadLetterNotifier is the optional bus-adapter interface surfacing
// dead-letter events so they can be counted.
type deadLetterNotifier interface {
	OnDeadLetter(fn func(topic string))
}

// Wrapper owns every component of one delivery service instance apart from
// the websocket transport, which shares the registry and coordinator built
// here.
type Wrapper struct {
	cfg        *config.AppConfig
	deps       *delivery.ServiceDependencies
	membership Membership

	metrics     *telemetry.Metrics
	registry    *registry.Registry
	coordinator *coordinator.Coordinator
	dedup       *pipeline.Deduper
	consumer    *pipeline.Consumer
	apiHandler  *api.API

	server   *http.Server
	httpAddr atomic.Value
	ready    atomic.Bool
	logger   zerolog.Logger
}

// New creates and wires up the delivery service.
func New(
	cfg *config.AppConfig,
	deps *delivery.ServiceDependencies,
	membership Membership,
	authMiddleware func(http.Handler) http.Handler,
	logger zerolog.Logger,
) (*Wrapper, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if deps == nil {
		return nil, fmt.Errorf("dependencies cannot be nil")
	}
	if membership == nil {
		return nil, fmt.Errorf("membership cannot be nil")
	}
	if authMiddleware == nil {
		return nil, fmt.Errorf("auth middleware cannot be nil")
	}

	metrics := telemetry.New()
	if notifier, ok := deps.Bus.(deadLetterNotifier); ok {
		notifier.OnDeadLetter(func(topic string) {
			metrics.DeadLettered.WithLabelValues(topic).Inc()
		})
	}

	reg, err := registry.New(registry.Config{
		BufferSize:  cfg.Registry.BufferSize,
		FullPolicy:  registry.Policy(cfg.Registry.FullPolicy),
		IdleTimeout: cfg.Registry.IdleTimeout,
	}, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection registry: %w", err)
	}

	coord, err := coordinator.New(coordinator.Config{
		InstanceID:     cfg.ShardID,
		Replicas:       cfg.Ring.VirtualNodes,
		MigrationGrace: cfg.Rebalance.DrainGrace,
	}, reg, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create shard coordinator: %w", err)
	}

	dedup := pipeline.NewDeduper(0, 0)

	router, err := pipeline.NewRouter(reg, deps.Offline, dedup, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification router: %w", err)
	}
	broadcaster, err := pipeline.NewBroadcaster(reg, deps.States, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync broadcaster: %w", err)
	}
	consumer, err := pipeline.NewConsumer(
		pipeline.ConsumerConfig{Workers: cfg.Queue.Workers},
		deps.Bus, coord, router, broadcaster, metrics, logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create envelope consumer: %w", err)
	}

	apiHandler, err := api.NewAPI(deps.Bus, deps.Sequencer, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create API handlers: %w", err)
	}

	w := &Wrapper{
		cfg:         cfg,
		deps:        deps,
		membership:  membership,
		metrics:     metrics,
		registry:    reg,
		coordinator: coord,
		dedup:       dedup,
		consumer:    consumer,
		apiHandler:  apiHandler,
		logger:      logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", w.healthzHandler)
	mux.HandleFunc("GET /readyz", w.readyzHandler)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("POST /v1/notifications",
		metrics.Instrument("notifications", authMiddleware(http.HandlerFunc(apiHandler.NotificationsHandler))))
	mux.Handle("POST /v1/sync",
		metrics.Instrument("sync", authMiddleware(http.HandlerFunc(apiHandler.SyncHandler))))

	w.server = &http.Server{
		Addr:    cfg.HTTPListenAddr,
		Handler: mux,
	}
	return w, nil
}

// Registry exposes the connection registry shared with the websocket
// transport.
func (w *Wrapper) Registry() *registry.Registry { return w.registry }

// Coordinator exposes the shard coordinator; the websocket transport
// resolves connection ownership against it.
func (w *Wrapper) Coordinator() *coordinator.Coordinator { return w.coordinator }

// Metrics exposes the instance's metrics set.
func (w *Wrapper) Metrics() *telemetry.Metrics { return w.metrics }

// HTTPAddr reports the bound API address once Start has opened the listener,
// or "" before that. Callers configuring port 0 discover the real port here.
func (w *Wrapper) HTTPAddr() string {
	if addr, ok := w.httpAddr.Load().(string); ok {
		return addr
	}
	return ""
}

// Start joins the cluster, starts the envelope pipeline, and serves the API
// until Shutdown or a listener failure.
func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info().Msg("Registering with cluster membership...")
	if err := w.membership.Register(ctx); err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}
	if err := w.membership.Watch(ctx, w.coordinator); err != nil {
		return fmt.Errorf("failed to watch cluster membership: %w", err)
	}

	w.logger.Info().Msg("Envelope pipeline starting...")
	if err := w.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start envelope consumer: %w", err)
	}

	ln, err := net.Listen("tcp", w.cfg.HTTPListenAddr)
	if err != nil {
		return fmt.Errorf("API listener failed: %w", err)
	}
	w.httpAddr.Store(ln.Addr().String())
	w.logger.Info().Str("address", ln.Addr().String()).Msg("HTTP listener is active.")

	serverErrChan := make(chan error, 1)
	go func() {
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrChan <- err
		}
		close(serverErrChan)
	}()

	w.ready.Store(true)
	w.logger.Info().Msg("Service is now ready.")

	select {
	case err := <-serverErrChan:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown gracefully stops all service components in the correct order:
// leave the cluster, stop message flow, stop the API, then close the
// remaining sessions.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	w.ready.Store(false)
	var finalErr error

	if err := w.membership.Deregister(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Membership deregistration failed.")
		finalErr = err
	}
	w.membership.Close()
	w.coordinator.Close()

	if err := w.deps.Bus.Close(); err != nil {
		w.logger.Error().Err(err).Msg("Message bus shutdown failed.")
		finalErr = err
	}

	if err := w.server.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("HTTP server shutdown failed.")
		finalErr = err
	}

	w.registry.Shutdown()
	w.dedup.Stop()

	w.logger.Info().Msg("All components shut down.")
	return finalErr
}

// --- Private Helpers ---

func (w *Wrapper) healthzHandler(rw http.ResponseWriter, _ *http.Request) {
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("ok"))
}

func (w *Wrapper) readyzHandler(rw http.ResponseWriter, _ *http.Request) {
	if !w.ready.Load() {
		http.Error(rw, "not ready", http.StatusServiceUnavailable)
		return
	}
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("ok"))
}
