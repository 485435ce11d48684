// --- File: internal/pipeline/consumer.go ---

// Package pipeline moves envelopes from the durable queue to user devices.
// The consumer resolves shard ownership for every envelope and either
// processes it locally or forwards it to the owning shard's delivery topic;
// the router picks the live or offline lane for notifications; the
// broadcaster fans sync events out across a user's devices.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/internal/queue"
	"github.com/tinywideclouds/go-delivery-service/internal/telemetry"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

const (
	// IngressTopic receives every envelope published by the API layer.
	IngressTopic = "notify.ingress"
	// GroupRouters is the consumer group that spreads ingress work across
	// instances.
	GroupRouters = "routers"
	// GroupDelivery is the consumer group each instance uses on its own
	// delivery topic.
	GroupDelivery = "delivery"

	deliveryTopicPrefix = "delivery."

	defaultHandlerTimeout = 10 * time.Second
	defaultMaxHops        = 3
)

// DeliveryTopic names the per-shard topic an envelope is forwarded to when
// the consuming instance does not own its routing key.
func DeliveryTopic(shardID string) string {
	return deliveryTopicPrefix + shardID
}

// ShardLookup resolves routing keys against the current ring.
type ShardLookup interface {
	// LocalID is this instance's shard identity.
	LocalID() string
	// Owner returns the shard owning key. ok is false while the ring is
	// empty.
	Owner(key string) (owner string, ok bool)
}

// ConsumerConfig carries the tunables of the envelope consumer.
type ConsumerConfig struct {
	// HandlerTimeout bounds the processing of one envelope. Defaults to 10s.
	HandlerTimeout time.Duration
	// MaxHops bounds inter-shard forwarding during ring churn. An envelope
	// that would exceed it errors out and ends up in the dead-letter topic.
	// Defaults to 3.
	MaxHops int
	// Workers bounds how many envelopes are processed concurrently across
	// both topics. Zero leaves concurrency to the bus adapter.
	Workers int
}

// Consumer subscribes this instance to the ingress topic and to its own
// delivery topic, and routes every envelope to where it belongs.
type Consumer struct {
	bus         queue.MessageBus
	shards      ShardLookup
	router      *Router
	broadcaster *Broadcaster
	metrics     *telemetry.Metrics
	logger      zerolog.Logger

	handlerTimeout time.Duration
	maxHops        int
	sem            chan struct{}
}

// NewConsumer creates a Consumer and validates its dependencies.
func NewConsumer(
	cfg ConsumerConfig,
	bus queue.MessageBus,
	shards ShardLookup,
	router *Router,
	broadcaster *Broadcaster,
	metrics *telemetry.Metrics,
	logger zerolog.Logger,
) (*Consumer, error) {
	if bus == nil {
		return nil, fmt.Errorf("message bus cannot be nil")
	}
	if shards == nil {
		return nil, fmt.Errorf("shard lookup cannot be nil")
	}
	if router == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}
	if broadcaster == nil {
		return nil, fmt.Errorf("broadcaster cannot be nil")
	}
	if metrics == nil {
		return nil, fmt.Errorf("metrics cannot be nil")
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = defaultMaxHops
	}
	c := &Consumer{
		bus:            bus,
		shards:         shards,
		router:         router,
		broadcaster:    broadcaster,
		metrics:        metrics,
		logger:         logger.With().Str("component", "Consumer").Logger(),
		handlerTimeout: cfg.HandlerTimeout,
		maxHops:        cfg.MaxHops,
	}
	if cfg.Workers > 0 {
		c.sem = make(chan struct{}, cfg.Workers)
	}
	return c, nil
}

// Start subscribes to the ingress topic and to this shard's delivery topic.
// Subscriptions live until ctx is cancelled or the bus closes.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.bus.Subscribe(ctx, IngressTopic, GroupRouters, c.handlerFor(IngressTopic)); err != nil {
		return fmt.Errorf("failed to subscribe to ingress topic: %w", err)
	}
	local := DeliveryTopic(c.shards.LocalID())
	if err := c.bus.Subscribe(ctx, local, GroupDelivery, c.handlerFor(local)); err != nil {
		return fmt.Errorf("failed to subscribe to delivery topic %s: %w", local, err)
	}
	c.logger.Info().Str("delivery_topic", local).Msg("Consumer started.")
	return nil
}

func (c *Consumer) handlerFor(topic string) queue.Handler {
	return func(ctx context.Context, key string, payload []byte, attempt int) error {
		if c.sem != nil {
			select {
			case c.sem <- struct{}{}:
				defer func() { <-c.sem }()
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		start := time.Now()
		err := c.handleEnvelope(ctx, payload)
		c.metrics.HandlerDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds())
		if err != nil {
			c.logger.Warn().
				Err(err).
				Str("topic", topic).
				Str("key", key).
				Int("attempt", attempt).
				Msg("Envelope handling failed.")
		}
		return err
	}
}

// handleEnvelope is the shared path for both topics. On the ingress topic a
// remote owner is the normal case; on a delivery topic it means the ring
// moved between publish and consume, and the envelope is forwarded again.
func (c *Consumer) handleEnvelope(ctx context.Context, payload []byte) error {
	hctx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	env, err := delivery.DecodeEnvelope(payload)
	if err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}

	userID := env.UserID()
	owner, ok := c.shards.Owner(userID)
	if !ok {
		return fmt.Errorf("no shard owns key %s: ring is empty", userID)
	}
	if owner != c.shards.LocalID() {
		return c.forward(hctx, env, owner)
	}
	return c.process(hctx, env)
}

func (c *Consumer) forward(ctx context.Context, env *delivery.Envelope, owner string) error {
	if env.Hops >= c.maxHops {
		return fmt.Errorf("hop budget exhausted for user %s after %d hops", env.UserID(), env.Hops)
	}
	env.Hops++

	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope for forwarding: %w", err)
	}
	if err := c.bus.Publish(ctx, DeliveryTopic(owner), env.UserID(), data); err != nil {
		return fmt.Errorf("failed to forward envelope to shard %s: %w", owner, err)
	}
	c.metrics.Forwards.Inc()
	c.logger.Debug().
		Str("user_id", env.UserID()).
		Str("owner", owner).
		Int("hops", env.Hops).
		Msg("Forwarded envelope to owning shard.")
	return nil
}

func (c *Consumer) process(ctx context.Context, env *delivery.Envelope) error {
	switch env.Kind {
	case delivery.EnvelopeNotification:
		_, err := c.router.RouteNotification(ctx, env.Notification)
		return err
	case delivery.EnvelopeSync:
		_, err := c.broadcaster.Broadcast(ctx, env.Sync)
		return err
	default:
		return fmt.Errorf("%w: %q", delivery.ErrUnknownEnvelopeKind, env.Kind)
	}
}
