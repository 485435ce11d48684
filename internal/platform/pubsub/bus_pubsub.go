// --- File: internal/platform/pubsub/bus_pubsub.go ---
// Package pubsub contains the Google Cloud Pub/Sub adapter for the message
// bus contract.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-delivery-service/internal/queue"
)

const attrKey = "key"

// PubSubBusConfig tunes the Pub/Sub adapter.
type PubSubBusConfig struct {
	// ProjectID is the GCP project holding the topics.
	ProjectID string
	// MaxAttempts is the delivery ceiling before a message is parked on the
	// dead-letter topic.
	MaxAttempts int
	// EnsureResources creates missing topics and subscriptions on first
	// use. Leave it off when infrastructure is provisioned out of band.
	EnsureResources bool
}

// PubSubBus implements queue.MessageBus on Cloud Pub/Sub. Topics map 1:1 to
// Pub/Sub topics; a consumer group maps to a shared subscription named
// `<topic>.<group>`. Ordering keys carry the per-key FIFO guarantee.
//
// Attempt counting prefers the broker's delivery counter when the
// subscription has a dead-letter policy; otherwise a per-process counter
// keyed by message ID stands in, which resets on restart.
type PubSubBus struct {
	cfg    PubSubBusConfig
	client *pubsub.Client
	logger zerolog.Logger

	mu           sync.Mutex
	publishers   map[string]*pubsub.Publisher
	attempts     map[string]int
	onDeadLetter func(topic string)
	closed       bool

	busCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPubSubBus is the constructor for the Pub/Sub-backed bus. The caller
// retains ownership of the client.
func NewPubSubBus(cfg PubSubBusConfig, client *pubsub.Client, logger zerolog.Logger) (*PubSubBus, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project ID cannot be empty")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PubSubBus{
		cfg:        cfg,
		client:     client,
		logger:     logger.With().Str("component", "PubSubBus").Logger(),
		publishers: make(map[string]*pubsub.Publisher),
		attempts:   make(map[string]int),
		busCtx:     ctx,
		cancel:     cancel,
	}, nil
}

// Publish sends the payload to topic with key as the ordering key.
func (b *PubSubBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	pub, err := b.publisherFor(ctx, topic)
	if err != nil {
		return err
	}

	result := pub.Publish(ctx, &pubsub.Message{
		Data:        payload,
		OrderingKey: key,
		Attributes:  map[string]string{attrKey: key},
	})
	if _, err := result.Get(ctx); err != nil {
		// A failed ordered publish pauses the key until resumed.
		pub.ResumePublish(key)
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// Subscribe attaches h to the group's shared subscription for topic and
// starts the receive loop.
func (b *PubSubBus) Subscribe(ctx context.Context, topic, group string, h queue.Handler) error {
	if h == nil {
		return fmt.Errorf("handler for topic %q cannot be nil", topic)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return queue.ErrBusClosed
	}
	b.mu.Unlock()

	subID := subscriptionID(topic, group)
	if b.cfg.EnsureResources {
		if err := b.ensureTopic(ctx, topic); err != nil {
			return err
		}
		if err := b.ensureSubscription(ctx, topic, subID); err != nil {
			return err
		}
	}

	recvCtx, cancelRecv := context.WithCancel(ctx)
	go func() {
		select {
		case <-b.busCtx.Done():
			cancelRecv()
		case <-recvCtx.Done():
		}
	}()

	sub := b.client.Subscriber(subID)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancelRecv()
		err := sub.Receive(recvCtx, b.messageHandler(topic, h))
		if err != nil && recvCtx.Err() == nil {
			b.logger.Error().Err(err).Str("subscription", subID).Msg("Receive loop ended with error.")
		}
	}()

	b.logger.Info().Str("topic", topic).Str("subscription", subID).Msg("Subscription established.")
	return nil
}

// Close stops all receive loops, waits for in-flight handlers, and flushes
// pending publishes. The underlying client stays open for its owner.
func (b *PubSubBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	publishers := make([]*pubsub.Publisher, 0, len(b.publishers))
	for _, p := range b.publishers {
		publishers = append(publishers, p)
	}
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	for _, p := range publishers {
		p.Stop()
	}
	b.logger.Info().Msg("Pub/Sub bus closed.")
	return nil
}

// --- Private Helpers ---

func subscriptionID(topic, group string) string { return fmt.Sprintf("%s.%s", topic, group) }

func (b *PubSubBus) topicName(topic string) string {
	return fmt.Sprintf("projects/%s/topics/%s", b.cfg.ProjectID, topic)
}

func (b *PubSubBus) subscriptionName(subID string) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", b.cfg.ProjectID, subID)
}

// publisherFor returns the cached ordered publisher for topic, creating the
// topic first when provisioning is on.
func (b *PubSubBus) publisherFor(ctx context.Context, topic string) (*pubsub.Publisher, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, queue.ErrBusClosed
	}
	if p, ok := b.publishers[topic]; ok {
		b.mu.Unlock()
		return p, nil
	}
	b.mu.Unlock()

	if b.cfg.EnsureResources {
		if err := b.ensureTopic(ctx, topic); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, queue.ErrBusClosed
	}
	if p, ok := b.publishers[topic]; ok {
		return p, nil
	}
	p := b.client.Publisher(topic)
	p.EnableMessageOrdering = true
	b.publishers[topic] = p
	return p, nil
}

func (b *PubSubBus) ensureTopic(ctx context.Context, topic string) error {
	_, err := b.client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: b.topicName(topic)})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

func (b *PubSubBus) ensureSubscription(ctx context.Context, topic, subID string) error {
	_, err := b.client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:                  b.subscriptionName(subID),
		Topic:                 b.topicName(topic),
		AckDeadlineSeconds:    10,
		EnableMessageOrdering: true,
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("failed to create subscription %s: %w", subID, err)
	}
	return nil
}

// messageHandler adapts the bus handler to the Pub/Sub receive callback and
// settles each message: ack on success, nack below the ceiling, park and ack
// at the ceiling.
func (b *PubSubBus) messageHandler(topic string, h queue.Handler) func(context.Context, *pubsub.Message) {
	log := b.logger.With().Str("topic", topic).Logger()
	return func(ctx context.Context, msg *pubsub.Message) {
		key := msg.OrderingKey
		if key == "" {
			key = msg.Attributes[attrKey]
		}
		attempt := b.attemptFor(msg)

		if err := h(ctx, key, msg.Data, attempt); err != nil {
			if attempt >= b.cfg.MaxAttempts {
				b.parkMessage(ctx, log, topic, key, msg)
				return
			}
			log.Debug().Err(err).Str("key", key).Int("attempt", attempt).
				Msg("Handler failed. Nacking for redelivery.")
			msg.Nack()
			return
		}
		b.forgetAttempts(msg.ID)
		msg.Ack()
	}
}

func (b *PubSubBus) parkMessage(ctx context.Context, log zerolog.Logger, topic, key string, msg *pubsub.Message) {
	if queue.IsDeadLetterTopic(topic) {
		log.Error().Str("key", key).Msg("Message failed on a dead-letter topic. Dropping it.")
		b.forgetAttempts(msg.ID)
		msg.Ack()
		return
	}
	if err := b.Publish(ctx, queue.DeadLetterTopic(topic), key, msg.Data); err != nil {
		// Keep the message pending; parking is retried on redelivery.
		log.Error().Err(err).Str("key", key).Msg("Failed to publish to dead-letter topic.")
		msg.Nack()
		return
	}
	log.Warn().Str("key", key).Int("attempts", b.cfg.MaxAttempts).
		Msg("Delivery attempts exhausted. Message dead-lettered.")
	b.forgetAttempts(msg.ID)
	msg.Ack()
	b.notifyDeadLetter(topic)
}

// OnDeadLetter registers fn to be called with the origin topic each time a
// message is parked on that topic's dead-letter topic. fn must not block.
func (b *PubSubBus) OnDeadLetter(fn func(topic string)) {
	b.mu.Lock()
	b.onDeadLetter = fn
	b.mu.Unlock()
}

func (b *PubSubBus) notifyDeadLetter(topic string) {
	b.mu.Lock()
	fn := b.onDeadLetter
	b.mu.Unlock()
	if fn != nil {
		fn(topic)
	}
}

// attemptFor prefers the broker-tracked delivery attempt and falls back to a
// per-process counter keyed by message ID.
func (b *PubSubBus) attemptFor(msg *pubsub.Message) int {
	if msg.DeliveryAttempt != nil && *msg.DeliveryAttempt > 0 {
		return *msg.DeliveryAttempt
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts[msg.ID]++
	return b.attempts[msg.ID]
}

func (b *PubSubBus) forgetAttempts(msgID string) {
	b.mu.Lock()
	delete(b.attempts, msgID)
	b.mu.Unlock()
}
