// --- File: internal/platform/queue/bus_redis.go ---
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/internal/queue"
)

// streamsClient defines the interface we need from go-redis.
type streamsClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
}

// RedisStreamsConfig tunes the streams adapter. Zero values take defaults.
type RedisStreamsConfig struct {
	// ConsumerID names this process inside each consumer group. Use the
	// instance ID so pending entries are attributable.
	ConsumerID string
	// Partitions is the number of streams per topic.
	Partitions int
	// MaxAttempts is the delivery ceiling before dead-lettering.
	MaxAttempts int
	// VisibilityTimeout is how long a pending entry may sit unacknowledged
	// before another pass reclaims and redelivers it.
	VisibilityTimeout time.Duration
	// BlockInterval is the XREADGROUP block time per poll.
	BlockInterval time.Duration
	// BatchSize is the max entries fetched per read or reclaim.
	BatchSize int
}

func (c *RedisStreamsConfig) applyDefaults() {
	if c.ConsumerID == "" {
		c.ConsumerID = "delivery-consumer"
	}
	if c.Partitions <= 0 {
		c.Partitions = defaultPartitions
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	if c.BlockInterval <= 0 {
		c.BlockInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
}

// RedisStreamsBus implements queue.MessageBus on Redis Streams. Each topic
// fans out over cfg.Partitions streams named `<topic>:pN`; a message's key
// hashes to one stream, and each (group, stream) pair gets a single serial
// dispatcher, which preserves per-key ordering within this process.
//
// Retries ride the pending-entries list: a failed delivery is simply not
// acknowledged, and a later pass reclaims it via XAUTOCLAIM once it has been
// idle past the visibility timeout. The entry's delivery count doubles as
// the attempt number, so the ceiling survives restarts.
type RedisStreamsBus struct {
	cfg    RedisStreamsConfig
	client streamsClient
	logger zerolog.Logger

	mu           sync.Mutex
	onDeadLetter func(topic string)
	closed       bool

	busCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisStreamsBus is the constructor for the streams-backed bus.
func NewRedisStreamsBus(cfg RedisStreamsConfig, client streamsClient, logger zerolog.Logger) (*RedisStreamsBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisStreamsBus{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "RedisStreamsBus").Logger(),
		busCtx: ctx,
		cancel: cancel,
	}, nil
}

// Publish appends the message to the key's partition stream for topic.
func (b *RedisStreamsBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if b.isClosed() {
		return queue.ErrBusClosed
	}
	stream := streamKey(topic, partitionFor(key, b.cfg.Partitions))
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			fieldKey:     key,
			fieldPayload: payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to xadd to stream %s: %w", stream, err)
	}
	return nil
}

// Subscribe creates the consumer group on every partition stream of topic
// and starts one dispatcher per stream.
func (b *RedisStreamsBus) Subscribe(ctx context.Context, topic, group string, h queue.Handler) error {
	if h == nil {
		return fmt.Errorf("handler for topic %q cannot be nil", topic)
	}
	if b.isClosed() {
		return queue.ErrBusClosed
	}

	for p := 0; p < b.cfg.Partitions; p++ {
		stream := streamKey(topic, p)
		err := b.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("failed to create group %s on stream %s: %w", group, stream, err)
		}
	}

	for p := 0; p < b.cfg.Partitions; p++ {
		stream := streamKey(topic, p)
		b.wg.Add(1)
		go b.dispatch(ctx, topic, group, stream, h)
	}
	b.logger.Info().Str("topic", topic).Str("group", group).Int("partitions", b.cfg.Partitions).
		Msg("Subscription established on partition streams.")
	return nil
}

// Close stops the dispatchers and waits for in-flight handlers.
func (b *RedisStreamsBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	b.logger.Info().Msg("Redis streams bus closed.")
	return nil
}

// --- Private Helpers ---

const (
	fieldKey     = "key"
	fieldPayload = "payload"
)

func streamKey(topic string, partition int) string {
	return fmt.Sprintf("%s:p%d", topic, partition)
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func (b *RedisStreamsBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// dispatch is the per-stream loop: reclaim entries idle past the visibility
// timeout first, then block for fresh ones.
func (b *RedisStreamsBus) dispatch(ctx context.Context, topic, group, stream string, h queue.Handler) {
	defer b.wg.Done()
	log := b.logger.With().Str("topic", topic).Str("group", group).Str("stream", stream).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.busCtx.Done():
			return
		default:
		}

		b.reclaimStalled(ctx, log, topic, group, stream, h)
		b.readFresh(ctx, log, topic, group, stream, h)
	}
}

// reclaimStalled picks up entries another (or a crashed) pass left pending
// and redelivers them with their recorded delivery count as the attempt.
func (b *RedisStreamsBus) reclaimStalled(ctx context.Context, log zerolog.Logger, topic, group, stream string, h queue.Handler) {
	claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: b.cfg.ConsumerID,
		MinIdle:  b.cfg.VisibilityTimeout,
		Start:    "0-0",
		Count:    int64(b.cfg.BatchSize),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if ctx.Err() == nil && b.busCtx.Err() == nil {
			log.Error().Err(err).Msg("Failed to reclaim stalled entries.")
		}
		return
	}

	for _, msg := range claimed {
		attempt := b.deliveryCount(ctx, log, group, stream, msg.ID)
		b.processEntry(ctx, log, topic, group, stream, msg, attempt, h)
	}
}

// readFresh blocks for new entries; each is a first delivery.
func (b *RedisStreamsBus) readFresh(ctx context.Context, log zerolog.Logger, topic, group, stream string, h queue.Handler) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: b.cfg.ConsumerID,
		Streams:  []string{stream, ">"},
		Count:    int64(b.cfg.BatchSize),
		Block:    b.cfg.BlockInterval,
	}).Result()
	if err != nil {
		// redis.Nil means the block interval elapsed without entries.
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil && b.busCtx.Err() == nil {
			log.Error().Err(err).Msg("Failed to read from stream.")
			// Back off briefly so a dead connection does not spin the loop.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			case <-b.busCtx.Done():
			}
		}
		return
	}

	for _, s := range streams {
		for _, msg := range s.Messages {
			b.processEntry(ctx, log, topic, group, stream, msg, 1, h)
		}
	}
}

// processEntry runs the handler once and settles the entry: acknowledge on
// success, leave pending for a later reclaim below the ceiling, or
// dead-letter and acknowledge at the ceiling.
func (b *RedisStreamsBus) processEntry(ctx context.Context, log zerolog.Logger, topic, group, stream string, msg redis.XMessage, attempt int, h queue.Handler) {
	key, payload, ok := decodeEntry(msg)
	if !ok {
		log.Error().Str("id", msg.ID).Msg("Discarding malformed stream entry.")
		b.ack(ctx, log, stream, group, msg.ID)
		return
	}

	if attempt > b.cfg.MaxAttempts {
		// A previous pass hit the ceiling but crashed before settling.
		b.settleDead(ctx, log, topic, group, stream, msg.ID, key, payload)
		return
	}

	if err := h(ctx, key, payload, attempt); err != nil {
		if attempt >= b.cfg.MaxAttempts {
			log.Warn().Err(err).Str("id", msg.ID).Str("key", key).Int("attempts", attempt).
				Msg("Delivery attempts exhausted. Dead-lettering entry.")
			b.settleDead(ctx, log, topic, group, stream, msg.ID, key, payload)
			return
		}
		log.Debug().Err(err).Str("id", msg.ID).Str("key", key).Int("attempt", attempt).
			Msg("Handler failed. Entry stays pending for reclaim.")
		return
	}
	b.ack(ctx, log, stream, group, msg.ID)
}

// deliveryCount reads the pending-entry delivery counter for id. The reclaim
// itself already incremented it, so it is the current attempt number.
func (b *RedisStreamsBus) deliveryCount(ctx context.Context, log zerolog.Logger, group, stream, id string) int {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		log.Warn().Err(err).Str("id", id).Msg("Could not read delivery count for reclaimed entry.")
		return 2 // claimed at least once after the initial delivery
	}
	return int(pending[0].RetryCount)
}

func (b *RedisStreamsBus) settleDead(ctx context.Context, log zerolog.Logger, topic, group, stream, id, key string, payload []byte) {
	if queue.IsDeadLetterTopic(topic) {
		log.Error().Str("id", id).Str("key", key).
			Msg("Entry failed on a dead-letter topic. Dropping it.")
		b.ack(ctx, log, stream, group, id)
		return
	}
	if err := b.Publish(ctx, queue.DeadLetterTopic(topic), key, payload); err != nil {
		// Leave the entry pending; the next reclaim retries the parking.
		log.Error().Err(err).Str("id", id).Msg("Failed to publish to dead-letter topic.")
		return
	}
	b.ack(ctx, log, stream, group, id)
	b.notifyDeadLetter(topic)
}

// OnDeadLetter registers fn to be called with the origin topic each time an
// entry is parked on that topic's dead-letter stream. fn must not block.
func (b *RedisStreamsBus) OnDeadLetter(fn func(topic string)) {
	b.mu.Lock()
	b.onDeadLetter = fn
	b.mu.Unlock()
}

func (b *RedisStreamsBus) notifyDeadLetter(topic string) {
	b.mu.Lock()
	fn := b.onDeadLetter
	b.mu.Unlock()
	if fn != nil {
		fn(topic)
	}
}

func (b *RedisStreamsBus) ack(ctx context.Context, log zerolog.Logger, stream, group, id string) {
	if err := b.client.XAck(ctx, stream, group, id).Err(); err != nil {
		log.Error().Err(err).Str("id", id).Msg("Failed to acknowledge entry.")
	}
}

func decodeEntry(msg redis.XMessage) (key string, payload []byte, ok bool) {
	rawKey, found := msg.Values[fieldKey]
	if !found {
		return "", nil, false
	}
	key, ok = rawKey.(string)
	if !ok {
		return "", nil, false
	}
	rawPayload, found := msg.Values[fieldPayload]
	if !found {
		return "", nil, false
	}
	s, ok := rawPayload.(string)
	if !ok {
		return "", nil, false
	}
	return key, []byte(s), true
}
