// --- File: internal/platform/queue/bus_memory.go ---
package queue

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/internal/queue"
)

const (
	defaultPartitions   = 16
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 200 * time.Millisecond

	// maxMemoryBackoff caps the doubling so a poisoned key cannot stall its
	// partition for minutes.
	maxMemoryBackoff = 30 * time.Second
)

// MemoryBusConfig tunes the in-process bus. Zero values take defaults.
type MemoryBusConfig struct {
	// Partitions is the number of ordering lanes per consumer group.
	Partitions int
	// MaxAttempts is the delivery ceiling before a message is dead-lettered.
	MaxAttempts int
	// RetryBackoff is the initial delay between attempts; it doubles on
	// each subsequent retry.
	RetryBackoff time.Duration
}

func (c *MemoryBusConfig) applyDefaults() {
	if c.Partitions <= 0 {
		c.Partitions = defaultPartitions
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
}

// MemoryBus implements queue.MessageBus entirely in process. Each consumer
// group gets its own set of partitions; a message's key hashes to one
// partition, and each partition dispatches serially, which is what preserves
// per-key ordering. Local development and tests run on this bus.
type MemoryBus struct {
	cfg    MemoryBusConfig
	logger zerolog.Logger

	mu           sync.RWMutex
	topics       map[string]*memoryTopic
	onDeadLetter func(topic string)
	closed       bool

	busCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type memoryTopic struct {
	groups map[string]*memoryGroup
}

type memoryGroup struct {
	partitions []*memoryPartition
}

// memoryPartition is an unbounded FIFO with a single dispatcher. wake has
// capacity one so a push between a failed pop and the wait cannot be lost.
type memoryPartition struct {
	mu   sync.Mutex
	buf  []memoryMessage
	wake chan struct{}
}

type memoryMessage struct {
	key     string
	payload []byte
}

// NewMemoryBus is the constructor for the in-process bus.
func NewMemoryBus(cfg MemoryBusConfig, logger zerolog.Logger) *MemoryBus {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		cfg:    cfg,
		logger: logger.With().Str("component", "MemoryBus").Logger(),
		topics: make(map[string]*memoryTopic),
		busCtx: ctx,
		cancel: cancel,
	}
}

// OnDeadLetter registers fn to be called with the origin topic each time a
// message is parked on that topic's dead-letter topic. Telemetry wiring uses
// it; fn must not block.
func (b *MemoryBus) OnDeadLetter(fn func(topic string)) {
	b.mu.Lock()
	b.onDeadLetter = fn
	b.mu.Unlock()
}

// Publish appends the message to the key's partition in every consumer group
// of the topic. A topic nobody has subscribed to drops the message, matching
// broker behaviour for subscription-less topics.
func (b *MemoryBus) Publish(_ context.Context, topic, key string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return queue.ErrBusClosed
	}
	var targets []*memoryPartition
	if t := b.topics[topic]; t != nil {
		for _, g := range t.groups {
			targets = append(targets, g.partitions[partitionFor(key, len(g.partitions))])
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		b.logger.Debug().Str("topic", topic).Msg("Dropping message for topic with no subscribers.")
		return nil
	}
	msg := memoryMessage{key: key, payload: payload}
	for _, p := range targets {
		p.push(msg)
	}
	return nil
}

// Subscribe registers h as the group's handler and starts one dispatcher per
// partition. A group receives messages published after it subscribed.
func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, h queue.Handler) error {
	if h == nil {
		return fmt.Errorf("handler for topic %q cannot be nil", topic)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return queue.ErrBusClosed
	}
	t := b.topics[topic]
	if t == nil {
		t = &memoryTopic{groups: make(map[string]*memoryGroup)}
		b.topics[topic] = t
	}
	if _, exists := t.groups[group]; exists {
		b.mu.Unlock()
		return fmt.Errorf("group %q is already subscribed to topic %q", group, topic)
	}
	g := &memoryGroup{partitions: make([]*memoryPartition, b.cfg.Partitions)}
	for i := range g.partitions {
		g.partitions[i] = &memoryPartition{wake: make(chan struct{}, 1)}
	}
	t.groups[group] = g
	b.mu.Unlock()

	for i, p := range g.partitions {
		b.wg.Add(1)
		go b.dispatch(ctx, topic, group, i, p, h)
	}
	b.logger.Info().Str("topic", topic).Str("group", group).Int("partitions", b.cfg.Partitions).
		Msg("Subscription established.")
	return nil
}

// Close stops all dispatchers and waits for in-flight handlers to return.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	b.logger.Info().Msg("Memory bus closed.")
	return nil
}

// --- Private Helpers ---

func (p *memoryPartition) push(msg memoryMessage) {
	p.mu.Lock()
	p.buf = append(p.buf, msg)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *memoryPartition) pop() (memoryMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) == 0 {
		return memoryMessage{}, false
	}
	msg := p.buf[0]
	p.buf = p.buf[1:]
	return msg, true
}

// dispatch is the per-partition loop: pop, process to completion, repeat.
// A failing message is retried in place so later messages with the same key
// never overtake it.
func (b *MemoryBus) dispatch(ctx context.Context, topic, group string, part int, p *memoryPartition, h queue.Handler) {
	defer b.wg.Done()
	log := b.logger.With().Str("topic", topic).Str("group", group).Int("partition", part).Logger()

	for {
		msg, ok := p.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-b.busCtx.Done():
				return
			case <-p.wake:
				continue
			}
		}
		b.process(ctx, log, topic, msg, h)
	}
}

// process drives one message through the retry schedule and dead-letters it
// when the attempt ceiling is hit.
func (b *MemoryBus) process(ctx context.Context, log zerolog.Logger, topic string, msg memoryMessage, h queue.Handler) {
	backoff := b.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := h(ctx, msg.key, msg.payload, attempt)
		if err == nil {
			return
		}
		if attempt >= b.cfg.MaxAttempts {
			log.Warn().Err(err).Str("key", msg.key).Int("attempts", attempt).
				Msg("Delivery attempts exhausted. Dead-lettering message.")
			b.deadLetter(ctx, topic, msg)
			return
		}
		log.Debug().Err(err).Str("key", msg.key).Int("attempt", attempt).Dur("backoff", backoff).
			Msg("Handler failed. Retrying after backoff.")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-b.busCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if backoff < maxMemoryBackoff {
			backoff *= 2
		}
	}
}

func (b *MemoryBus) deadLetter(ctx context.Context, topic string, msg memoryMessage) {
	if queue.IsDeadLetterTopic(topic) {
		b.logger.Error().Str("topic", topic).Str("key", msg.key).
			Msg("Message failed on a dead-letter topic. Dropping it.")
		return
	}
	if err := b.Publish(ctx, queue.DeadLetterTopic(topic), msg.key, msg.payload); err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Str("key", msg.key).
			Msg("Failed to publish to dead-letter topic.")
		return
	}
	b.notifyDeadLetter(topic)
}

func (b *MemoryBus) notifyDeadLetter(topic string) {
	b.mu.RLock()
	fn := b.onDeadLetter
	b.mu.RUnlock()
	if fn != nil {
		fn(topic)
	}
}

func partitionFor(key string, partitions int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(partitions))
}
