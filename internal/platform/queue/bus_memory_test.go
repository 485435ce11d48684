package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-delivery-service/internal/queue"
)

// capture is a thread-safe message collector for subscription handlers.
type capture struct {
	mu   sync.Mutex
	msgs []capturedMessage
}

type capturedMessage struct {
	key     string
	payload string
	attempt int
}

func (c *capture) handler() queue.Handler {
	return func(_ context.Context, key string, payload []byte, attempt int) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.msgs = append(c.msgs, capturedMessage{key: key, payload: string(payload), attempt: attempt})
		return nil
	}
}

func (c *capture) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *capture) snapshot() []capturedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]capturedMessage(nil), c.msgs...)
}

func newTestBus(t *testing.T, cfg MemoryBusConfig) *MemoryBus {
	t.Helper()
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 5 * time.Millisecond
	}
	bus := NewMemoryBus(cfg, zerolog.Nop())
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestPublishReachesSubscriber(t *testing.T) {
	bus := newTestBus(t, MemoryBusConfig{})
	ctx := context.Background()

	sink := &capture{}
	require.NoError(t, bus.Subscribe(ctx, "notify.ingress", "routers", sink.handler()))

	require.NoError(t, bus.Publish(ctx, "notify.ingress", "user-1", []byte("hello")))

	require.Eventually(t, func() bool { return sink.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	got := sink.snapshot()[0]
	assert.Equal(t, "user-1", got.key)
	assert.Equal(t, "hello", got.payload)
	assert.Equal(t, 1, got.attempt)
}

func TestPerKeyOrderingPreserved(t *testing.T) {
	bus := newTestBus(t, MemoryBusConfig{})
	ctx := context.Background()

	var mu sync.Mutex
	byKey := make(map[string][]int)
	handler := func(_ context.Context, key string, payload []byte, _ int) error {
		seq, err := strconv.Atoi(string(payload))
		if err != nil {
			return err
		}
		mu.Lock()
		byKey[key] = append(byKey[key], seq)
		mu.Unlock()
		return nil
	}
	require.NoError(t, bus.Subscribe(ctx, "notify.ingress", "routers", handler))

	keys := []string{"user-1", "user-2", "user-3"}
	const perKey = 100
	for seq := 0; seq < perKey; seq++ {
		for _, key := range keys {
			require.NoError(t, bus.Publish(ctx, "notify.ingress", key, []byte(strconv.Itoa(seq))))
		}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		total := 0
		for _, seqs := range byKey {
			total += len(seqs)
		}
		return total == perKey*len(keys)
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, key := range keys {
		require.Len(t, byKey[key], perKey)
		for i, seq := range byKey[key] {
			require.Equal(t, i, seq, "key %s delivered out of order", key)
		}
	}
}

// A message whose handler keeps failing is retried up to the attempt ceiling
// and then parked on the dead-letter topic. The handler must see exactly
// MaxAttempts invocations, no more.
func TestRetryThenDeadLetter(t *testing.T) {
	bus := newTestBus(t, MemoryBusConfig{MaxAttempts: 3})
	ctx := context.Background()

	var attempts atomic.Int32
	var attemptsAtDeadLetter atomic.Int32
	failing := func(_ context.Context, _ string, _ []byte, _ int) error {
		attempts.Add(1)
		return errors.New("downstream unavailable")
	}

	deadLetters := &capture{}
	dlqHandler := func(ctx context.Context, key string, payload []byte, attempt int) error {
		attemptsAtDeadLetter.Store(attempts.Load())
		return deadLetters.handler()(ctx, key, payload, attempt)
	}

	var hookedTopics []string
	var hookMu sync.Mutex
	bus.OnDeadLetter(func(topic string) {
		hookMu.Lock()
		hookedTopics = append(hookedTopics, topic)
		hookMu.Unlock()
	})

	require.NoError(t, bus.Subscribe(ctx, "notify.ingress", "routers", failing))
	require.NoError(t, bus.Subscribe(ctx, queue.DeadLetterTopic("notify.ingress"), "parking", dlqHandler))

	require.NoError(t, bus.Publish(ctx, "notify.ingress", "user-1", []byte("poison")))

	require.Eventually(t, func() bool { return deadLetters.len() == 1 }, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(3), attemptsAtDeadLetter.Load(),
		"message must be dead-lettered after the third failure, not before")
	got := deadLetters.snapshot()[0]
	assert.Equal(t, "user-1", got.key)
	assert.Equal(t, "poison", got.payload)

	// Give the dispatcher room to misbehave, then confirm no fourth attempt.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())

	hookMu.Lock()
	defer hookMu.Unlock()
	assert.Equal(t, []string{"notify.ingress"}, hookedTopics,
		"the dead-letter hook must fire once with the origin topic")
}

func TestRetrySucceedsBeforeCeiling(t *testing.T) {
	bus := newTestBus(t, MemoryBusConfig{MaxAttempts: 5})
	ctx := context.Background()

	var mu sync.Mutex
	var seenAttempts []int
	flaky := func(_ context.Context, _ string, _ []byte, attempt int) error {
		mu.Lock()
		seenAttempts = append(seenAttempts, attempt)
		mu.Unlock()
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	}
	deadLetters := &capture{}
	require.NoError(t, bus.Subscribe(ctx, "notify.ingress", "routers", flaky))
	require.NoError(t, bus.Subscribe(ctx, queue.DeadLetterTopic("notify.ingress"), "parking", deadLetters.handler()))

	require.NoError(t, bus.Publish(ctx, "notify.ingress", "user-1", []byte("eventually fine")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seenAttempts) == 3
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, seenAttempts, "attempt numbers must increment per redelivery")
	mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, deadLetters.len(), "a recovered message must not be dead-lettered")
}

// Head-of-line retries stall only the failing key's partition; keys hashed
// to other partitions keep flowing.
func TestFailingKeyDoesNotBlockOtherPartitions(t *testing.T) {
	bus := newTestBus(t, MemoryBusConfig{MaxAttempts: 3, RetryBackoff: 50 * time.Millisecond})
	ctx := context.Background()

	healthy := &capture{}
	handler := func(hctx context.Context, key string, payload []byte, attempt int) error {
		if key == "poison-key" {
			return errors.New("still broken")
		}
		return healthy.handler()(hctx, key, payload, attempt)
	}
	require.NoError(t, bus.Subscribe(ctx, "notify.ingress", "routers", handler))

	require.NoError(t, bus.Publish(ctx, "notify.ingress", "poison-key", []byte("stuck")))
	require.NoError(t, bus.Publish(ctx, "notify.ingress", "healthy-key", []byte("flowing")))

	// The healthy key clears well before the poison key finishes backing off.
	require.Eventually(t, func() bool { return healthy.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "healthy-key", healthy.snapshot()[0].key)
}

func TestEachGroupGetsItsOwnCopy(t *testing.T) {
	bus := newTestBus(t, MemoryBusConfig{})
	ctx := context.Background()

	groupA := &capture{}
	groupB := &capture{}
	require.NoError(t, bus.Subscribe(ctx, "notify.ingress", "routers", groupA.handler()))
	require.NoError(t, bus.Subscribe(ctx, "notify.ingress", "auditors", groupB.handler()))

	require.NoError(t, bus.Publish(ctx, "notify.ingress", "user-1", []byte("fan-out")))

	require.Eventually(t, func() bool {
		return groupA.len() == 1 && groupB.len() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMessagesBeforeSubscribeAreDropped(t *testing.T) {
	bus := newTestBus(t, MemoryBusConfig{})
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "notify.ingress", "user-1", []byte("too early")))

	sink := &capture{}
	require.NoError(t, bus.Subscribe(ctx, "notify.ingress", "routers", sink.handler()))
	require.NoError(t, bus.Publish(ctx, "notify.ingress", "user-1", []byte("on time")))

	require.Eventually(t, func() bool { return sink.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "on time", sink.snapshot()[0].payload)
}

func TestDuplicateGroupSubscriptionFails(t *testing.T) {
	bus := newTestBus(t, MemoryBusConfig{})
	ctx := context.Background()

	sink := &capture{}
	require.NoError(t, bus.Subscribe(ctx, "notify.ingress", "routers", sink.handler()))
	err := bus.Subscribe(ctx, "notify.ingress", "routers", sink.handler())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already subscribed")

	require.Error(t, bus.Subscribe(ctx, "notify.ingress", "routers", nil))
}

func TestClosedBusRefusesWork(t *testing.T) {
	bus := NewMemoryBus(MemoryBusConfig{}, zerolog.Nop())
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close(), "closing twice must be safe")

	err := bus.Publish(context.Background(), "notify.ingress", "user-1", []byte("late"))
	require.ErrorIs(t, err, queue.ErrBusClosed)

	err = bus.Subscribe(context.Background(), "notify.ingress", "routers", (&capture{}).handler())
	require.ErrorIs(t, err, queue.ErrBusClosed)
}

func TestPartitionForIsStable(t *testing.T) {
	for i := 0; i < 32; i++ {
		key := fmt.Sprintf("user-%d", i)
		first := partitionFor(key, 16)
		assert.Equal(t, first, partitionFor(key, 16))
		assert.Less(t, first, 16)
		assert.GreaterOrEqual(t, first, 0)
	}
}
