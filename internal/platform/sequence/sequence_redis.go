// --- File: internal/platform/sequence/sequence_redis.go ---
package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrNoSequence marks a failed allocation. Callers treat it as transient and
// surface it without assigning a number.
var ErrNoSequence = errors.New("sequence unavailable")

// sequenceClient defines the interface we need from go-redis.
type sequenceClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// RedisSequencer allocates per-user sequences with INCR, so every instance
// hands out numbers from the same monotonic counter.
type RedisSequencer struct {
	client sequenceClient
}

// NewRedisSequencer is the constructor for the Redis-backed sequencer.
func NewRedisSequencer(client sequenceClient) (*RedisSequencer, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisSequencer{client: client}, nil
}

// Next increments and returns the user's counter, starting at 1.
func (s *RedisSequencer) Next(ctx context.Context, userID string) (uint64, error) {
	val, err := s.client.Incr(ctx, sequenceKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w for user %s: %v", ErrNoSequence, userID, err)
	}
	return uint64(val), nil
}

// --- Private Helpers ---

func sequenceKey(userID string) string { return fmt.Sprintf("seq:%s", userID) }
