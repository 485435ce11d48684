// --- File: internal/coordinator/coordinator.go ---

// Package coordinator binds cluster membership to the consistent-hash ring
// and walks local sessions off this instance when their ownership moves to a
// peer.
package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/internal/telemetry"
	"github.com/tinywideclouds/go-delivery-service/pkg/ring"
)

const (
	defaultMigrationGrace = 30 * time.Second
	defaultDrainInterval  = 500 * time.Millisecond
)

// SessionRegistry is the slice of the connection registry the coordinator
// needs to migrate users away.
type SessionRegistry interface {
	Users() []string
	MarkMigrating(userID, newOwner string)
	PurgeIfEmpty(userID string) bool
	ForcePurge(userID string)
}

// Config carries the coordinator's identity and migration tunables.
type Config struct {
	// InstanceID is this instance's shard identity on the ring.
	InstanceID string
	// Replicas is the virtual-node factor per instance. Non-positive picks
	// the ring default.
	Replicas int
	// MigrationGrace bounds how long a migrating user's sessions may linger
	// before they are force-purged. Defaults to 30s.
	MigrationGrace time.Duration
	// DrainInterval is how often a migration walker re-checks whether the
	// user's sessions are gone. Defaults to 500ms.
	DrainInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MigrationGrace <= 0 {
		c.MigrationGrace = defaultMigrationGrace
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = defaultDrainInterval
	}
}

// Coordinator reacts to membership events by updating the ring, and when
// ownership of locally connected users moves away it marks them migrating,
// waits for their sessions to drain, and force-purges stragglers after the
// grace period. It also keeps the advertise addresses of peers so the
// connect endpoint can redirect clients to their owner.
type Coordinator struct {
	cfg      Config
	ring     *ring.Ring
	registry SessionRegistry
	metrics  *telemetry.Metrics
	logger   zerolog.Logger

	mu    sync.RWMutex
	addrs map[string]string

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Coordinator with an empty ring. Membership arrives through
// OnNodeJoin and OnNodeLeave, normally wired to a discovery watch.
func New(cfg Config, registry SessionRegistry, metrics *telemetry.Metrics, logger zerolog.Logger) (*Coordinator, error) {
	if cfg.InstanceID == "" {
		return nil, fmt.Errorf("instance id cannot be empty")
	}
	if registry == nil {
		return nil, fmt.Errorf("session registry cannot be nil")
	}
	if metrics == nil {
		return nil, fmt.Errorf("metrics cannot be nil")
	}
	cfg.applyDefaults()

	return &Coordinator{
		cfg:      cfg,
		ring:     ring.New(cfg.Replicas, nil),
		registry: registry,
		metrics:  metrics,
		logger:   logger.With().Str("component", "Coordinator").Str("instance_id", cfg.InstanceID).Logger(),
		addrs:    make(map[string]string),
		stopCh:   make(chan struct{}),
	}, nil
}

// LocalID is this instance's shard identity.
func (c *Coordinator) LocalID() string {
	return c.cfg.InstanceID
}

// Owner resolves the shard owning key. ok is false while the ring is empty.
func (c *Coordinator) Owner(key string) (string, bool) {
	return c.ring.Owner(key)
}

// Nodes returns the current ring membership, sorted.
func (c *Coordinator) Nodes() []string {
	return c.ring.Nodes()
}

// AddrOf returns the advertise address of a shard, if known.
func (c *Coordinator) AddrOf(shardID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	addr, ok := c.addrs[shardID]
	return addr, ok
}

// OnNodeJoin adds the instance to the ring and rebalances. Duplicate joins
// (watch resyncs replay them) are cheap no-ops.
func (c *Coordinator) OnNodeJoin(instanceID, addr string) {
	c.mu.Lock()
	known, ok := c.addrs[instanceID]
	c.addrs[instanceID] = addr
	c.mu.Unlock()
	if ok && known == addr && c.ring.Contains(instanceID) {
		return
	}

	c.ring.AddNode(instanceID)
	c.metrics.RingSize.Set(float64(c.ring.Size()))
	c.logger.Info().Str("peer", instanceID).Str("addr", addr).Int("ring_size", c.ring.Size()).Msg("Instance joined the ring.")
	c.rebalance()
}

// OnNodeLeave removes the instance from the ring and rebalances.
func (c *Coordinator) OnNodeLeave(instanceID string) {
	c.mu.Lock()
	delete(c.addrs, instanceID)
	c.mu.Unlock()

	if !c.ring.Contains(instanceID) {
		return
	}
	c.ring.RemoveNode(instanceID)
	c.metrics.RingSize.Set(float64(c.ring.Size()))
	c.logger.Info().Str("peer", instanceID).Int("ring_size", c.ring.Size()).Msg("Instance left the ring.")
	c.rebalance()
}

// Close stops the migration walkers and waits for them.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

// rebalance walks the locally connected users and starts a migration for
// every user the ring no longer assigns to this instance. Marking sends
// reconnect hints and refuses new sessions; the walker then waits for the
// sessions to drain on their own before forcing the issue.
func (c *Coordinator) rebalance() {
	for _, userID := range c.registry.Users() {
		owner, ok := c.ring.Owner(userID)
		if !ok || owner == c.cfg.InstanceID {
			continue
		}
		c.registry.MarkMigrating(userID, owner)
		c.logger.Debug().Str("user_id", userID).Str("new_owner", owner).Msg("User ownership moved; migration started.")

		c.wg.Add(1)
		go c.drain(userID)
	}
}

func (c *Coordinator) drain(userID string) {
	defer c.wg.Done()

	deadline := time.NewTimer(c.cfg.MigrationGrace)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-deadline.C:
			c.registry.ForcePurge(userID)
			c.logger.Warn().Str("user_id", userID).Msg("Migration grace expired; sessions force-purged.")
			return
		case <-ticker.C:
			if c.registry.PurgeIfEmpty(userID) {
				c.logger.Debug().Str("user_id", userID).Msg("Migrating user drained.")
				return
			}
		}
	}
}
