// --- File: internal/platform/discovery/etcd.go ---
// Package discovery announces this instance to the cluster and watches the
// membership prefix so the shard coordinator can react to joins and leaves.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const defaultMembershipPrefix = "/delivery/instances/"

// MembershipHandler receives cluster membership transitions. Calls arrive on
// the watch goroutine, one at a time. Handlers must tolerate duplicate joins
// for an already-known node; resyncs after a watch gap replay them.
type MembershipHandler interface {
	OnNodeJoin(instanceID, addr string)
	OnNodeLeave(instanceID string)
}

// etcdClient defines the interface we need from clientv3.Client.
type etcdClient interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
	Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
}

// NewClient dials an etcd cluster.
func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// MembershipConfig identifies this instance inside the cluster.
type MembershipConfig struct {
	// InstanceID is this instance's shard identity on the ring.
	InstanceID string
	// AdvertiseAddr is the address peers and redirected clients reach this
	// instance on.
	AdvertiseAddr string
	// Prefix is the etcd key prefix holding one key per live instance.
	Prefix string
	// LeaseTTL bounds how long a crashed instance stays in the member list.
	LeaseTTL time.Duration
}

func (c *MembershipConfig) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = defaultMembershipPrefix
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Second
	}
}

// Membership registers this instance under a leased key and streams
// membership changes to a handler.
type Membership struct {
	cfg    MembershipConfig
	cli    etcdClient
	logger zerolog.Logger

	mu      sync.Mutex
	leaseID clientv3.LeaseID

	wg sync.WaitGroup
}

// NewMembership is the constructor for the etcd membership manager.
func NewMembership(cfg MembershipConfig, cli etcdClient, logger zerolog.Logger) (*Membership, error) {
	if cli == nil {
		return nil, fmt.Errorf("etcd client cannot be nil")
	}
	if cfg.InstanceID == "" {
		return nil, fmt.Errorf("instance ID cannot be empty")
	}
	if cfg.AdvertiseAddr == "" {
		return nil, fmt.Errorf("advertise address cannot be empty")
	}
	cfg.applyDefaults()
	return &Membership{
		cfg:    cfg,
		cli:    cli,
		logger: logger.With().Str("component", "Membership").Str("instance_id", cfg.InstanceID).Logger(),
	}, nil
}

// Register announces this instance under the membership prefix with a leased
// key and keeps the lease alive until ctx is cancelled.
func (m *Membership) Register(ctx context.Context) error {
	lease, err := m.cli.Grant(ctx, int64(m.cfg.LeaseTTL.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to grant membership lease: %w", err)
	}

	key := m.instanceKey(m.cfg.InstanceID)
	if _, err := m.cli.Put(ctx, key, m.cfg.AdvertiseAddr, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to publish membership key %s: %w", key, err)
	}

	keepAlive, err := m.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("failed to start lease keep-alive: %w", err)
	}

	m.mu.Lock()
	m.leaseID = lease.ID
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for range keepAlive {
		}
		// The channel closes when the lease is revoked, the context ends,
		// or etcd becomes unreachable past the TTL.
		if ctx.Err() == nil {
			m.logger.Error().Msg("Membership lease keep-alive lost. Instance will drop from the cluster.")
		}
	}()

	m.logger.Info().Str("key", key).Str("addr", m.cfg.AdvertiseAddr).
		Dur("lease_ttl", m.cfg.LeaseTTL).Msg("Registered instance in cluster.")
	return nil
}

// Deregister removes this instance's key and revokes its lease so peers see
// the departure immediately instead of after the TTL.
func (m *Membership) Deregister(ctx context.Context) error {
	key := m.instanceKey(m.cfg.InstanceID)
	if _, err := m.cli.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete membership key %s: %w", key, err)
	}

	m.mu.Lock()
	leaseID := m.leaseID
	m.mu.Unlock()
	if leaseID != 0 {
		if _, err := m.cli.Revoke(ctx, leaseID); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to revoke membership lease.")
		}
	}
	m.logger.Info().Msg("Deregistered instance from cluster.")
	return nil
}

// Watch streams membership transitions to handler until ctx is cancelled.
// It snapshots current members first, then follows the watch; if the watch
// channel is lost it resyncs and emits the diff.
func (m *Membership) Watch(ctx context.Context, handler MembershipHandler) error {
	if handler == nil {
		return fmt.Errorf("membership handler cannot be nil")
	}

	members, rev, err := m.snapshot(ctx)
	if err != nil {
		return err
	}
	for id, addr := range members {
		handler.OnNodeJoin(id, addr)
	}

	m.wg.Add(1)
	go m.watchLoop(ctx, handler, members, rev)
	return nil
}

// Close waits for the keep-alive and watch goroutines to finish. Cancel the
// contexts handed to Register and Watch first.
func (m *Membership) Close() {
	m.wg.Wait()
}

// --- Private Helpers ---

func (m *Membership) instanceKey(id string) string { return m.cfg.Prefix + id }

// snapshot reads the current member set and the revision to watch from.
func (m *Membership) snapshot(ctx context.Context) (map[string]string, int64, error) {
	resp, err := m.cli.Get(ctx, m.cfg.Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list membership prefix %s: %w", m.cfg.Prefix, err)
	}
	members := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id := strings.TrimPrefix(string(kv.Key), m.cfg.Prefix)
		members[id] = string(kv.Value)
	}
	return members, resp.Header.Revision, nil
}

func (m *Membership) watchLoop(ctx context.Context, handler MembershipHandler, members map[string]string, rev int64) {
	defer m.wg.Done()

	for ctx.Err() == nil {
		watchChan := m.cli.Watch(ctx, m.cfg.Prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				m.logger.Warn().Err(err).Msg("Membership watch error. Resyncing.")
				break
			}
			rev = resp.Header.Revision
			for _, ev := range resp.Events {
				id := strings.TrimPrefix(string(ev.Kv.Key), m.cfg.Prefix)
				switch ev.Type {
				case clientv3.EventTypePut:
					members[id] = string(ev.Kv.Value)
					handler.OnNodeJoin(id, string(ev.Kv.Value))
				case clientv3.EventTypeDelete:
					delete(members, id)
					handler.OnNodeLeave(id)
				}
			}
		}
		if ctx.Err() != nil {
			return
		}

		// The watch channel closed; resync and reconcile what we missed.
		fresh, freshRev, err := m.snapshot(ctx)
		if err != nil {
			m.logger.Error().Err(err).Msg("Membership resync failed. Retrying.")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for id := range members {
			if _, ok := fresh[id]; !ok {
				delete(members, id)
				handler.OnNodeLeave(id)
			}
		}
		for id, addr := range fresh {
			if _, ok := members[id]; !ok {
				members[id] = addr
				handler.OnNodeJoin(id, addr)
			}
		}
		rev = freshRev
	}
}
