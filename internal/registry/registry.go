// Package registry tracks which devices of which users are connected to this
// instance. Each user gets a cell guarding that user's device sessions, so
// fan-out to one user never contends with fan-out to another. Sessions carry
// bounded outbound buffers owned by the registry; the configured Policy
// decides what happens when a buffer is full.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/internal/telemetry"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// ErrMigrating is returned by Register when the user's sessions are being
// handed off to another instance. Callers should direct the device to the
// new owner instead of retrying here.
var ErrMigrating = errors.New("user is migrating to another shard")

// Config tunes buffering and session lifecycle.
type Config struct {
	// BufferSize is the outbound frame buffer per session.
	BufferSize int
	// FullPolicy decides what to do when a session's buffer is full.
	FullPolicy Policy
	// IdleTimeout closes sessions with no inbound activity. Zero disables
	// the janitor.
	IdleTimeout time.Duration
	// SweepInterval is how often the janitor scans for idle sessions.
	SweepInterval time.Duration
}

// cell holds one user's device sessions behind its own lock.
type cell struct {
	mu        sync.RWMutex
	sessions  map[string]*Connection // deviceID -> session
	migrating bool
	target    string // new owner hint, set while migrating
	// dead is set, under mu, in the same critical section that removes the
	// cell from the registry map. A Register that loaded the pointer before
	// the removal sees the flag and retries on a fresh cell instead of
	// attaching a session to an unreachable one.
	dead bool
}

// Registry is the in-memory connection table for this instance.
type Registry struct {
	cfg     Config
	cells   sync.Map // userID -> *cell
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New validates cfg and starts the idle janitor when an IdleTimeout is set.
func New(cfg Config, metrics *telemetry.Metrics, logger zerolog.Logger) (*Registry, error) {
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("registry: buffer size must be positive, got %d", cfg.BufferSize)
	}
	if !cfg.FullPolicy.Valid() {
		return nil, fmt.Errorf("registry: unknown full-buffer policy %q", cfg.FullPolicy)
	}
	if metrics == nil {
		return nil, errors.New("registry: metrics cannot be nil")
	}
	if cfg.IdleTimeout > 0 && cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.IdleTimeout / 2
	}

	r := &Registry{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "Registry").Logger(),
		stopCh:  make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 {
		go r.runJanitor()
	}
	return r, nil
}

// NewConnection creates an unregistered session handle sized by the
// registry's configuration. Register attaches it.
func (r *Registry) NewConnection(userID, deviceID string) *Connection {
	return newConnection(userID, deviceID, r.cfg.BufferSize)
}

// Register attaches conn to its user's cell. A session already registered
// for the same device is closed and replaced, so a reconnecting device never
// ends up with two live sessions. Registration is refused while the user is
// migrating off this instance.
func (r *Registry) Register(conn *Connection) error {
	var c *cell
	for {
		v, _ := r.cells.LoadOrStore(conn.userID, &cell{sessions: make(map[string]*Connection)})
		c = v.(*cell)
		c.mu.Lock()
		if !c.dead {
			break
		}
		c.mu.Unlock()
	}
	if c.migrating {
		c.mu.Unlock()
		return fmt.Errorf("%w: owner is %s", ErrMigrating, c.target)
	}
	prev := c.sessions[conn.deviceID]
	c.sessions[conn.deviceID] = conn
	c.mu.Unlock()

	if prev != nil {
		prev.close(ReasonDuplicateSession)
		r.metrics.LiveConnections.Dec()
		r.logger.Debug().Str("user_id", conn.userID).Str("device_id", conn.deviceID).
			Msg("Replaced existing session for device.")
	}
	r.metrics.LiveConnections.Inc()
	return nil
}

// Unregister removes the session for (userID, deviceID) and closes it. It is
// a no-op when no such session exists.
func (r *Registry) Unregister(userID, deviceID string) {
	v, ok := r.cells.Load(userID)
	if !ok {
		return
	}
	c := v.(*cell)

	c.mu.RLock()
	conn := c.sessions[deviceID]
	c.mu.RUnlock()
	if conn == nil {
		return
	}
	r.remove(c, conn, ReasonUnregistered)
}

// UnregisterSession removes conn and closes it, but only while conn is still
// the registered session for its device. A transport tearing down a session
// that Register has already replaced must not evict the replacement, so
// teardown paths unregister by identity, not by key.
func (r *Registry) UnregisterSession(conn *Connection) {
	v, ok := r.cells.Load(conn.userID)
	if !ok {
		return
	}
	r.remove(v.(*cell), conn, ReasonUnregistered)
}

// Send enqueues frame on every live session of userID and returns how many
// sessions accepted it.
func (r *Registry) Send(userID string, frame delivery.ClientFrame) int {
	return r.fanOut(userID, "", frame)
}

// SendExcept is Send minus the originating device, so a device never echoes
// its own event back to itself.
func (r *Registry) SendExcept(userID, exceptDeviceID string, frame delivery.ClientFrame) int {
	return r.fanOut(userID, exceptDeviceID, frame)
}

// DevicesOf returns the device IDs with a live session for userID, sorted.
func (r *Registry) DevicesOf(userID string) []string {
	v, ok := r.cells.Load(userID)
	if !ok {
		return nil
	}
	c := v.(*cell)

	c.mu.RLock()
	devices := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		devices = append(devices, id)
	}
	c.mu.RUnlock()

	sort.Strings(devices)
	return devices
}

// Connections reports how many live sessions userID has on this instance.
func (r *Registry) Connections(userID string) int {
	v, ok := r.cells.Load(userID)
	if !ok {
		return 0
	}
	c := v.(*cell)
	c.mu.RLock()
	n := len(c.sessions)
	c.mu.RUnlock()
	return n
}

// Users snapshots the user IDs currently holding sessions here. The
// coordinator walks this during a rebalance.
func (r *Registry) Users() []string {
	var users []string
	r.cells.Range(func(key, _ any) bool {
		users = append(users, key.(string))
		return true
	})
	sort.Strings(users)
	return users
}

// MarkMigrating flags userID as moving to newOwner, refuses further
// registrations, and pushes a reconnect hint to every live session.
func (r *Registry) MarkMigrating(userID, newOwner string) {
	v, ok := r.cells.Load(userID)
	if !ok {
		return
	}
	c := v.(*cell)

	c.mu.Lock()
	c.migrating = true
	c.target = newOwner
	c.mu.Unlock()

	hint := delivery.ReconnectFrame(userID, newOwner)
	n := r.fanOut(userID, "", hint)
	r.logger.Info().Str("user_id", userID).Str("new_owner", newOwner).Int("sessions_hinted", n).
		Msg("Marked user as migrating.")
}

// PurgeIfEmpty drops the user's cell once its last session is gone and
// reports whether it did. Migration drains wait on this.
func (r *Registry) PurgeIfEmpty(userID string) bool {
	v, ok := r.cells.Load(userID)
	if !ok {
		return true
	}
	c := v.(*cell)

	c.mu.Lock()
	empty := len(c.sessions) == 0
	if empty {
		c.dead = true
		r.cells.Delete(userID)
	}
	c.mu.Unlock()
	return empty
}

// ForcePurge closes whatever sessions userID still has and drops the cell.
// The coordinator calls it when the drain grace period expires.
func (r *Registry) ForcePurge(userID string) {
	v, ok := r.cells.Load(userID)
	if !ok {
		return
	}
	c := v.(*cell)

	c.mu.Lock()
	victims := make([]*Connection, 0, len(c.sessions))
	for _, conn := range c.sessions {
		victims = append(victims, conn)
	}
	c.sessions = make(map[string]*Connection)
	c.dead = true
	r.cells.Delete(userID)
	c.mu.Unlock()

	for _, conn := range victims {
		conn.close(ReasonMigrating)
		r.metrics.LiveConnections.Dec()
	}
	if len(victims) > 0 {
		r.logger.Warn().Str("user_id", userID).Int("sessions_closed", len(victims)).
			Msg("Force-purged sessions after drain grace period.")
	}
}

// Shutdown closes every session and stops the janitor.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.cells.Range(func(key, v any) bool {
		c := v.(*cell)
		c.mu.Lock()
		for _, conn := range c.sessions {
			conn.close(ReasonShutdown)
			r.metrics.LiveConnections.Dec()
		}
		c.sessions = make(map[string]*Connection)
		c.dead = true
		r.cells.Delete(key)
		c.mu.Unlock()
		return true
	})
	r.logger.Info().Msg("Registry shut down.")
}

// --- Private Helpers ---

// fanOut enqueues frame on every session of userID except exceptDeviceID,
// applying the full-buffer policy. It returns the number of sessions that
// accepted the frame. Sessions the policy disconnects are removed afterwards
// under the write lock.
func (r *Registry) fanOut(userID, exceptDeviceID string, frame delivery.ClientFrame) int {
	v, ok := r.cells.Load(userID)
	if !ok {
		return 0
	}
	c := v.(*cell)

	var delivered int
	var victims []*Connection

	c.mu.RLock()
	for deviceID, conn := range c.sessions {
		if deviceID == exceptDeviceID {
			continue
		}
		ok, disconnect := r.enqueue(conn, frame)
		if ok {
			delivered++
		}
		if disconnect {
			victims = append(victims, conn)
		}
	}
	c.mu.RUnlock()

	for _, conn := range victims {
		r.dropSession(c, conn, ReasonSlowConsumer)
	}
	return delivered
}

// enqueue attempts a non-blocking buffer write and applies the policy on a
// full buffer. disconnect is true when the policy demands the session close.
func (r *Registry) enqueue(conn *Connection, frame delivery.ClientFrame) (sent, disconnect bool) {
	if conn.closed() {
		return false, false
	}
	select {
	case conn.frames <- frame:
		return true, false
	default:
	}

	switch r.cfg.FullPolicy {
	case PolicyDropOldest:
		select {
		case <-conn.frames:
		default:
		}
		select {
		case conn.frames <- frame:
			r.metrics.BufferDrops.WithLabelValues(string(PolicyDropOldest)).Inc()
			return true, false
		default:
			// Concurrent senders refilled the slot; the new frame loses.
			r.metrics.BufferDrops.WithLabelValues(string(PolicyDropNewest)).Inc()
			return false, false
		}
	case PolicyDisconnect:
		r.metrics.BufferDrops.WithLabelValues(string(PolicyDisconnect)).Inc()
		return false, true
	default:
		r.metrics.BufferDrops.WithLabelValues(string(PolicyDropNewest)).Inc()
		return false, false
	}
}

// remove detaches conn from its cell when it is still the registered session
// for its device and closes it. The cell itself is reclaimed, under its lock,
// when the removal left it empty and no migration holds it open. It reports
// whether conn was detached.
func (r *Registry) remove(c *cell, conn *Connection, reason CloseReason) bool {
	c.mu.Lock()
	current, ok := c.sessions[conn.deviceID]
	if ok && current == conn {
		delete(c.sessions, conn.deviceID)
	} else {
		ok = false
	}
	if ok && len(c.sessions) == 0 && !c.migrating {
		c.dead = true
		r.cells.Delete(conn.userID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	conn.close(reason)
	r.metrics.LiveConnections.Dec()
	return true
}

// dropSession is remove with a warning, for policy and janitor evictions.
func (r *Registry) dropSession(c *cell, conn *Connection, reason CloseReason) {
	if !r.remove(c, conn, reason) {
		return
	}
	r.logger.Warn().Str("user_id", conn.userID).Str("device_id", conn.deviceID).
		Str("reason", string(reason)).Msg("Dropped session.")
}

func (r *Registry) runJanitor() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			r.sweepIdle(now)
		}
	}
}

// sweepIdle closes sessions that have gone quiet past the idle timeout.
func (r *Registry) sweepIdle(now time.Time) {
	r.cells.Range(func(_, v any) bool {
		c := v.(*cell)

		var idle []*Connection
		c.mu.RLock()
		for _, conn := range c.sessions {
			if conn.idleFor(now) > r.cfg.IdleTimeout {
				idle = append(idle, conn)
			}
		}
		c.mu.RUnlock()

		for _, conn := range idle {
			r.dropSession(c, conn, ReasonIdle)
		}
		return true
	})
}
