package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// Policy selects what happens when a session's outbound buffer is full.
type Policy string

const (
	// PolicyDropNewest discards the frame being sent to the saturated device.
	PolicyDropNewest Policy = "drop_newest"
	// PolicyDropOldest evicts the oldest buffered frame to make room.
	PolicyDropOldest Policy = "drop_oldest"
	// PolicyDisconnect closes the slow session outright.
	PolicyDisconnect Policy = "disconnect"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyDropNewest, PolicyDropOldest, PolicyDisconnect:
		return true
	}
	return false
}

// CloseReason records why the registry closed a connection.
type CloseReason string

const (
	ReasonUnregistered     CloseReason = "unregistered"
	ReasonDuplicateSession CloseReason = "duplicate_session"
	ReasonSlowConsumer     CloseReason = "slow_consumer"
	ReasonIdle             CloseReason = "idle"
	ReasonMigrating        CloseReason = "migrating"
	ReasonShutdown         CloseReason = "shutdown"
)

// Connection is one live device session. The registry owns the bounded
// outbound buffer; the transport drains Frames until Done closes.
type Connection struct {
	userID   string
	deviceID string

	frames chan delivery.ClientFrame
	done   chan struct{}

	closeOnce  sync.Once
	reason     atomic.Value // CloseReason
	lastActive atomic.Int64 // unix nanos
}

func newConnection(userID, deviceID string, buffer int) *Connection {
	c := &Connection{
		userID:   userID,
		deviceID: deviceID,
		frames:   make(chan delivery.ClientFrame, buffer),
		done:     make(chan struct{}),
	}
	c.Touch()
	return c
}

// UserID returns the owning user.
func (c *Connection) UserID() string { return c.userID }

// DeviceID returns the device this session belongs to.
func (c *Connection) DeviceID() string { return c.deviceID }

// Frames is the outbound buffer the transport drains. It is never closed;
// the transport must select on Done as well.
func (c *Connection) Frames() <-chan delivery.ClientFrame { return c.frames }

// Done closes when the registry has discarded this session.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Reason reports why the session was closed. Only meaningful after Done.
func (c *Connection) Reason() CloseReason {
	if r, ok := c.reason.Load().(CloseReason); ok {
		return r
	}
	return ""
}

// Touch refreshes the liveness timestamp. The transport calls it on every
// inbound frame, heartbeats included.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// idleFor reports how long the session has gone without activity.
func (c *Connection) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActive.Load()))
}

// close is idempotent; the first reason wins.
func (c *Connection) close(reason CloseReason) {
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		close(c.done)
	})
}

// closed reports whether the session has been discarded.
func (c *Connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
