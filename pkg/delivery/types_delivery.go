// Package delivery contains the public domain models, interfaces, and
// dependency definitions for the delivery service. It defines the contract
// for interacting with the service.
package delivery

import (
	"encoding/json"
	"time"
)

// NotificationKind is the closed set of notification variants the router
// dispatches on. Adding a kind requires updating Valid and every exhaustive
// switch over the type.
type NotificationKind string

const (
	KindMessage NotificationKind = "message"
	KindLike    NotificationKind = "like"
	KindComment NotificationKind = "comment"
	KindSystem  NotificationKind = "system"
)

// Valid reports whether k is a member of the closed kind set.
func (k NotificationKind) Valid() bool {
	switch k {
	case KindMessage, KindLike, KindComment, KindSystem:
		return true
	}
	return false
}

// Notification is an immutable event targeted at a single user. Sequence is
// the per-user monotonic number assigned at publish time; it is the ordering
// and idempotency key for everything downstream.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Kind      NotificationKind `json:"kind"`
	Sequence  uint64           `json:"sequence"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// SyncEvent records a device-local state transition (e.g. "mark_read") that
// must converge across the user's other devices. OriginDeviceID identifies
// the device that produced the change so fan-out can exclude it.
type SyncEvent struct {
	UserID         string          `json:"userId"`
	OriginDeviceID string          `json:"originDeviceId"`
	Action         string          `json:"action"`
	Sequence       uint64          `json:"sequence"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// State is the authoritative per-user snapshot a reconnecting device uses to
// converge. Sequence is the highest sequence folded into the snapshot.
type State struct {
	UserID   string          `json:"userId"`
	Sequence uint64          `json:"sequence"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}
