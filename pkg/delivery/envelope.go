package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EnvelopeKind tags the variant carried by an Envelope.
type EnvelopeKind string

const (
	EnvelopeNotification EnvelopeKind = "notification"
	EnvelopeSync         EnvelopeKind = "sync"
)

// ErrUnknownEnvelopeKind is returned when a decoded envelope carries a kind
// tag outside the closed set. It is terminal: retrying cannot fix it.
var ErrUnknownEnvelopeKind = errors.New("unknown envelope kind")

// Envelope is the kind-tagged wrapper that travels through queue topics.
// Exactly one of Notification or Sync is populated, matching Kind. Hops
// counts how many times the envelope has been re-routed between shards; it
// bounds forwarding loops during ring churn.
type Envelope struct {
	Kind         EnvelopeKind  `json:"kind"`
	Hops         int           `json:"hops,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	Sync         *SyncEvent    `json:"sync,omitempty"`
}

// NewNotificationEnvelope wraps a notification for transport.
func NewNotificationEnvelope(n *Notification) *Envelope {
	return &Envelope{Kind: EnvelopeNotification, Notification: n}
}

// NewSyncEnvelope wraps a sync event for transport.
func NewSyncEnvelope(ev *SyncEvent) *Envelope {
	return &Envelope{Kind: EnvelopeSync, Sync: ev}
}

// UserID returns the routing key for the envelope: the target user.
func (e *Envelope) UserID() string {
	switch e.Kind {
	case EnvelopeNotification:
		if e.Notification != nil {
			return e.Notification.UserID
		}
	case EnvelopeSync:
		if e.Sync != nil {
			return e.Sync.UserID
		}
	}
	return ""
}

// Validate checks that the tagged variant is populated and internally
// consistent.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case EnvelopeNotification:
		if e.Notification == nil {
			return errors.New("notification envelope missing notification")
		}
		if e.Notification.UserID == "" {
			return errors.New("notification missing user id")
		}
		if !e.Notification.Kind.Valid() {
			return fmt.Errorf("invalid notification kind %q", e.Notification.Kind)
		}
	case EnvelopeSync:
		if e.Sync == nil {
			return errors.New("sync envelope missing sync event")
		}
		if e.Sync.UserID == "" {
			return errors.New("sync event missing user id")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEnvelopeKind, e.Kind)
	}
	return nil
}

// Encode serializes the envelope for publishing. Encoding an invalid
// envelope is a programmer error surfaced here rather than at the consumer.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses and validates an envelope from its wire form.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return &e, nil
}
