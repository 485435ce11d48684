package delivery

import (
	"encoding/json"
	"time"
)

// FrameType tags a ClientFrame on the websocket wire.
type FrameType string

const (
	FrameNotification FrameType = "notification"
	FrameSync         FrameType = "sync"
	FrameHeartbeat    FrameType = "heartbeat"
	FrameReconnect    FrameType = "reconnect"
)

// ClientFrame is the transport envelope exchanged with clients. Server-bound
// frames are heartbeats; client-bound frames carry notifications, sync
// events, and reconnect hints.
type ClientFrame struct {
	Type     FrameType       `json:"type"`
	UserID   string          `json:"userID,omitempty"`
	DeviceID string          `json:"deviceID,omitempty"`
	Sequence uint64          `json:"sequence,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ReconnectHint is the payload of a reconnect frame: the shard the client
// should re-resolve against.
type ReconnectHint struct {
	Shard string `json:"shard"`
}

// NotificationFrame converts a notification into its client-bound frame. The
// frame payload is the full notification so clients keep kind and timestamps.
func NotificationFrame(n *Notification) (ClientFrame, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return ClientFrame{}, err
	}
	return ClientFrame{
		Type:     FrameNotification,
		UserID:   n.UserID,
		Sequence: n.Sequence,
		Payload:  body,
	}, nil
}

// SyncFrame converts a sync event into its client-bound frame.
func SyncFrame(ev *SyncEvent) (ClientFrame, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return ClientFrame{}, err
	}
	return ClientFrame{
		Type:     FrameSync,
		UserID:   ev.UserID,
		DeviceID: ev.OriginDeviceID,
		Sequence: ev.Sequence,
		Payload:  body,
	}, nil
}

// StateFrame wraps a snapshot as a sync frame for a reconnecting device.
func StateFrame(s *State) (ClientFrame, error) {
	ev := &SyncEvent{
		UserID:    s.UserID,
		Action:    "snapshot",
		Sequence:  s.Sequence,
		Payload:   s.Payload,
		CreatedAt: time.Now().UTC(),
	}
	return SyncFrame(ev)
}

// ReconnectFrame builds the transport-level rebalance hint pointing a client
// at its new owner shard.
func ReconnectFrame(userID, ownerShard string) ClientFrame {
	hint, _ := json.Marshal(ReconnectHint{Shard: ownerShard})
	return ClientFrame{
		Type:    FrameReconnect,
		UserID:  userID,
		Payload: hint,
	}
}
