package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// Broadcaster applies a sync event: persist the user's new state, then fan
// the event out to the user's other devices. Persistence happens first so a
// device that reconnects mid-broadcast still converges through the snapshot.
type Broadcaster struct {
	registry ConnectionRegistry
	states   delivery.StateStore
	logger   zerolog.Logger
}

// NewBroadcaster creates a Broadcaster and validates its dependencies.
func NewBroadcaster(registry ConnectionRegistry, states delivery.StateStore, logger zerolog.Logger) (*Broadcaster, error) {
	if registry == nil {
		return nil, fmt.Errorf("connection registry cannot be nil")
	}
	if states == nil {
		return nil, fmt.Errorf("state store cannot be nil")
	}
	return &Broadcaster{
		registry: registry,
		states:   states,
		logger:   logger.With().Str("component", "Broadcaster").Logger(),
	}, nil
}

// Broadcast persists the event's state and fans the event out to every device
// of the user except the one that produced it. It returns how many device
// buffers accepted the frame; zero is not an error, the state write alone is
// enough for absent devices to converge on reconnect.
func (b *Broadcaster) Broadcast(ctx context.Context, ev *delivery.SyncEvent) (int, error) {
	state := &delivery.State{
		UserID:   ev.UserID,
		Sequence: ev.Sequence,
		Payload:  ev.Payload,
	}
	if err := b.states.SaveState(ctx, state); err != nil {
		return 0, fmt.Errorf("failed to persist state for user %s: %w", ev.UserID, err)
	}

	frame, err := delivery.SyncFrame(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to build sync frame: %w", err)
	}
	sent := b.registry.SendExcept(ev.UserID, ev.OriginDeviceID, frame)

	b.logger.Info().
		Str("user_id", ev.UserID).
		Str("action", ev.Action).
		Uint64("sequence", ev.Sequence).
		Int("devices", sent).
		Msg("Broadcast sync event.")
	return sent, nil
}
