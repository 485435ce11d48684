package delivery

import (
	"context"
	"errors"
)

// ErrNoSnapshot is returned by a SnapshotSource when the user has no stored
// state yet. Callers treat it as "nothing to converge", not a failure.
var ErrNoSnapshot = errors.New("no snapshot for user")

// OfflineDispatcher hands a notification to the offline-fallback collaborator
// (push-provider integration) when the target user has no live connections.
type OfflineDispatcher interface {
	Dispatch(ctx context.Context, userID string, n *Notification) error
}

// SnapshotSource serves the authoritative per-user state consulted by a
// reconnecting device to converge.
type SnapshotSource interface {
	GetLatestState(ctx context.Context, userID string) (*State, error)
}

// StateStore adds the write side of SnapshotSource. The sync pipeline saves
// the latest state as it broadcasts, so reconnects converge from storage.
type StateStore interface {
	SnapshotSource
	SaveState(ctx context.Context, state *State) error
}

// Sequencer allocates the per-user monotonic sequence numbers stamped onto
// notifications and sync events at publish time.
type Sequencer interface {
	Next(ctx context.Context, userID string) (uint64, error)
}
