package persistence

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

func TestMemoryStateStoreRoundTrip(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	_, err := store.GetLatestState(ctx, "user-1")
	require.ErrorIs(t, err, delivery.ErrNoSnapshot)

	saved := &delivery.State{
		UserID:   "user-1",
		Sequence: 7,
		Payload:  json.RawMessage(`{"unread":3}`),
	}
	require.NoError(t, store.SaveState(ctx, saved))

	got, err := store.GetLatestState(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, saved.UserID, got.UserID)
	assert.Equal(t, saved.Sequence, got.Sequence)
	assert.JSONEq(t, `{"unread":3}`, string(got.Payload))

	_, err = store.GetLatestState(ctx, "user-2")
	assert.ErrorIs(t, err, delivery.ErrNoSnapshot)
}

func TestMemoryStateStoreKeepsNewestSequence(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	require.NoError(t, store.SaveState(ctx, &delivery.State{
		UserID: "user-1", Sequence: 10, Payload: json.RawMessage(`{"v":10}`),
	}))
	// A stale writer must not regress the snapshot.
	require.NoError(t, store.SaveState(ctx, &delivery.State{
		UserID: "user-1", Sequence: 4, Payload: json.RawMessage(`{"v":4}`),
	}))

	got, err := store.GetLatestState(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.Sequence)
	assert.JSONEq(t, `{"v":10}`, string(got.Payload))
}

func TestMemoryStateStoreReturnsCopy(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	require.NoError(t, store.SaveState(ctx, &delivery.State{
		UserID: "user-1", Sequence: 1, Payload: json.RawMessage(`{"v":1}`),
	}))

	first, err := store.GetLatestState(ctx, "user-1")
	require.NoError(t, err)
	first.Sequence = 99

	second, err := store.GetLatestState(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), second.Sequence, "callers must not be able to mutate stored state")
}
