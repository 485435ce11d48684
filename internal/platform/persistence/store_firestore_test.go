//go:build integration

// --- File: internal/platform/persistence/store_firestore_test.go ---
package persistence_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-delivery-service/internal/platform/persistence"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// setupSuite connects to the Firestore emulator named by
// FIRESTORE_EMULATOR_HOST and skips when it is not running.
func setupSuite(t *testing.T) (context.Context, *persistence.FirestoreStateStore) {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set; skipping Firestore integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	const projectID = "test-project-persistence"
	fsClient, err := firestore.NewClient(ctx, projectID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsClient.Close() })

	store, err := persistence.NewFirestoreStateStore(fsClient, "user-state-test", zerolog.Nop())
	require.NoError(t, err)
	return ctx, store
}

func TestFirestoreStateStore_RoundTrip(t *testing.T) {
	ctx, store := setupSuite(t)

	_, err := store.GetLatestState(ctx, "user-missing")
	require.ErrorIs(t, err, delivery.ErrNoSnapshot)

	saved := &delivery.State{
		UserID:   "user-round-trip",
		Sequence: 12,
		Payload:  json.RawMessage(`{"unread":5}`),
	}
	require.NoError(t, store.SaveState(ctx, saved))

	got, err := store.GetLatestState(ctx, "user-round-trip")
	require.NoError(t, err)
	assert.Equal(t, saved.Sequence, got.Sequence)
	assert.JSONEq(t, `{"unread":5}`, string(got.Payload))
}

func TestFirestoreStateStore_StaleWriteLoses(t *testing.T) {
	ctx, store := setupSuite(t)

	require.NoError(t, store.SaveState(ctx, &delivery.State{
		UserID: "user-stale", Sequence: 20, Payload: json.RawMessage(`{"v":20}`),
	}))
	require.NoError(t, store.SaveState(ctx, &delivery.State{
		UserID: "user-stale", Sequence: 6, Payload: json.RawMessage(`{"v":6}`),
	}))

	got, err := store.GetLatestState(ctx, "user-stale")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), got.Sequence, "a lower sequence must not overwrite a newer snapshot")
}
