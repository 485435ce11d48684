// --- File: internal/platform/persistence/store_firestore.go ---
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// DefaultStateCollection is used when the caller does not name a collection.
const DefaultStateCollection = "user-state"

// storedState is the document shape held in Firestore. Payload is kept as a
// JSON string so the document schema stays flat.
type storedState struct {
	Sequence  int64     `firestore:"sequence"`
	Payload   string    `firestore:"payload"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// FirestoreStateStore implements delivery.StateStore on Google Cloud
// Firestore, one document per user.
type FirestoreStateStore struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreStateStore is the constructor for the FirestoreStateStore. An
// empty collection selects DefaultStateCollection.
func NewFirestoreStateStore(client *firestore.Client, collection string, logger zerolog.Logger) (*FirestoreStateStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collection == "" {
		collection = DefaultStateCollection
	}
	return &FirestoreStateStore{
		client:     client,
		collection: collection,
		logger:     logger.With().Str("component", "FirestoreStateStore").Logger(),
	}, nil
}

// GetLatestState fetches the user's state document.
func (s *FirestoreStateStore) GetLatestState(ctx context.Context, userID string) (*delivery.State, error) {
	doc, err := s.client.Collection(s.collection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, delivery.ErrNoSnapshot
		}
		return nil, fmt.Errorf("failed to fetch state for user %s: %w", userID, err)
	}

	var stored storedState
	if err := doc.DataTo(&stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state for user %s: %w", userID, err)
	}
	return &delivery.State{
		UserID:   userID,
		Sequence: uint64(stored.Sequence),
		Payload:  json.RawMessage(stored.Payload),
	}, nil
}

// SaveState writes state as the user's latest unless a newer sequence is
// already stored. The check-and-set runs in a transaction so concurrent
// instances cannot regress the snapshot.
func (s *FirestoreStateStore) SaveState(ctx context.Context, state *delivery.State) error {
	docRef := s.client.Collection(s.collection).Doc(state.UserID)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(docRef)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var current storedState
			if err := doc.DataTo(&current); err == nil && uint64(current.Sequence) > state.Sequence {
				// A newer snapshot is already in place.
				return nil
			}
		}
		return tx.Set(docRef, &storedState{
			Sequence:  int64(state.Sequence),
			Payload:   string(state.Payload),
			UpdatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to save state for user %s: %w", state.UserID, err)
	}
	s.logger.Debug().Str("user_id", state.UserID).Uint64("sequence", state.Sequence).
		Msg("Saved state snapshot.")
	return nil
}
