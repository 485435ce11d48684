// --- File: internal/api/ingest_handlers.go ---

// Package api defines the stateless HTTP handlers that accept notifications
// and sync events, stamp them with their per-user sequence, and publish them
// onto the ingress topic.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/internal/pipeline"
	"github.com/tinywideclouds/go-delivery-service/pkg/auth"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// Publisher is the slice of the message bus the ingest handlers need.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// API holds the dependencies for the stateless ingest handlers.
type API struct {
	publisher Publisher
	sequencer delivery.Sequencer
	logger    zerolog.Logger
}

// NewAPI creates the ingest handler set.
func NewAPI(publisher Publisher, sequencer delivery.Sequencer, logger zerolog.Logger) (*API, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if sequencer == nil {
		return nil, fmt.Errorf("sequencer cannot be nil")
	}
	return &API{
		publisher: publisher,
		sequencer: sequencer,
		logger:    logger.With().Str("component", "API").Logger(),
	}, nil
}

// notificationRequest is the POST /v1/notifications body.
type notificationRequest struct {
	UserID  string                    `json:"userId"`
	Kind    delivery.NotificationKind `json:"kind"`
	Payload json.RawMessage           `json:"payload"`
}

// syncRequest is the POST /v1/sync body.
type syncRequest struct {
	UserID         string          `json:"userId"`
	OriginDeviceID string          `json:"originDeviceId"`
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload"`
}

// acceptedResponse echoes the identifiers assigned at ingest so callers can
// correlate acknowledgements and retries.
type acceptedResponse struct {
	ID       string `json:"id,omitempty"`
	Sequence uint64 `json:"sequence"`
}

// NotificationsHandler ingests a notification targeted at a user and
// publishes it to the ingress topic.
func (a *API) NotificationsHandler(w http.ResponseWriter, r *http.Request) {
	authedUserID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		a.logger.Warn().Msg("NotificationsHandler: no user ID in request context.")
		writeJSONError(w, http.StatusUnauthorized, "missing authentication")
		return
	}
	log := a.logger.With().Str("caller", authedUserID).Logger()

	var req notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn().Err(err).Msg("Failed to decode notification body.")
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		writeJSONError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if !req.Kind.Valid() {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown notification kind %q", req.Kind))
		return
	}

	seq, err := a.sequencer.Next(r.Context(), req.UserID)
	if err != nil {
		log.Error().Err(err).Str("user_id", req.UserID).Msg("Sequence allocation failed.")
		writeJSONError(w, http.StatusServiceUnavailable, "sequence allocation unavailable")
		return
	}

	n := &delivery.Notification{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Kind:      req.Kind,
		Sequence:  seq,
		Payload:   req.Payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.publish(r.Context(), delivery.NewNotificationEnvelope(n), log); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to accept notification")
		return
	}

	log.Debug().Str("notification_id", n.ID).Str("user_id", n.UserID).Uint64("sequence", seq).
		Msg("Notification accepted for ingestion.")
	writeJSON(w, http.StatusAccepted, acceptedResponse{ID: n.ID, Sequence: seq})
}

// SyncHandler ingests a device-originated state transition and publishes it
// to the ingress topic. Devices may only sync their own user's state.
func (a *API) SyncHandler(w http.ResponseWriter, r *http.Request) {
	authedUserID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		a.logger.Warn().Msg("SyncHandler: no user ID in request context.")
		writeJSONError(w, http.StatusUnauthorized, "missing authentication")
		return
	}
	log := a.logger.With().Str("caller", authedUserID).Logger()

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn().Err(err).Msg("Failed to decode sync body.")
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		req.UserID = authedUserID
	}
	if req.UserID != authedUserID {
		writeJSONError(w, http.StatusForbidden, "cannot sync another user's state")
		return
	}
	if req.OriginDeviceID == "" {
		writeJSONError(w, http.StatusBadRequest, "originDeviceId is required")
		return
	}
	if req.Action == "" {
		writeJSONError(w, http.StatusBadRequest, "action is required")
		return
	}

	seq, err := a.sequencer.Next(r.Context(), req.UserID)
	if err != nil {
		log.Error().Err(err).Str("user_id", req.UserID).Msg("Sequence allocation failed.")
		writeJSONError(w, http.StatusServiceUnavailable, "sequence allocation unavailable")
		return
	}

	ev := &delivery.SyncEvent{
		UserID:         req.UserID,
		OriginDeviceID: req.OriginDeviceID,
		Action:         req.Action,
		Sequence:       seq,
		Payload:        req.Payload,
		CreatedAt:      time.Now().UTC(),
	}
	if err := a.publish(r.Context(), delivery.NewSyncEnvelope(ev), log); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to accept sync event")
		return
	}

	log.Debug().Str("user_id", ev.UserID).Str("action", ev.Action).Uint64("sequence", seq).
		Msg("Sync event accepted for ingestion.")
	writeJSON(w, http.StatusAccepted, acceptedResponse{Sequence: seq})
}

// publish encodes the envelope and appends it to the ingress topic keyed by
// the target user, preserving per-user ordering downstream.
func (a *API) publish(ctx context.Context, env *delivery.Envelope, log zerolog.Logger) error {
	data, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode envelope.")
		return err
	}
	if err := a.publisher.Publish(ctx, pipeline.IngressTopic, env.UserID(), data); err != nil {
		log.Error().Err(err).Msg("Failed to publish to ingress topic.")
		return err
	}
	return nil
}
