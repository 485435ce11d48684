// --- File: internal/platform/push/dispatcher.go ---

// Package push hands notifications that found no live session to the
// downstream push-provider pipeline.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// DispatchTopic is the queue topic the push-provider pipeline consumes from.
const DispatchTopic = "push.dispatch"

// Publisher is the slice of the message bus the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Request is the payload handed to the push-provider pipeline. Title, Body,
// and Sound are presentation defaults the provider may override per platform;
// Data carries the original notification payload for the client app.
type Request struct {
	NotificationID string                    `json:"notificationId"`
	UserID         string                    `json:"userId"`
	Kind           delivery.NotificationKind `json:"kind"`
	Sequence       uint64                    `json:"sequence"`
	Title          string                    `json:"title"`
	Body           string                    `json:"body"`
	Sound          string                    `json:"sound"`
	Data           json.RawMessage           `json:"data,omitempty"`
	CreatedAt      time.Time                 `json:"createdAt"`
}

// BusDispatcher implements delivery.OfflineDispatcher by publishing a push
// request onto the durable queue, keyed by user so requests for one user stay
// ordered.
type BusDispatcher struct {
	publisher Publisher
	logger    zerolog.Logger
}

// NewBusDispatcher creates a BusDispatcher and validates its dependencies.
func NewBusDispatcher(publisher Publisher, logger zerolog.Logger) (*BusDispatcher, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	return &BusDispatcher{
		publisher: publisher,
		logger:    logger.With().Str("component", "BusDispatcher").Logger(),
	}, nil
}

// Dispatch builds the push request for the notification and publishes it.
func (d *BusDispatcher) Dispatch(ctx context.Context, userID string, n *delivery.Notification) error {
	title, body := presentation(n.Kind)
	req := Request{
		NotificationID: n.ID,
		UserID:         userID,
		Kind:           n.Kind,
		Sequence:       n.Sequence,
		Title:          title,
		Body:           body,
		Sound:          "default",
		Data:           n.Payload,
		CreatedAt:      n.CreatedAt,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal push request: %w", err)
	}
	if err := d.publisher.Publish(ctx, DispatchTopic, userID, payload); err != nil {
		return fmt.Errorf("failed to publish push request for user %s: %w", userID, err)
	}

	d.logger.Info().
		Str("user_id", userID).
		Str("notification_id", n.ID).
		Msg("Handed notification to push pipeline.")
	return nil
}

func presentation(kind delivery.NotificationKind) (title, body string) {
	switch kind {
	case delivery.KindMessage:
		return "New message", "You have received a new message."
	case delivery.KindLike:
		return "New like", "Someone liked your post."
	case delivery.KindComment:
		return "New comment", "Someone commented on your post."
	default:
		return "Notification", "You have a new notification."
	}
}
