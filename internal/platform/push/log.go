package push

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// LogDispatcher is an offline dispatcher that only records the handoff.
// Deployments that run the push-provider pipeline out of band use it to keep
// the delivery flow intact without publishing anywhere.
type LogDispatcher struct {
	logger zerolog.Logger
}

// NewLogDispatcher creates a log-only dispatcher.
func NewLogDispatcher(logger zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{
		logger: logger.With().Str("component", "LogDispatcher").Logger(),
	}
}

// Dispatch records the notification that found no live session.
func (d *LogDispatcher) Dispatch(_ context.Context, userID string, n *delivery.Notification) error {
	d.logger.Info().
		Str("notification_id", n.ID).
		Str("user_id", userID).
		Str("kind", string(n.Kind)).
		Uint64("sequence", n.Sequence).
		Msg("Offline notification accepted by log sink.")
	return nil
}
