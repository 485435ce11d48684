// --- File: internal/pipeline/router.go ---
package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/internal/telemetry"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// ConnectionRegistry is the slice of the session registry the pipeline needs:
// presence checks and frame fan-out.
type ConnectionRegistry interface {
	Connections(userID string) int
	Send(userID string, frame delivery.ClientFrame) int
	SendExcept(userID, exceptDeviceID string, frame delivery.ClientFrame) int
}

// RouteResult names the terminal lane a notification took through the router.
type RouteResult string

const (
	ResultDuplicate        RouteResult = "duplicate"
	ResultDeliveredLive    RouteResult = "delivered_live"
	ResultHandedOffOffline RouteResult = "handed_off_offline"
)

// Router decides, per notification, between the live lane (sessions connected
// to this instance) and the offline lane (push handoff). It is the only place
// the dedup set is consulted and marked.
type Router struct {
	registry ConnectionRegistry
	offline  delivery.OfflineDispatcher
	dedup    *Deduper
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

// NewRouter creates a Router and validates its dependencies.
func NewRouter(
	registry ConnectionRegistry,
	offline delivery.OfflineDispatcher,
	dedup *Deduper,
	metrics *telemetry.Metrics,
	logger zerolog.Logger,
) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("connection registry cannot be nil")
	}
	if offline == nil {
		return nil, fmt.Errorf("offline dispatcher cannot be nil")
	}
	if dedup == nil {
		return nil, fmt.Errorf("deduper cannot be nil")
	}
	if metrics == nil {
		return nil, fmt.Errorf("metrics cannot be nil")
	}
	return &Router{
		registry: registry,
		offline:  offline,
		dedup:    dedup,
		metrics:  metrics,
		logger:   logger.With().Str("component", "Router").Logger(),
	}, nil
}

// RouteNotification runs one notification through the delivery decision. The
// pair (user, sequence) is marked seen only after the chosen lane succeeded;
// a failed offline handoff is left unmarked so the queue can redeliver it.
func (r *Router) RouteNotification(ctx context.Context, n *delivery.Notification) (RouteResult, error) {
	log := r.logger.With().Str("user_id", n.UserID).Uint64("sequence", n.Sequence).Logger()

	if r.dedup.Seen(n.UserID, n.Sequence) {
		r.metrics.DuplicatesDropped.Inc()
		log.Debug().Msg("Dropping duplicate notification.")
		return ResultDuplicate, nil
	}

	if r.registry.Connections(n.UserID) > 0 {
		frame, err := delivery.NotificationFrame(n)
		if err != nil {
			return "", fmt.Errorf("failed to build notification frame: %w", err)
		}
		delivered := r.registry.Send(n.UserID, frame)
		r.dedup.Mark(n.UserID, n.Sequence)
		r.metrics.DeliveredLive.WithLabelValues(string(n.Kind)).Inc()
		if delivered == 0 {
			log.Warn().Msg("Live sessions present but no buffer accepted the frame.")
		} else {
			log.Info().Int("devices", delivered).Msg("Delivered notification to live sessions.")
		}
		return ResultDeliveredLive, nil
	}

	if err := r.offline.Dispatch(ctx, n.UserID, n); err != nil {
		return "", fmt.Errorf("failed to hand off notification %s for offline dispatch: %w", n.ID, err)
	}
	r.dedup.Mark(n.UserID, n.Sequence)
	r.metrics.HandedOffOffline.Inc()
	log.Info().Str("notification_id", n.ID).Msg("User has no live sessions; notification handed to push pipeline.")
	return ResultHandedOffOffline, nil
}
