// --- File: pkg/delivery/delivery.go ---
package delivery

import (
	"github.com/tinywideclouds/go-delivery-service/internal/queue"
)

// ServiceDependencies holds the external collaborators the delivery service
// needs to operate. This struct is used for dependency injection: production
// wiring fills it with the Redis/PubSub/Firestore adapters, tests with
// in-memory fakes.
type ServiceDependencies struct {
	// Bus is the durable queue carrying ingress and per-shard delivery
	// topics.
	Bus queue.MessageBus

	// Offline receives notifications for users with no live connections.
	Offline OfflineDispatcher

	// States persists sync state as it is broadcast and serves it back on
	// reconnect.
	States StateStore

	// Sequencer allocates per-user sequence numbers at publish time.
	Sequencer Sequencer
}
