package discovery

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// StaticMembership serves a fixed peer table from configuration. It exists
// for single-node development and for deployments that pin their topology:
// every peer joins once at watch time and nothing ever leaves.
type StaticMembership struct {
	peers  map[string]string
	logger zerolog.Logger
}

// NewStaticMembership builds a membership view over a fixed instanceID to
// advertise-address table.
func NewStaticMembership(peers map[string]string, logger zerolog.Logger) (*StaticMembership, error) {
	if len(peers) == 0 {
		return nil, fmt.Errorf("static membership needs at least one peer")
	}
	copied := make(map[string]string, len(peers))
	for id, addr := range peers {
		if id == "" || addr == "" {
			return nil, fmt.Errorf("static peer entries need both id and address")
		}
		copied[id] = addr
	}
	return &StaticMembership{
		peers:  copied,
		logger: logger.With().Str("component", "StaticMembership").Logger(),
	}, nil
}

// Register is a no-op: the topology is the configuration.
func (s *StaticMembership) Register(_ context.Context) error { return nil }

// Deregister is a no-op.
func (s *StaticMembership) Deregister(_ context.Context) error { return nil }

// Watch replays every configured peer as a join, in stable order.
func (s *StaticMembership) Watch(_ context.Context, handler MembershipHandler) error {
	if handler == nil {
		return fmt.Errorf("membership handler cannot be nil")
	}
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		handler.OnNodeJoin(id, s.peers[id])
	}
	s.logger.Info().Int("peers", len(ids)).Msg("Static membership replayed.")
	return nil
}

// Close is a no-op.
func (s *StaticMembership) Close() {}
