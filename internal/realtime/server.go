// --- File: internal/realtime/server.go ---

// Package realtime is the WebSocket edge of the delivery service. It
// upgrades client connections, registers them as device sessions with the
// connection registry, and pumps frames between the session buffers and the
// sockets.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/internal/registry"
	"github.com/tinywideclouds/go-delivery-service/internal/telemetry"
	"github.com/tinywideclouds/go-delivery-service/pkg/auth"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// ErrNotOwner is returned to clients that connect to a shard which does not
// own their user key. The response carries an X-Shard-Owner header pointing
// at the correct shard.
var ErrNotOwner = errors.New("shard does not own this user")

const (
	defaultWriteTimeout   = 10 * time.Second
	defaultPongTimeout    = 60 * time.Second
	defaultMaxMessageSize = 4096
)

// ShardResolver decides whether this instance owns a connecting user, and
// where to redirect the client otherwise.
type ShardResolver interface {
	LocalID() string
	Owner(key string) (string, bool)
	AddrOf(shardID string) (string, bool)
}

// Config holds the tunables for the websocket transport.
type Config struct {
	// Addr is the websocket listen address, e.g. ":8081".
	Addr string
	// WriteTimeout bounds a single frame or control write. Defaults to 10s.
	WriteTimeout time.Duration
	// PongTimeout is the read deadline, refreshed by pongs and by any
	// inbound frame. Defaults to 60s.
	PongTimeout time.Duration
	// PingInterval is how often the write pump pings the client. It must be
	// shorter than PongTimeout; defaults to nine tenths of it.
	PingInterval time.Duration
	// MaxMessageSize bounds inbound messages in bytes. Defaults to 4096.
	MaxMessageSize int64
}

func (c *Config) applyDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = defaultPongTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = (c.PongTimeout * 9) / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
}

// Server owns the websocket endpoint and its HTTP listener.
type Server struct {
	cfg       Config
	server    *http.Server
	addr      atomic.Value
	upgrader  websocket.Upgrader
	registry  *registry.Registry
	shards    ShardResolver
	snapshots delivery.SnapshotSource
	logger    zerolog.Logger
}

// NewServer wires the websocket endpoint. The auth middleware guards
// /connect and is expected to stamp the authenticated user onto the request
// context.
func NewServer(
	cfg Config,
	reg *registry.Registry,
	shards ShardResolver,
	snapshots delivery.SnapshotSource,
	authMiddleware func(http.Handler) http.Handler,
	metrics *telemetry.Metrics,
	logger zerolog.Logger,
) (*Server, error) {
	if reg == nil {
		return nil, fmt.Errorf("connection registry cannot be nil")
	}
	if shards == nil {
		return nil, fmt.Errorf("shard resolver cannot be nil")
	}
	if snapshots == nil {
		return nil, fmt.Errorf("snapshot source cannot be nil")
	}
	if authMiddleware == nil {
		return nil, fmt.Errorf("auth middleware cannot be nil")
	}
	if metrics == nil {
		return nil, fmt.Errorf("metrics cannot be nil")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("websocket listen address cannot be empty")
	}
	cfg.applyDefaults()

	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: Implement a proper origin check for production.
				return true
			},
		},
		registry:  reg,
		shards:    shards,
		snapshots: snapshots,
		logger:    logger.With().Str("component", "RealtimeServer").Logger(),
	}

	mux := http.NewServeMux()
	mux.Handle("/connect", metrics.Instrument("connect", authMiddleware(http.HandlerFunc(s.connectHandler))))

	s.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	return s, nil
}

// Start runs the websocket listener. It blocks until the server is shut
// down and returns any listener error.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("websocket listener failed: %w", err)
	}
	s.addr.Store(ln.Addr().String())
	s.logger.Info().Str("address", ln.Addr().String()).Msg("WebSocket server starting...")
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Addr reports the bound listen address once Start has opened the listener,
// or "" before that.
func (s *Server) Addr() string {
	if addr, ok := s.addr.Load().(string); ok {
		return addr
	}
	return ""
}

// Shutdown stops accepting new connections. Hijacked websocket connections
// are not waited on here; closing the registry wakes their write pumps and
// tears the sockets down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down WebSocket server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("websocket server shutdown failed: %w", err)
	}
	return nil
}

// connectHandler upgrades GET /connect?user=<id>&device=<id> into a live
// device session. Connections for users owned by another shard are refused
// with 409 Conflict and an X-Shard-Owner header.
func (s *Server) connectHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	deviceID := r.URL.Query().Get("device")
	if userID == "" || deviceID == "" {
		http.Error(w, "user and device query parameters are required", http.StatusBadRequest)
		return
	}
	if authed, ok := auth.UserIDFromContext(r.Context()); ok && authed != userID {
		http.Error(w, "authenticated user does not match requested user", http.StatusForbidden)
		return
	}

	owner, ok := s.shards.Owner(userID)
	if !ok {
		http.Error(w, "no shards available", http.StatusServiceUnavailable)
		return
	}
	if owner != s.shards.LocalID() {
		hint := owner
		if addr, found := s.shards.AddrOf(owner); found {
			hint = addr
		}
		w.Header().Set("X-Shard-Owner", hint)
		http.Error(w, ErrNotOwner.Error(), http.StatusConflict)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		s.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}
	defer func() { _ = ws.Close() }()

	sess := s.registry.NewConnection(userID, deviceID)
	if err := s.registry.Register(sess); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Registration refused, closing socket.")
		deadline := time.Now().Add(s.cfg.WriteTimeout)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()), deadline)
		return
	}

	log := s.logger.With().Str("user_id", userID).Str("device_id", deviceID).Logger()
	log.Info().Msg("Device connected.")

	s.sendSnapshot(r.Context(), ws, userID)

	go s.writePump(ws, sess)
	s.readPump(ws, sess)
	log.Info().Msg("Device disconnected.")
}

// sendSnapshot replays the user's latest persisted state as the first frame
// on the socket, so a reconnecting device converges before live traffic
// resumes. It runs before the write pump starts, keeping a single writer on
// the connection.
func (s *Server) sendSnapshot(ctx context.Context, ws *websocket.Conn, userID string) {
	state, err := s.snapshots.GetLatestState(ctx, userID)
	if err != nil {
		if !errors.Is(err, delivery.ErrNoSnapshot) {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to load state snapshot.")
		}
		return
	}
	frame, err := delivery.StateFrame(state)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to build snapshot frame.")
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := ws.WriteJSON(frame); err != nil {
		s.logger.Debug().Err(err).Str("user_id", userID).Msg("Snapshot write failed.")
	}
}
