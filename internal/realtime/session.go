package realtime

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinywideclouds/go-delivery-service/internal/registry"
)

// closeCodeFor maps a registry close reason onto the websocket close frame
// sent to the client.
func closeCodeFor(reason registry.CloseReason) (int, string) {
	switch reason {
	case registry.ReasonMigrating:
		return websocket.CloseGoingAway, "shard ownership moved"
	case registry.ReasonShutdown:
		return websocket.CloseGoingAway, "server shutting down"
	case registry.ReasonSlowConsumer:
		return websocket.ClosePolicyViolation, "slow consumer"
	case registry.ReasonDuplicateSession:
		return websocket.CloseNormalClosure, "session replaced"
	case registry.ReasonIdle:
		return websocket.CloseNormalClosure, "idle timeout"
	default:
		return websocket.CloseNormalClosure, ""
	}
}

// writePump owns the outbound side of the socket: it drains the session
// buffer, pings on an interval, and converts the registry close reason into
// a close frame when the session ends. It is the only goroutine writing to
// the socket once the handler has started it.
func (s *Server) writePump(ws *websocket.Conn, sess *registry.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-sess.Frames():
			_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := ws.WriteJSON(frame); err != nil {
				s.registry.UnregisterSession(sess)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.registry.UnregisterSession(sess)
				return
			}
		case <-sess.Done():
			code, reason := closeCodeFor(sess.Reason())
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
			_ = ws.Close()
			return
		}
	}
}

// readPump owns the inbound side: liveness deadlines and heartbeat traffic.
// Any inbound message refreshes the session's idle clock; content is
// otherwise ignored because clients publish through the REST API.
//
// Teardown unregisters by session identity: when the device has already
// reconnected, this session's map slot holds the replacement, which must
// survive the old socket's exit.
func (s *Server) readPump(ws *websocket.Conn, sess *registry.Connection) {
	defer s.registry.UnregisterSession(sess)

	ws.SetReadLimit(s.cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		sess.Touch()
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		sess.Touch()
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	}
}
