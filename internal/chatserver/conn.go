package chatserver

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/chatrelay/internal/chat/session"
	"github.com/cory-johannsen/chatrelay/internal/chat/wire"
)

// readPump consumes inbound frames until the connection drops, then tears the
// session down. It is the connection's only reader.
func (s *Server) readPump(conn *websocket.Conn, sess *session.Session) {
	defer s.teardown(conn, sess)

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(s.now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(s.now().Add(s.cfg.PongTimeout))
	})

	for {
		var evt wire.Event
		if err := conn.ReadJSON(&evt); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("connection read failed",
					zap.String("conn_id", sess.ConnID),
					zap.Error(err),
				)
			}
			return
		}
		_ = conn.SetReadDeadline(s.now().Add(s.cfg.PongTimeout))
		sess.Touch(s.now())
		s.dispatch(sess, evt)
	}
}

// writePump drains the session outbox onto the socket and keeps the transport
// alive with periodic pings. It is the connection's only writer; it exits when
// the outbox closes or a write fails.
func (s *Server) writePump(conn *websocket.Conn, sess *session.Session) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-sess.Outbox.Events():
			if !ok {
				// Session removed; say goodbye politely.
				_ = conn.SetWriteDeadline(s.now().Add(s.cfg.WriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = conn.Close()
				return
			}
			_ = conn.SetWriteDeadline(s.now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				s.logger.Warn("connection write failed",
					zap.String("conn_id", sess.ConnID),
					zap.String("event", evt.Type),
					zap.Error(err),
				)
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(s.now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// teardown removes the connection from every room it occupied, announces the
// departure to remaining members, and deregisters the session. Closing the
// outbox is what stops the write pump.
func (s *Server) teardown(conn *websocket.Conn, sess *session.Session) {
	_ = conn.Close()

	joined := s.rooms.Rooms(sess.ConnID)
	s.rooms.RemoveConnection(sess.ConnID)
	for _, roomID := range joined {
		s.caster.BroadcastSystemEvent(roomID, wire.TypeUserLeft,
			wire.Presence{UserID: sess.UserID}, sess.ConnID)
	}

	if err := s.sessions.Remove(sess.ConnID); err != nil {
		s.logger.Warn("removing session", zap.String("conn_id", sess.ConnID), zap.Error(err))
	}

	s.logger.Info("connection closed",
		zap.String("conn_id", sess.ConnID),
		zap.String("user_id", sess.UserID),
		zap.Int("rooms_left", len(joined)),
		zap.Duration("elapsed", s.now().Sub(sess.ConnectedAt)),
	)
}
