// Package chatserver implements the WebSocket chat relay service: handshake
// authentication, per-connection read/write pumps, and dispatch of the JSON
// wire contract onto the room, acknowledgment, and broadcast collaborators.
package chatserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/chatrelay/internal/chat/ack"
	"github.com/cory-johannsen/chatrelay/internal/chat/broadcast"
	"github.com/cory-johannsen/chatrelay/internal/chat/room"
	"github.com/cory-johannsen/chatrelay/internal/chat/session"
	"github.com/cory-johannsen/chatrelay/internal/chat/wire"
	"github.com/cory-johannsen/chatrelay/internal/config"
	"github.com/cory-johannsen/chatrelay/internal/storage/postgres"
)

// MessageStore persists chat messages before they are broadcast.
type MessageStore interface {
	Create(ctx context.Context, roomID, userID, content string, metadata json.RawMessage) (postgres.Message, error)
}

// TokenVerifier validates a handshake token and yields the user identity.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Deps bundles the collaborators a Server requires.
type Deps struct {
	Verifier TokenVerifier
	Rooms    *room.Index
	Sessions *session.Registry
	Acks     *ack.Tracker
	Caster   *broadcast.Broadcaster
	Store    MessageStore
	Logger   *zap.Logger
}

// Server accepts WebSocket connections and relays chat events between them.
type Server struct {
	cfg      config.ServerConfig
	verifier TokenVerifier
	rooms    *room.Index
	sessions *session.Registry
	acks     *ack.Tracker
	caster   *broadcast.Broadcaster
	store    MessageStore
	logger   *zap.Logger
	upgrader websocket.Upgrader

	now func() time.Time
}

// NewServer creates a Server.
//
// Precondition: every Deps field must be non-nil.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	return &Server{
		cfg:      cfg,
		verifier: deps.Verifier,
		rooms:    deps.Rooms,
		sessions: deps.Sessions,
		acks:     deps.Acks,
		caster:   deps.Caster,
		store:    deps.Store,
		logger:   deps.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Token auth is the access control; origin is not.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// HandleWS authenticates the handshake, upgrades the connection, and runs the
// connection's pumps until it closes.
//
// Precondition: the request must carry a valid token (query param "token" or
// Authorization: Bearer). Invalid or missing tokens are rejected with 401
// before the upgrade completes.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	start := s.now()

	token := handshakeToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := s.verifier.Verify(token)
	if err != nil {
		s.logger.Warn("handshake rejected", zap.Error(err))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	sess, err := s.sessions.Add(connID, userID)
	if err != nil {
		s.logger.Error("registering session", zap.String("conn_id", connID), zap.Error(err))
		_ = conn.Close()
		return
	}

	s.logger.Info("connection established",
		zap.String("conn_id", connID),
		zap.String("user_id", userID),
		zap.Duration("elapsed", s.now().Sub(start)),
	)

	go s.writePump(conn, sess)
	s.readPump(conn, sess)
}

// handshakeToken extracts the bearer token from the query string or the
// Authorization header.
func handshakeToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}

// PublishMessageUpdated broadcasts an externally persisted message update to
// the message's room.
//
// Postcondition: Returns the addressee count.
func (s *Server) PublishMessageUpdated(msg postgres.Message) int {
	evt, err := wire.NewEvent(wire.TypeMessageUpdated, msg.RoomID, recordFromMessage(msg))
	if err != nil {
		s.logger.Error("building message_updated event", zap.Error(err))
		return 0
	}
	return s.caster.Broadcast(msg.RoomID, evt, "")
}

// PublishMessageDeleted broadcasts an externally persisted message deletion to
// the room.
//
// Postcondition: Returns the addressee count.
func (s *Server) PublishMessageDeleted(roomID, messageID string) int {
	evt, err := wire.NewEvent(wire.TypeMessageDeleted, roomID, wire.MessageDeleted{MessageID: messageID})
	if err != nil {
		s.logger.Error("building message_deleted event", zap.Error(err))
		return 0
	}
	return s.caster.Broadcast(roomID, evt, "")
}

func recordFromMessage(msg postgres.Message) wire.MessageRecord {
	return wire.MessageRecord{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		UserID:    msg.UserID,
		Content:   msg.Content,
		Metadata:  msg.Metadata,
		CreatedAt: msg.CreatedAt,
		UpdatedAt: msg.UpdatedAt,
	}
}
