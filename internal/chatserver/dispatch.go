package chatserver

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chatrelay/internal/chat/ack"
	"github.com/cory-johannsen/chatrelay/internal/chat/session"
	"github.com/cory-johannsen/chatrelay/internal/chat/wire"
)

// storeTimeout bounds the persistence call on the send_message path.
const storeTimeout = 5 * time.Second

// dispatch routes one inbound event to its handler. Handler failures are
// reported to the offending sender only, never broadcast.
func (s *Server) dispatch(sess *session.Session, evt wire.Event) {
	var err error
	switch evt.Type {
	case wire.TypeJoinConversation:
		err = s.handleJoin(sess, evt)
	case wire.TypeLeaveConversation:
		err = s.handleLeave(sess, evt)
	case wire.TypeSendMessage:
		err = s.handleSend(sess, evt)
	case wire.TypeTypingStart, wire.TypeTypingStop:
		err = s.handleTyping(sess, evt)
	case wire.TypeAck:
		err = s.handleAck(sess, evt)
	case wire.TypeHeartbeat:
		err = s.handleHeartbeat(sess, evt)
	default:
		err = &ValidationError{Field: "type", Reason: "unknown event type"}
	}
	if err != nil {
		s.sendError(sess, evt, err)
	}
}

// sendError translates a handler failure into a message_error event on the
// sender's outbox, echoing the failing request's correlation id.
func (s *Server) sendError(sess *session.Session, cause wire.Event, err error) {
	code := CodeInternal
	var vErr *ValidationError
	var aErr *AuthorizationError
	switch {
	case errors.As(err, &vErr):
		code = CodeValidation
		if vErr.Field == "type" {
			code = CodeUnknownEvent
		}
	case errors.As(err, &aErr):
		code = CodeUnauthorized
	default:
		s.logger.Error("event handling failed",
			zap.String("conn_id", sess.ConnID),
			zap.String("event", cause.Type),
			zap.Error(err),
		)
	}

	out, buildErr := wire.NewEvent(wire.TypeMessageError, cause.RoomID, wire.Error{
		Code:  code,
		Error: err.Error(),
	})
	if buildErr != nil {
		s.logger.Error("building message_error event", zap.Error(buildErr))
		return
	}
	out.CorrelationID = cause.CorrelationID
	s.pushToSender(sess, out)
}

// pushToSender enqueues an event on the sender's own outbox.
func (s *Server) pushToSender(sess *session.Session, evt wire.Event) {
	if err := sess.Outbox.Push(evt); err != nil {
		s.logger.Warn("push to sender failed",
			zap.String("conn_id", sess.ConnID),
			zap.String("event", evt.Type),
			zap.Error(err),
		)
	}
}

// reply sends a correlated reply carrying payload to the sender.
func (s *Server) reply(sess *session.Session, cause wire.Event, payload any) error {
	out, err := wire.NewEvent(wire.TypeReply, cause.RoomID, payload)
	if err != nil {
		return err
	}
	out.CorrelationID = cause.CorrelationID
	s.pushToSender(sess, out)
	return nil
}

func (s *Server) handleJoin(sess *session.Session, evt wire.Event) error {
	if evt.RoomID == "" {
		return &ValidationError{Field: "room_id", Reason: "must not be empty"}
	}

	count := s.rooms.Join(sess.ConnID, evt.RoomID)
	s.caster.BroadcastSystemEvent(evt.RoomID, wire.TypeUserJoined,
		wire.Presence{UserID: sess.UserID}, sess.ConnID)

	s.logger.Debug("connection joined room",
		zap.String("conn_id", sess.ConnID),
		zap.String("room_id", evt.RoomID),
		zap.Int("members", count),
	)
	return s.reply(sess, evt, wire.RoomStatus{RoomID: evt.RoomID, Members: count})
}

func (s *Server) handleLeave(sess *session.Session, evt wire.Event) error {
	if evt.RoomID == "" {
		return &ValidationError{Field: "room_id", Reason: "must not be empty"}
	}

	// Leaving a room never joined is a no-op, not an error.
	count := s.rooms.MemberCount(evt.RoomID)
	if s.rooms.IsMember(sess.ConnID, evt.RoomID) {
		count = s.rooms.Leave(sess.ConnID, evt.RoomID)
		s.caster.BroadcastSystemEvent(evt.RoomID, wire.TypeUserLeft,
			wire.Presence{UserID: sess.UserID}, sess.ConnID)
	}
	return s.reply(sess, evt, wire.RoomStatus{RoomID: evt.RoomID, Members: count})
}

func (s *Server) handleSend(sess *session.Session, evt wire.Event) error {
	if evt.RoomID == "" {
		return &ValidationError{Field: "room_id", Reason: "must not be empty"}
	}
	var payload wire.SendMessage
	if err := evt.DecodePayload(&payload); err != nil {
		return &ValidationError{Field: "payload", Reason: err.Error()}
	}
	if payload.Content == "" {
		return &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if !s.rooms.IsMember(sess.ConnID, evt.RoomID) {
		return &AuthorizationError{Reason: "sender is not a member of the room"}
	}

	// Persist before broadcast: the fan-out payload carries the stored
	// record, id included.
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	msg, err := s.store.Create(ctx, evt.RoomID, sess.UserID, payload.Content, payload.Metadata)
	if err != nil {
		return err
	}

	record := recordFromMessage(msg)
	out, err := wire.NewEvent(wire.TypeNewMessage, evt.RoomID, record)
	if err != nil {
		return err
	}

	senderConnID := sess.ConnID
	onComplete := func(res ack.Result) {
		s.deliveryReport(senderConnID, msg.ID, res)
	}
	addressed := s.caster.BroadcastWithAck(evt.RoomID, msg.ID, out, 0, onComplete)

	s.logger.Debug("message broadcast",
		zap.String("message_id", msg.ID),
		zap.String("room_id", evt.RoomID),
		zap.Int("addressed", addressed),
	)
	return s.reply(sess, evt, record)
}

// deliveryReport informs the original sender how a tracked broadcast resolved.
// The sender may have disconnected in the meantime; that is not an error.
func (s *Server) deliveryReport(senderConnID, messageID string, res ack.Result) {
	sess, ok := s.sessions.Get(senderConnID)
	if !ok {
		return
	}
	evt, err := wire.NewEvent(wire.TypeDeliveryReport, "", wire.DeliveryReport{
		MessageID: messageID,
		Delivered: res.Delivered,
		Total:     res.Total,
		TimedOut:  res.TimedOut,
	})
	if err != nil {
		s.logger.Error("building delivery_report event", zap.Error(err))
		return
	}
	s.pushToSender(sess, evt)
}

func (s *Server) handleTyping(sess *session.Session, evt wire.Event) error {
	if evt.RoomID == "" {
		return &ValidationError{Field: "room_id", Reason: "must not be empty"}
	}
	// Fire and forget: a non-member's indicator is dropped silently.
	if !s.rooms.IsMember(sess.ConnID, evt.RoomID) {
		return nil
	}
	s.caster.BroadcastTyping(evt.RoomID, sess.UserID, sess.ConnID,
		evt.Type == wire.TypeTypingStart)
	return nil
}

func (s *Server) handleAck(sess *session.Session, evt wire.Event) error {
	var payload wire.Ack
	if err := evt.DecodePayload(&payload); err != nil {
		return &ValidationError{Field: "payload", Reason: err.Error()}
	}
	if payload.MessageID == "" {
		return &ValidationError{Field: "message_id", Reason: "must not be empty"}
	}
	// Unknown, duplicate, and late acks are discarded without error.
	s.acks.Ack(payload.MessageID, sess.ConnID)
	return nil
}

func (s *Server) handleHeartbeat(sess *session.Session, evt wire.Event) error {
	out := wire.Event{
		Type:          wire.TypeReply,
		CorrelationID: evt.CorrelationID,
		Payload:       evt.Payload,
	}
	s.pushToSender(sess, out)
	return nil
}
