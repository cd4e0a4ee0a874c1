// Package broadcast fans out wire events to room members and runs the
// periodic maintenance sweep.
package broadcast

import (
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chatrelay/internal/chat/ack"
	"github.com/cory-johannsen/chatrelay/internal/chat/room"
	"github.com/cory-johannsen/chatrelay/internal/chat/session"
	"github.com/cory-johannsen/chatrelay/internal/chat/wire"
)

// Broadcaster delivers events to the current members of a room. Delivery to
// each member is independent: a failed push to one outbox never blocks the
// rest.
type Broadcaster struct {
	rooms      *room.Index
	sessions   *session.Registry
	acks       *ack.Tracker
	ackTimeout time.Duration
	logger     *zap.Logger

	now func() time.Time
}

// NewBroadcaster creates a Broadcaster with the given dependencies.
//
// Precondition: rooms, sessions, acks, and logger must be non-nil;
// ackTimeout must be > 0.
func NewBroadcaster(rooms *room.Index, sessions *session.Registry, acks *ack.Tracker, ackTimeout time.Duration, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		rooms:      rooms,
		sessions:   sessions,
		acks:       acks,
		ackTimeout: ackTimeout,
		logger:     logger,
		now:        time.Now,
	}
}

// Broadcast delivers evt to every current member of roomID except
// excludeConnID (when non-empty).
//
// Postcondition: Returns the addressee count.
func (b *Broadcaster) Broadcast(roomID string, evt wire.Event, excludeConnID string) int {
	members := b.rooms.Members(roomID)
	addressed := 0
	for _, connID := range members {
		if connID == excludeConnID {
			continue
		}
		addressed++
		b.push(connID, evt)
	}
	return addressed
}

// push enqueues evt on one member's outbox, logging failures without
// propagating them.
func (b *Broadcaster) push(connID string, evt wire.Event) {
	sess, ok := b.sessions.Get(connID)
	if !ok {
		// Disconnected between snapshot and delivery.
		return
	}
	if err := sess.Outbox.Push(evt); err != nil {
		b.logger.Warn("push to outbox failed",
			zap.String("conn_id", connID),
			zap.String("event", evt.Type),
			zap.Error(err),
		)
	}
}

// BroadcastSystemEvent wraps data in the system envelope (origin "system",
// ISO-8601 UTC timestamp) and broadcasts it under eventType. Used for
// presence notifications such as user_joined / user_left.
//
// Postcondition: Returns the addressee count; 0 when marshalling fails.
func (b *Broadcaster) BroadcastSystemEvent(roomID, eventType string, data any, excludeConnID string) int {
	evt, err := wire.NewSystemEvent(eventType, roomID, data, b.now())
	if err != nil {
		b.logger.Error("building system event",
			zap.String("event", eventType),
			zap.Error(err),
		)
		return 0
	}
	return b.Broadcast(roomID, evt, excludeConnID)
}

// BroadcastTyping relays a typing indicator to the room, excluding the
// typist. Fire and forget: no acknowledgment tracking, losses tolerated.
func (b *Broadcaster) BroadcastTyping(roomID, userID, excludeConnID string, typing bool) int {
	eventType := wire.TypeTypingStart
	if !typing {
		eventType = wire.TypeTypingStop
	}
	evt, err := wire.NewEvent(eventType, roomID, wire.Typing{UserID: userID})
	if err != nil {
		b.logger.Error("building typing event", zap.Error(err))
		return 0
	}
	return b.Broadcast(roomID, evt, excludeConnID)
}

// BroadcastWithAck sends evt to every member of roomID at call time and
// registers acknowledgment tracking keyed by messageID, expecting one ack
// per addressed member. onComplete is invoked exactly once when every member
// acknowledges or when the timeout fires, whichever comes first. A zero
// timeout uses the configured default.
//
// Acks from connections outside the at-send-time member snapshot, or
// arriving after resolution, are ignored.
//
// Postcondition: Returns the addressee count.
func (b *Broadcaster) BroadcastWithAck(roomID, messageID string, evt wire.Event, timeout time.Duration, onComplete func(ack.Result)) int {
	if timeout <= 0 {
		timeout = b.ackTimeout
	}

	members := b.rooms.Members(roomID)

	// Register tracking before fan-out so an immediate ack counts.
	if err := b.acks.Track(messageID, roomID, members, timeout, onComplete); err != nil {
		b.logger.Error("registering acknowledgment tracking",
			zap.String("message_id", messageID),
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return 0
	}

	for _, connID := range members {
		b.push(connID, evt)
	}
	return len(members)
}
