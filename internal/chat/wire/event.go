// Package wire defines the JSON event contract exchanged between the chat
// relay and its clients over a WebSocket connection.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client → server event types.
const (
	TypeJoinConversation  = "join_conversation"
	TypeLeaveConversation = "leave_conversation"
	TypeSendMessage       = "send_message"
	TypeTypingStart       = "typing_start"
	TypeTypingStop        = "typing_stop"
	TypeAck               = "ack"
	TypeHeartbeat         = "heartbeat"
)

// Server → client event types.
const (
	TypeNewMessage     = "new_message"
	TypeMessageUpdated = "message_updated"
	TypeMessageDeleted = "message_deleted"
	TypeUserJoined     = "user_joined"
	TypeUserLeft       = "user_left"
	TypeMessageError   = "message_error"
	TypeReply          = "reply"
	TypeDeliveryReport = "delivery_report"
)

// Event is the envelope for every message on the wire.
type Event struct {
	// Type identifies the event; one of the Type* constants.
	Type string `json:"type"`
	// RoomID addresses a conversation where the event requires one.
	RoomID string `json:"room_id,omitempty"`
	// CorrelationID ties a request to its reply (or error).
	CorrelationID string `json:"correlation_id,omitempty"`
	// Payload is the event-specific body.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an Event with payload marshalled from v. A nil v leaves the
// payload empty.
//
// Postcondition: Returns an Event or a non-nil error if v cannot be marshalled.
func NewEvent(eventType, roomID string, v any) (Event, error) {
	evt := Event{Type: eventType, RoomID: roomID}
	if v == nil {
		return evt, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Event{}, fmt.Errorf("marshalling %s payload: %w", eventType, err)
	}
	evt.Payload = data
	return evt, nil
}

// DecodePayload unmarshals the event payload into v.
//
// Precondition: v must be a non-nil pointer.
func (e Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// SystemEnvelope wraps structural notifications (presence and similar) with
// origin and timestamp metadata.
type SystemEnvelope struct {
	// Kind is always "system".
	Kind string `json:"type"`
	// Timestamp is the server time of the notification in ISO-8601 UTC.
	Timestamp string `json:"timestamp"`
	// Data is the notification body.
	Data json.RawMessage `json:"data"`
}

// NewSystemEvent wraps data in a SystemEnvelope stamped at now and returns it
// under eventType.
//
// Postcondition: The payload carries {"type":"system","timestamp":<ISO-8601 UTC>,"data":...}.
func NewSystemEvent(eventType, roomID string, data any, now time.Time) (Event, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshalling system data: %w", err)
	}
	return NewEvent(eventType, roomID, SystemEnvelope{
		Kind:      "system",
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Data:      body,
	})
}

// Presence is the payload of user_joined / user_left system events.
type Presence struct {
	UserID string `json:"user_id"`
}

// Typing is the payload of typing_start / typing_stop events.
type Typing struct {
	UserID string `json:"user_id"`
}

// SendMessage is the client payload requesting a message broadcast.
type SendMessage struct {
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Ack is the client payload acknowledging receipt of a tracked message.
type Ack struct {
	MessageID string `json:"message_id"`
}

// MessageRecord is the payload of new_message / message_updated broadcasts
// and of the correlated reply to send_message.
type MessageRecord struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"room_id"`
	UserID    string          `json:"user_id"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MessageDeleted is the payload of message_deleted broadcasts.
type MessageDeleted struct {
	MessageID string `json:"message_id"`
}

// RoomStatus is the reply payload for join_conversation / leave_conversation.
type RoomStatus struct {
	RoomID  string `json:"room_id"`
	Members int    `json:"members"`
}

// Error is the payload of message_error events.
type Error struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// DeliveryReport is sent to the original sender when a tracked broadcast
// resolves.
type DeliveryReport struct {
	MessageID string `json:"message_id"`
	Delivered int    `json:"delivered"`
	Total     int    `json:"total"`
	TimedOut  bool   `json:"timed_out"`
}

// Heartbeat is the payload of heartbeat events; the server echoes the
// client's send time in its reply so either side can compute latency.
type Heartbeat struct {
	SentAt int64 `json:"sent_at_unix_ms"`
}
