// Package session provides per-connection state tracking and the outbound
// event queue that decouples room fan-out from individual socket writers.
package session

import (
	"fmt"
	"sync"

	"github.com/cory-johannsen/chatrelay/internal/chat/wire"
)

// Outbox buffers outbound wire events for one connection. Fan-out pushes
// into the buffer; the connection's write pump drains it. A slow consumer
// overflows its own buffer without blocking delivery to other members.
type Outbox struct {
	connID string
	events chan wire.Event
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox for the given connection ID.
//
// Precondition: connID must be non-empty.
// Postcondition: Returns an Outbox with an open events channel.
func NewOutbox(connID string, bufferSize int) *Outbox {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Outbox{
		connID: connID,
		events: make(chan wire.Event, bufferSize),
	}
}

// ConnID returns the owning connection's identifier.
func (o *Outbox) ConnID() string {
	return o.connID
}

// Push enqueues an event for delivery.
//
// Postcondition: The event is enqueued, or an error when the outbox is
// closed or full.
func (o *Outbox) Push(evt wire.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("outbox %s is closed", o.connID)
	}
	select {
	case o.events <- evt:
		return nil
	default:
		return fmt.Errorf("outbox %s buffer full", o.connID)
	}
}

// Events returns the read-only event channel. The write pump reads from it
// until it is closed.
func (o *Outbox) Events() <-chan wire.Event {
	return o.events
}

// Close marks the outbox closed and closes the events channel. Idempotent.
//
// Postcondition: Further Push calls return an error.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.events)
	}
	return nil
}

// IsClosed reports whether the outbox has been closed.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
