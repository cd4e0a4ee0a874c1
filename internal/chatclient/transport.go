package chatclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/chatrelay/internal/chat/wire"
)

// Link is one established connection to the relay.
type Link interface {
	// Send writes one event to the relay.
	Send(evt wire.Event) error
	// Receive blocks until the next event arrives or the link drops.
	Receive() (wire.Event, error)
	// Close tears the link down. Idempotent.
	Close() error
}

// Transport dials new links. The production implementation speaks WebSocket;
// tests substitute a fake.
type Transport interface {
	Dial(ctx context.Context, url, token string) (Link, error)
}

// causer lets an error carry its own disconnect classification.
type causer interface {
	DisconnectCause() Cause
}

// disconnectCause classifies a link failure into a reconnection cause.
func disconnectCause(err error) Cause {
	var c causer
	if errors.As(err, &c) {
		return c.DisconnectCause()
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return CauseServerClose
	}
	if errors.Is(err, net.ErrClosed) {
		return CauseTransportClose
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CausePingTimeout
	}
	return CauseTransportError
}

// WebSocketTransport dials the relay over gorilla/websocket.
type WebSocketTransport struct {
	// HandshakeTimeout bounds the dial. Zero means 10 seconds.
	HandshakeTimeout time.Duration
}

// Dial connects to url, presenting token as an Authorization bearer.
//
// Postcondition: Returns an open Link or a non-nil error.
func (t *WebSocketTransport) Dial(ctx context.Context, url, token string) (Link, error) {
	timeout := t.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return &wsLink{conn: conn}, nil
}

type wsLink struct {
	conn *websocket.Conn
}

func (l *wsLink) Send(evt wire.Event) error {
	return l.conn.WriteJSON(evt)
}

func (l *wsLink) Receive() (wire.Event, error) {
	var evt wire.Event
	if err := l.conn.ReadJSON(&evt); err != nil {
		return wire.Event{}, err
	}
	return evt, nil
}

func (l *wsLink) Close() error {
	return l.conn.Close()
}
