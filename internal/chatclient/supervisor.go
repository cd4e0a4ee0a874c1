// Package chatclient maintains one logical connection to the chat relay:
// lifecycle state, heartbeat latency sampling, exponential-backoff
// reconnection, and correlated request/response exchange.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/chatrelay/internal/chat/wire"
	"github.com/cory-johannsen/chatrelay/internal/config"
)

// State is the supervisor's connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Cause classifies why a connection ended.
type Cause string

const (
	// CauseClientDisconnect is a deliberate local Disconnect call.
	CauseClientDisconnect Cause = "client_disconnect"
	// CauseServerClose is a close frame initiated by the relay.
	CauseServerClose Cause = "server_close"
	// CausePingTimeout is a keepalive that went unanswered.
	CausePingTimeout Cause = "ping_timeout"
	// CauseTransportClose is the underlying socket closing.
	CauseTransportClose Cause = "transport_close"
	// CauseTransportError is any other transport failure.
	CauseTransportError Cause = "transport_error"
)

// Retryable reports whether the supervisor should attempt reconnection after
// a disconnect with this cause. Only a deliberate client disconnect is final.
func (c Cause) Retryable() bool {
	return c != CauseClientDisconnect
}

var (
	// ErrNotConnected is returned by Emit and Send when no link is established.
	ErrNotConnected = errors.New("not connected")
	// ErrEmitTimeout is returned when a correlated reply does not arrive in time.
	ErrEmitTimeout = errors.New("emit timed out")
)

// Supervisor owns one logical connection to the relay and keeps it alive
// across transient failures. All methods are safe for concurrent use.
type Supervisor struct {
	cfg       config.ClientConfig
	transport Transport
	url       string
	token     string
	logger    *zap.Logger
	latency   *latencyWindow

	// jitter draws a random delay in [0, max); injectable for tests.
	jitter func(max time.Duration) time.Duration

	mu             sync.Mutex
	state          State
	attempt        int
	gen            uint64
	link           Link
	reconnectTimer *time.Timer
	stopHeartbeat  chan struct{}
	pending        map[string]chan wire.Event
	handlers       map[string][]func(wire.Event)
	stateSubs      []func(State)
}

// NewSupervisor creates a Supervisor in the Disconnected state. Nothing is
// dialled until Connect is called.
//
// Precondition: transport and logger must be non-nil; url must be non-empty.
func NewSupervisor(cfg config.ClientConfig, transport Transport, url, token string, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		transport: transport,
		url:       url,
		token:     token,
		logger:    logger,
		latency:   newLatencyWindow(16),
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int64N(int64(max)))
		},
		state:    StateDisconnected,
		pending:  make(map[string]chan wire.Event),
		handlers: make(map[string][]func(wire.Event)),
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers a callback invoked on every state transition.
// Callbacks run on the supervisor's internal goroutines and must not call
// back into the Supervisor.
func (s *Supervisor) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateSubs = append(s.stateSubs, fn)
}

// OnEvent registers a handler for inbound events of the given type that carry
// no pending correlation. Handlers run on the read loop goroutine.
func (s *Supervisor) OnEvent(eventType string, fn func(wire.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[eventType] = append(s.handlers[eventType], fn)
}

// Latency returns the average of recent heartbeat round-trip samples. ok is
// false before the first sample.
func (s *Supervisor) Latency() (avg time.Duration, ok bool) {
	return s.latency.Average()
}

// LastLatency returns the most recent heartbeat round-trip sample.
func (s *Supervisor) LastLatency() (d time.Duration, ok bool) {
	return s.latency.Latest()
}

func (s *Supervisor) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.state = next
	for _, fn := range s.stateSubs {
		fn(next)
	}
}

// Connect starts dialling asynchronously. A supervisor that is already
// Connecting or Connected is left alone.
func (s *Supervisor) Connect() {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return
	}
	s.attempt = 0
	s.gen++
	gen := s.gen
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	go s.dial(gen)
}

// dial attempts one connection for the given generation. A generation bumped
// by Disconnect or a fresh Connect makes the outcome of this dial moot; a
// late success is closed and discarded.
func (s *Supervisor) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.EmitTimeout)
	link, err := s.transport.Dial(ctx, s.url, s.token)
	cancel()

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}
		return
	}
	if err != nil {
		s.logger.Warn("dial failed",
			zap.String("url", s.url),
			zap.Int("attempt", s.attempt),
			zap.Error(err),
		)
		s.scheduleReconnectLocked(gen, disconnectCause(err))
		s.mu.Unlock()
		return
	}

	s.link = link
	s.attempt = 0
	stop := make(chan struct{})
	s.stopHeartbeat = stop
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	s.logger.Info("connected", zap.String("url", s.url))
	go s.readLoop(gen, link)
	go s.heartbeatLoop(stop)
}

// readLoop drains the link until it drops, routing events as it goes.
func (s *Supervisor) readLoop(gen uint64, link Link) {
	for {
		evt, err := link.Receive()
		if err != nil {
			s.connectionLost(gen, err)
			return
		}
		s.route(evt)
	}
}

// route delivers an event either to the Emit waiter registered under its
// correlation id or to the type handlers.
func (s *Supervisor) route(evt wire.Event) {
	s.mu.Lock()
	if evt.CorrelationID != "" {
		if ch, ok := s.pending[evt.CorrelationID]; ok {
			delete(s.pending, evt.CorrelationID)
			s.mu.Unlock()
			ch <- evt
			return
		}
	}
	handlers := make([]func(wire.Event), len(s.handlers[evt.Type]))
	copy(handlers, s.handlers[evt.Type])
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(evt)
	}
}

// connectionLost handles a link failure for the given generation. Stale
// generations (already superseded by Disconnect or Reconnect) are ignored.
func (s *Supervisor) connectionLost(gen uint64, err error) {
	cause := disconnectCause(err)

	s.mu.Lock()
	if gen != s.gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.teardownLinkLocked()
	s.logger.Warn("connection lost",
		zap.String("cause", string(cause)),
		zap.Error(err),
	)
	if !cause.Retryable() {
		s.setStateLocked(StateDisconnected)
		s.mu.Unlock()
		return
	}
	s.scheduleReconnectLocked(gen, cause)
	s.mu.Unlock()
}

// teardownLinkLocked closes the link, stops the heartbeat loop, and fails
// every pending Emit.
func (s *Supervisor) teardownLinkLocked() {
	if s.link != nil {
		_ = s.link.Close()
		s.link = nil
	}
	if s.stopHeartbeat != nil {
		close(s.stopHeartbeat)
		s.stopHeartbeat = nil
	}
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

// scheduleReconnectLocked arms the single reconnect timer slot, or gives up
// when the attempt budget is exhausted.
func (s *Supervisor) scheduleReconnectLocked(gen uint64, cause Cause) {
	if s.attempt >= s.cfg.MaxReconnectAttempts {
		s.logger.Error("reconnect attempts exhausted",
			zap.Int("attempts", s.attempt),
			zap.String("cause", string(cause)),
		)
		s.setStateLocked(StateFailed)
		return
	}
	delay := s.nextDelayLocked()
	s.attempt++
	s.setStateLocked(StateReconnecting)

	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(delay, func() { s.retry(gen) })

	s.logger.Info("reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", s.attempt),
		zap.String("cause", string(cause)),
	)
}

// nextDelayLocked computes min(base * 2^attempt + jitter, cap).
func (s *Supervisor) nextDelayLocked() time.Duration {
	base := s.cfg.ReconnectBase
	limit := s.cfg.ReconnectCap
	if s.attempt >= 32 {
		return limit
	}
	delay := base << uint(s.attempt)
	if delay <= 0 || delay >= limit {
		return limit
	}
	delay += s.jitter(base / 2)
	if delay > limit {
		return limit
	}
	return delay
}

// retry fires when the reconnect timer elapses.
func (s *Supervisor) retry(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	s.dial(gen)
}

// Disconnect deliberately tears the connection down: every timer is cleared,
// pending emits fail, and any in-flight dial's eventual success is discarded.
// The supervisor does not reconnect until told to.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.teardownLinkLocked()
	s.attempt = 0
	s.setStateLocked(StateDisconnected)
	s.logger.Info("disconnected", zap.String("cause", string(CauseClientDisconnect)))
}

// Reconnect abandons any scheduled backoff, resets the attempt counter, and
// dials immediately. A no-op while Connected or already Connecting.
func (s *Supervisor) Reconnect() {
	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.attempt = 0
	s.gen++
	gen := s.gen
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	go s.dial(gen)
}

// NetworkRestored signals that connectivity is back. The backoff ladder is
// abandoned in favour of an immediate attempt.
func (s *Supervisor) NetworkRestored() {
	s.logger.Info("network restored")
	s.Reconnect()
}

// Emit sends an event and waits for the correlated reply.
//
// Precondition: the supervisor must be Connected; otherwise ErrNotConnected.
// Postcondition: Returns the reply event, or ErrEmitTimeout when none arrives
// within timeout (zero means the configured default).
func (s *Supervisor) Emit(eventType, roomID string, payload any, timeout time.Duration) (wire.Event, error) {
	if timeout <= 0 {
		timeout = s.cfg.EmitTimeout
	}
	evt, err := wire.NewEvent(eventType, roomID, payload)
	if err != nil {
		return wire.Event{}, err
	}
	evt.CorrelationID = uuid.NewString()

	s.mu.Lock()
	if s.state != StateConnected || s.link == nil {
		s.mu.Unlock()
		return wire.Event{}, ErrNotConnected
	}
	link := s.link
	ch := make(chan wire.Event, 1)
	s.pending[evt.CorrelationID] = ch
	s.mu.Unlock()

	if err := link.Send(evt); err != nil {
		s.removePending(evt.CorrelationID)
		return wire.Event{}, fmt.Errorf("sending %s: %w", eventType, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ch:
		if !ok {
			// The link dropped while we were waiting.
			return wire.Event{}, ErrNotConnected
		}
		return reply, nil
	case <-timer.C:
		s.removePending(evt.CorrelationID)
		return wire.Event{}, fmt.Errorf("%w after %s", ErrEmitTimeout, timeout)
	}
}

func (s *Supervisor) removePending(correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, correlationID)
}

// Send transmits an event without waiting for a reply.
//
// Precondition: the supervisor must be Connected; otherwise ErrNotConnected.
func (s *Supervisor) Send(eventType, roomID string, payload any) error {
	evt, err := wire.NewEvent(eventType, roomID, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateConnected || s.link == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	link := s.link
	s.mu.Unlock()

	if err := link.Send(evt); err != nil {
		return fmt.Errorf("sending %s: %w", eventType, err)
	}
	return nil
}

// heartbeatLoop samples round-trip latency on a fixed cadence until the
// connection it belongs to goes away.
func (s *Supervisor) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sampleHeartbeat()
		}
	}
}

// sampleHeartbeat performs one latency measurement. A missed heartbeat records
// the bounded window as a pessimistic sample; it never tears the link down.
func (s *Supervisor) sampleHeartbeat() {
	start := time.Now()
	_, err := s.Emit(wire.TypeHeartbeat, "", wire.Heartbeat{SentAt: start.UnixMilli()}, s.cfg.HeartbeatTimeout)
	if err != nil {
		if errors.Is(err, ErrEmitTimeout) {
			s.latency.Record(s.cfg.HeartbeatTimeout)
			s.logger.Warn("heartbeat missed",
				zap.Duration("window", s.cfg.HeartbeatTimeout),
			)
		}
		return
	}
	elapsed := time.Since(start)
	s.latency.Record(elapsed)
	s.logger.Debug("heartbeat sampled", zap.Duration("elapsed", elapsed))
}
