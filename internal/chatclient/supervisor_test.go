package chatclient

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/chatrelay/internal/chat/wire"
	"github.com/cory-johannsen/chatrelay/internal/config"
)

// causedError carries its own disconnect classification.
type causedError struct{ cause Cause }

func (e causedError) Error() string          { return string(e.cause) }
func (e causedError) DisconnectCause() Cause { return e.cause }

type fakeLink struct {
	mu        sync.Mutex
	sent      []wire.Event
	onSend    func(evt wire.Event, l *fakeLink)
	incoming  chan wire.Event
	closed    chan struct{}
	closeOnce sync.Once
	failErr   error
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		incoming: make(chan wire.Event, 16),
		closed:   make(chan struct{}),
		failErr:  causedError{CauseTransportClose},
	}
}

func (l *fakeLink) Send(evt wire.Event) error {
	l.mu.Lock()
	l.sent = append(l.sent, evt)
	onSend := l.onSend
	l.mu.Unlock()
	if onSend != nil {
		onSend(evt, l)
	}
	return nil
}

func (l *fakeLink) Receive() (wire.Event, error) {
	select {
	case evt := <-l.incoming:
		return evt, nil
	case <-l.closed:
		l.mu.Lock()
		defer l.mu.Unlock()
		return wire.Event{}, l.failErr
	}
}

func (l *fakeLink) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeLink) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// dropWith severs the link so Receive reports err.
func (l *fakeLink) dropWith(err error) {
	l.mu.Lock()
	l.failErr = err
	l.mu.Unlock()
	_ = l.Close()
}

type fakeTransport struct {
	mu      sync.Mutex
	dials   int
	links   []*fakeLink
	dialErr func(attempt int) error
	block   chan struct{}
}

func (ft *fakeTransport) Dial(_ context.Context, _, _ string) (Link, error) {
	ft.mu.Lock()
	ft.dials++
	n := ft.dials
	block := ft.block
	errFn := ft.dialErr
	ft.mu.Unlock()

	if block != nil {
		<-block
	}
	if errFn != nil {
		if err := errFn(n); err != nil {
			return nil, err
		}
	}

	l := newFakeLink()
	ft.mu.Lock()
	ft.links = append(ft.links, l)
	ft.mu.Unlock()
	return l, nil
}

func (ft *fakeTransport) dialCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.dials
}

func (ft *fakeTransport) link(t *testing.T, i int) *fakeLink {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		ft.mu.Lock()
		if i < len(ft.links) {
			l := ft.links[i]
			ft.mu.Unlock()
			return l
		}
		ft.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("link %d never established", i)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testClientConfig() config.ClientConfig {
	return config.ClientConfig{
		HeartbeatInterval:    time.Hour, // tests drive sampling directly
		HeartbeatTimeout:     40 * time.Millisecond,
		ReconnectBase:        5 * time.Millisecond,
		ReconnectCap:         20 * time.Millisecond,
		MaxReconnectAttempts: 3,
		EmitTimeout:          250 * time.Millisecond,
	}
}

func newTestSupervisor(t *testing.T, cfg config.ClientConfig, ft *fakeTransport) *Supervisor {
	t.Helper()
	s := NewSupervisor(cfg, ft, "ws://relay/ws", "test-token", zaptest.NewLogger(t))
	s.jitter = func(time.Duration) time.Duration { return 0 }
	t.Cleanup(s.Disconnect)
	return s
}

func waitForState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state %s never reached, still %s", want, s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Supervisor) currentAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

func TestSupervisor_ConnectTransitionsToConnected(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSupervisor(t, testClientConfig(), ft)

	var mu sync.Mutex
	var states []State
	s.OnStateChange(func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	assert.Equal(t, StateDisconnected, s.State())
	s.Connect()
	waitForState(t, s, StateConnected)
	assert.Equal(t, 1, ft.dialCount())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected}, states)
}

func TestSupervisor_ConnectWhileConnectedIsNoOp(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSupervisor(t, testClientConfig(), ft)

	s.Connect()
	waitForState(t, s, StateConnected)
	s.Connect()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, ft.dialCount())
}

func TestSupervisor_ExhaustedAttemptsReachFailed(t *testing.T) {
	ft := &fakeTransport{
		dialErr: func(int) error { return causedError{CauseTransportError} },
	}
	s := newTestSupervisor(t, testClientConfig(), ft)

	s.Connect()
	waitForState(t, s, StateFailed)
	// Initial dial plus one per budgeted retry.
	assert.Equal(t, testClientConfig().MaxReconnectAttempts+1, ft.dialCount())
}

func TestSupervisor_ReconnectsAfterRetryableDrop(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSupervisor(t, testClientConfig(), ft)

	s.Connect()
	waitForState(t, s, StateConnected)

	ft.link(t, 0).dropWith(causedError{CauseServerClose})
	waitForState(t, s, StateConnected)
	assert.Equal(t, 2, ft.dialCount())
	assert.Equal(t, 0, s.currentAttempt())
}

func TestSupervisor_PingTimeoutIsRetryable(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSupervisor(t, testClientConfig(), ft)

	s.Connect()
	waitForState(t, s, StateConnected)

	ft.link(t, 0).dropWith(causedError{CausePingTimeout})
	waitForState(t, s, StateConnected)
	assert.Equal(t, 2, ft.dialCount())
}

func TestSupervisor_DisconnectDoesNotRetry(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSupervisor(t, testClientConfig(), ft)

	s.Connect()
	waitForState(t, s, StateConnected)

	s.Disconnect()
	assert.Equal(t, StateDisconnected, s.State())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, ft.dialCount())
	assert.True(t, ft.link(t, 0).isClosed())
}

func TestSupervisor_DisconnectDuringBackoffCancelsTimer(t *testing.T) {
	cfg := testClientConfig()
	cfg.ReconnectBase = time.Hour
	cfg.ReconnectCap = time.Hour
	ft := &fakeTransport{
		dialErr: func(int) error { return causedError{CauseTransportError} },
	}
	s := newTestSupervisor(t, cfg, ft)

	s.Connect()
	waitForState(t, s, StateReconnecting)
	s.Disconnect()
	assert.Equal(t, StateDisconnected, s.State())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, ft.dialCount())
}

func TestSupervisor_LateDialSuccessAfterDisconnectDiscarded(t *testing.T) {
	ft := &fakeTransport{block: make(chan struct{})}
	s := newTestSupervisor(t, testClientConfig(), ft)

	s.Connect()
	// The dial is in flight, blocked inside the transport.
	deadline := time.Now().Add(2 * time.Second)
	for ft.dialCount() == 0 {
		require.False(t, time.Now().After(deadline), "dial never started")
		time.Sleep(5 * time.Millisecond)
	}

	s.Disconnect()
	close(ft.block)

	link := ft.link(t, 0)
	linkDeadline := time.Now().Add(2 * time.Second)
	for !link.isClosed() {
		require.False(t, time.Now().After(linkDeadline), "stale link never closed")
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSupervisor_NetworkRestoredRetriesImmediately(t *testing.T) {
	cfg := testClientConfig()
	cfg.ReconnectBase = time.Hour
	cfg.ReconnectCap = time.Hour
	ft := &fakeTransport{
		dialErr: func(n int) error {
			if n == 1 {
				return causedError{CauseTransportError}
			}
			return nil
		},
	}
	s := newTestSupervisor(t, cfg, ft)

	s.Connect()
	waitForState(t, s, StateReconnecting)

	s.NetworkRestored()
	waitForState(t, s, StateConnected)
	assert.Equal(t, 2, ft.dialCount())
	assert.Equal(t, 0, s.currentAttempt())
}

func TestNextDelay_BackoffFormula(t *testing.T) {
	cfg := testClientConfig()
	cfg.ReconnectBase = 10 * time.Millisecond
	cfg.ReconnectCap = time.Second
	s := newTestSupervisor(t, cfg, &fakeTransport{})

	delayAt := func(attempt int) time.Duration {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.attempt = attempt
		return s.nextDelayLocked()
	}

	assert.Equal(t, 10*time.Millisecond, delayAt(0))
	assert.Equal(t, 20*time.Millisecond, delayAt(1))
	assert.Equal(t, 40*time.Millisecond, delayAt(2))
	assert.Equal(t, time.Second, delayAt(20))
	assert.Equal(t, time.Second, delayAt(64))
}

func TestNextDelay_JitterAddedThenClamped(t *testing.T) {
	cfg := testClientConfig()
	cfg.ReconnectBase = 10 * time.Millisecond
	cfg.ReconnectCap = 15 * time.Millisecond
	s := newTestSupervisor(t, cfg, &fakeTransport{})
	s.jitter = func(max time.Duration) time.Duration {
		assert.Equal(t, 5*time.Millisecond, max)
		return 3 * time.Millisecond
	}

	s.mu.Lock()
	s.attempt = 0
	delay := s.nextDelayLocked()
	s.mu.Unlock()
	assert.Equal(t, 13*time.Millisecond, delay)

	s.jitter = func(time.Duration) time.Duration { return 10 * time.Millisecond }
	s.mu.Lock()
	delay = s.nextDelayLocked()
	s.mu.Unlock()
	assert.Equal(t, 15*time.Millisecond, delay)
}

func TestSupervisor_EmitWhenDisconnected(t *testing.T) {
	s := newTestSupervisor(t, testClientConfig(), &fakeTransport{})
	_, err := s.Emit(wire.TypeSendMessage, "r1", wire.SendMessage{Content: "hi"}, time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSupervisor_EmitDeliversCorrelatedReply(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSupervisor(t, testClientConfig(), ft)
	s.Connect()
	waitForState(t, s, StateConnected)

	link := ft.link(t, 0)
	link.mu.Lock()
	link.onSend = func(evt wire.Event, l *fakeLink) {
		reply := wire.Event{Type: wire.TypeReply, CorrelationID: evt.CorrelationID, Payload: evt.Payload}
		l.incoming <- reply
	}
	link.mu.Unlock()

	reply, err := s.Emit(wire.TypeSendMessage, "r1", wire.SendMessage{Content: "hi"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeReply, reply.Type)
	var payload wire.SendMessage
	require.NoError(t, reply.DecodePayload(&payload))
	assert.Equal(t, "hi", payload.Content)
}

func TestSupervisor_EmitTimesOutWithoutReply(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSupervisor(t, testClientConfig(), ft)
	s.Connect()
	waitForState(t, s, StateConnected)

	_, err := s.Emit(wire.TypeSendMessage, "r1", wire.SendMessage{Content: "hi"}, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmitTimeout)

	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	assert.Equal(t, 0, pending)
}

func TestSupervisor_EmitFailsFastWhenLinkDrops(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSupervisor(t, testClientConfig(), ft)
	s.Connect()
	waitForState(t, s, StateConnected)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Emit(wire.TypeSendMessage, "r1", wire.SendMessage{Content: "hi"}, 5*time.Second)
		errCh <- err
	}()

	// Give the emit a moment to register, then sever the link.
	time.Sleep(20 * time.Millisecond)
	ft.link(t, 0).dropWith(causedError{CauseTransportClose})

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("emit did not fail after link drop")
	}
}

func TestSupervisor_OnEventHandlersInvoked(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSupervisor(t, testClientConfig(), ft)

	received := make(chan wire.Event, 1)
	s.OnEvent(wire.TypeNewMessage, func(evt wire.Event) { received <- evt })

	s.Connect()
	waitForState(t, s, StateConnected)

	evt, err := wire.NewEvent(wire.TypeNewMessage, "r1", wire.MessageRecord{ID: "m1", Content: "hello"})
	require.NoError(t, err)
	ft.link(t, 0).incoming <- evt

	select {
	case got := <-received:
		var record wire.MessageRecord
		require.NoError(t, got.DecodePayload(&record))
		assert.Equal(t, "m1", record.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestSupervisor_HeartbeatSamplesLatency(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSupervisor(t, testClientConfig(), ft)
	s.Connect()
	waitForState(t, s, StateConnected)

	link := ft.link(t, 0)
	link.mu.Lock()
	link.onSend = func(evt wire.Event, l *fakeLink) {
		if evt.Type == wire.TypeHeartbeat {
			l.incoming <- wire.Event{Type: wire.TypeReply, CorrelationID: evt.CorrelationID, Payload: evt.Payload}
		}
	}
	link.mu.Unlock()

	s.sampleHeartbeat()

	latest, ok := s.LastLatency()
	require.True(t, ok)
	assert.Greater(t, latest, time.Duration(0))
	avg, ok := s.Latency()
	require.True(t, ok)
	assert.Greater(t, avg, time.Duration(0))
}

func TestSupervisor_MissedHeartbeatIsAdvisoryOnly(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSupervisor(t, testClientConfig(), ft)
	s.Connect()
	waitForState(t, s, StateConnected)

	// No reply is scripted, so the sample times out.
	s.sampleHeartbeat()

	latest, ok := s.LastLatency()
	require.True(t, ok)
	assert.Equal(t, testClientConfig().HeartbeatTimeout, latest)
	assert.Equal(t, StateConnected, s.State())
}

func TestCause_Retryable(t *testing.T) {
	assert.False(t, CauseClientDisconnect.Retryable())
	assert.True(t, CauseServerClose.Retryable())
	assert.True(t, CausePingTimeout.Retryable())
	assert.True(t, CauseTransportClose.Retryable())
	assert.True(t, CauseTransportError.Retryable())
}

func TestDisconnectCause_Classification(t *testing.T) {
	assert.Equal(t, CauseServerClose,
		disconnectCause(&websocket.CloseError{Code: websocket.CloseGoingAway}))
	assert.Equal(t, CauseTransportClose, disconnectCause(net.ErrClosed))
	assert.Equal(t, CauseTransportError, disconnectCause(errors.New("boom")))
	assert.Equal(t, CausePingTimeout, disconnectCause(causedError{CausePingTimeout}))
}

func TestLatencyWindow_BoundedRing(t *testing.T) {
	w := newLatencyWindow(3)

	_, ok := w.Average()
	assert.False(t, ok)

	w.Record(10 * time.Millisecond)
	w.Record(20 * time.Millisecond)
	avg, ok := w.Average()
	require.True(t, ok)
	assert.Equal(t, 15*time.Millisecond, avg)

	w.Record(30 * time.Millisecond)
	w.Record(60 * time.Millisecond) // overwrites the oldest sample

	avg, ok = w.Average()
	require.True(t, ok)
	assert.Equal(t, time.Duration(110*time.Millisecond)/3, avg)

	latest, ok := w.Latest()
	require.True(t, ok)
	assert.Equal(t, 60*time.Millisecond, latest)
}
