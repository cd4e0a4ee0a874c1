// Package ack tracks per-message delivery acknowledgments with a single
// cancellable timeout per tracked broadcast.
package ack

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrAlreadyTracked is returned when a message id is tracked twice.
var ErrAlreadyTracked = errors.New("message already tracked")

// Result reports how a tracked broadcast resolved.
type Result struct {
	// Delivered is the number of distinct recipients that acknowledged.
	Delivered int
	// Total is the recipient count at send time.
	Total int
	// TimedOut is true when the timeout fired before all acknowledgments
	// arrived.
	TimedOut bool
}

// entry is one pending acknowledgment record. It resolves to exactly one
// terminal outcome; afterwards it is gone from the table and late acks are
// discarded without error.
type entry struct {
	roomID     string
	expected   map[string]bool
	received   map[string]bool
	timer      *time.Timer
	deadline   time.Time
	onComplete func(Result)
}

// Tracker owns the pending-acknowledgment table.
// All methods are safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*entry
	logger  *zap.Logger

	now func() time.Time
}

// NewTracker creates an empty Tracker.
//
// Precondition: logger must be non-nil.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		pending: make(map[string]*entry),
		logger:  logger,
		now:     time.Now,
	}
}

// Track registers a pending acknowledgment for messageID addressed to
// recipients. onComplete is invoked exactly once: with TimedOut=false when
// every recipient acknowledges within timeout, or with TimedOut=true and the
// partial count when the timeout fires first.
//
// Zero recipients resolve immediately as fully delivered.
//
// Precondition: messageID must be non-empty; timeout must be > 0;
// onComplete must be non-nil.
func (t *Tracker) Track(messageID, roomID string, recipients []string, timeout time.Duration, onComplete func(Result)) error {
	if len(recipients) == 0 {
		onComplete(Result{Delivered: 0, Total: 0, TimedOut: false})
		return nil
	}

	t.mu.Lock()
	if _, exists := t.pending[messageID]; exists {
		t.mu.Unlock()
		return ErrAlreadyTracked
	}

	expected := make(map[string]bool, len(recipients))
	for _, connID := range recipients {
		expected[connID] = true
	}

	e := &entry{
		roomID:     roomID,
		expected:   expected,
		received:   make(map[string]bool, len(recipients)),
		deadline:   t.now().Add(timeout),
		onComplete: onComplete,
	}
	e.timer = time.AfterFunc(timeout, func() {
		t.resolveTimeout(messageID)
	})
	t.pending[messageID] = e
	t.mu.Unlock()

	return nil
}

// Ack records an acknowledgment from connID for messageID.
// Acks for unknown messages, from connections outside the at-send-time
// recipient set, duplicates, and arrivals after resolution are all discarded.
//
// Postcondition: Returns true only when the ack counted.
func (t *Tracker) Ack(messageID, connID string) bool {
	t.mu.Lock()
	e, ok := t.pending[messageID]
	if !ok || !e.expected[connID] || e.received[connID] {
		t.mu.Unlock()
		return false
	}
	e.received[connID] = true

	if len(e.received) < len(e.expected) {
		t.mu.Unlock()
		return true
	}

	// Fully acknowledged: cancel the timer and resolve. Stopping an
	// already-fired timer is a no-op; the timeout path finds the entry gone.
	e.timer.Stop()
	delete(t.pending, messageID)
	result := Result{Delivered: len(e.received), Total: len(e.expected), TimedOut: false}
	onComplete := e.onComplete
	t.mu.Unlock()

	onComplete(result)
	return true
}

// resolveTimeout reports a partial delivery when the timer fires before all
// acknowledgments arrive.
func (t *Tracker) resolveTimeout(messageID string) {
	t.mu.Lock()
	e, ok := t.pending[messageID]
	if !ok {
		// Resolved by the final ack while the timer was firing.
		t.mu.Unlock()
		return
	}
	delete(t.pending, messageID)
	result := Result{Delivered: len(e.received), Total: len(e.expected), TimedOut: true}
	onComplete := e.onComplete
	roomID := e.roomID
	t.mu.Unlock()

	t.logger.Debug("tracked broadcast timed out",
		zap.String("message_id", messageID),
		zap.String("room_id", roomID),
		zap.Int("delivered", result.Delivered),
		zap.Int("total", result.Total),
	)
	onComplete(result)
}

// PendingCount returns the number of unresolved entries.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// SweepStale evicts entries whose deadline passed more than horizon ago but
// whose timeout cleanup somehow did not run, resolving each as timed out.
// A defensive pass to bound memory; under normal operation it finds nothing.
//
// Postcondition: Returns the number of entries evicted.
func (t *Tracker) SweepStale(horizon time.Duration) int {
	cutoff := t.now().Add(-horizon)

	t.mu.Lock()
	var stale []string
	for messageID, e := range t.pending {
		if e.deadline.Before(cutoff) {
			stale = append(stale, messageID)
		}
	}

	type resolution struct {
		onComplete func(Result)
		result     Result
	}
	resolutions := make([]resolution, 0, len(stale))
	for _, messageID := range stale {
		e := t.pending[messageID]
		e.timer.Stop()
		delete(t.pending, messageID)
		resolutions = append(resolutions, resolution{
			onComplete: e.onComplete,
			result:     Result{Delivered: len(e.received), Total: len(e.expected), TimedOut: true},
		})
	}
	t.mu.Unlock()

	if len(stale) > 0 {
		t.logger.Warn("evicted stale acknowledgment entries",
			zap.Int("count", len(stale)),
		)
	}
	for _, r := range resolutions {
		r.onComplete(r.result)
	}
	return len(stale)
}
