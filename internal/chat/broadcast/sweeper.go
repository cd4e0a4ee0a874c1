package broadcast

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chatrelay/internal/chat/ack"
	"github.com/cory-johannsen/chatrelay/internal/chat/room"
)

// Sweeper periodically evicts rooms that stayed empty across a full sweep
// interval and clears stale acknowledgment entries. Because marking and
// eviction are separate phases, a room vacated and rejoined between sweeps
// is never lost.
type Sweeper struct {
	interval time.Duration
	rooms    *room.Index
	acks     *ack.Tracker
	logger   *zap.Logger
}

// NewSweeper returns a Sweeper that fires every interval.
//
// Precondition: interval must be > 0; rooms, acks, and logger must be non-nil.
func NewSweeper(interval time.Duration, rooms *room.Index, acks *ack.Tracker, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		panic("broadcast.NewSweeper: interval must be > 0")
	}
	return &Sweeper{
		interval: interval,
		rooms:    rooms,
		acks:     acks,
		logger:   logger,
	}
}

// Start begins the sweep loop. Runs until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepNow()
			}
		}
	}()
}

// SweepNow runs one maintenance pass: rooms marked empty are re-checked and
// evicted when still vacant, and acknowledgment entries whose timeout
// somehow failed to clean up are dropped.
//
// Postcondition: Returns the number of rooms evicted.
func (s *Sweeper) SweepNow() int {
	start := time.Now()

	evicted := 0
	for _, roomID := range s.rooms.MarkedEmpty() {
		if s.rooms.Evict(roomID) {
			evicted++
		}
	}

	staleAcks := s.acks.SweepStale(s.interval)

	if evicted > 0 || staleAcks > 0 {
		s.logger.Info("sweep complete",
			zap.Int("rooms_evicted", evicted),
			zap.Int("stale_acks", staleAcks),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
	return evicted
}
