package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/chatrelay/internal/chat/ack"
	"github.com/cory-johannsen/chatrelay/internal/chat/room"
)

func TestSweeper_EvictsRoomEmptyAcrossSweep(t *testing.T) {
	logger := zaptest.NewLogger(t)
	rooms := room.NewIndex()
	acks := ack.NewTracker(logger)
	s := NewSweeper(time.Minute, rooms, acks, logger)

	rooms.Join("c1", "r1")
	rooms.Leave("c1", "r1")
	require.Equal(t, 1, rooms.RoomCount())

	assert.Equal(t, 1, s.SweepNow())
	assert.Equal(t, 0, rooms.RoomCount())
}

func TestSweeper_RejoinWithinIntervalSurvives(t *testing.T) {
	logger := zaptest.NewLogger(t)
	rooms := room.NewIndex()
	acks := ack.NewTracker(logger)
	s := NewSweeper(time.Minute, rooms, acks, logger)

	rooms.Join("c1", "r1")
	rooms.Leave("c1", "r1")
	// Vacated and rejoined before the sweep fires: identity persists.
	rooms.Join("c2", "r1")

	assert.Equal(t, 0, s.SweepNow())
	assert.Equal(t, 1, rooms.RoomCount())
	assert.True(t, rooms.IsMember("c2", "r1"))
}

func TestSweeper_OccupiedRoomsUntouched(t *testing.T) {
	logger := zaptest.NewLogger(t)
	rooms := room.NewIndex()
	acks := ack.NewTracker(logger)
	s := NewSweeper(time.Minute, rooms, acks, logger)

	rooms.Join("c1", "r1")
	rooms.Join("c2", "r2")

	assert.Equal(t, 0, s.SweepNow())
	assert.Equal(t, 2, rooms.RoomCount())
}

func TestSweeper_StartRunsPeriodically(t *testing.T) {
	logger := zaptest.NewLogger(t)
	rooms := room.NewIndex()
	acks := ack.NewTracker(logger)
	s := NewSweeper(20*time.Millisecond, rooms, acks, logger)

	rooms.Join("c1", "r1")
	rooms.Leave("c1", "r1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	deadline := time.After(2 * time.Second)
	for rooms.RoomCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper did not evict the empty room")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestNewSweeper_RejectsZeroInterval(t *testing.T) {
	logger := zaptest.NewLogger(t)
	assert.Panics(t, func() {
		NewSweeper(0, room.NewIndex(), ack.NewTracker(logger), logger)
	})
}
