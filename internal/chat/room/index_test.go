package room

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestIndex_JoinReturnsCount(t *testing.T) {
	x := NewIndex()
	assert.Equal(t, 1, x.Join("c1", "conversation:42"))
	assert.Equal(t, 2, x.Join("c2", "conversation:42"))
}

func TestIndex_JoinIdempotent(t *testing.T) {
	x := NewIndex()
	x.Join("c1", "conversation:42")
	before := len(x.Members("conversation:42"))
	count := x.Join("c1", "conversation:42")
	assert.Equal(t, before, count)
	assert.Len(t, x.Members("conversation:42"), before)
}

func TestIndex_LeaveRemovesPairing(t *testing.T) {
	x := NewIndex()
	x.Join("c1", "r1")
	x.Join("c2", "r1")

	remaining := x.Leave("c1", "r1")
	assert.Equal(t, 1, remaining)
	assert.False(t, x.IsMember("c1", "r1"))
	assert.True(t, x.IsMember("c2", "r1"))
	assert.Empty(t, x.Rooms("c1"))
}

func TestIndex_LeaveUnknownIsNoop(t *testing.T) {
	x := NewIndex()
	assert.Equal(t, 0, x.Leave("ghost", "nowhere"))
	assert.Equal(t, 0, x.RoomCount())
}

func TestIndex_LeaveMarksEmptyRoomWithoutDeleting(t *testing.T) {
	x := NewIndex()
	x.Join("c1", "r1")
	x.Leave("c1", "r1")

	// Room survives, marked for deferred cleanup.
	assert.Equal(t, 1, x.RoomCount())
	assert.Contains(t, x.MarkedEmpty(), "r1")
}

func TestIndex_RejoinClearsEvictionMark(t *testing.T) {
	x := NewIndex()
	x.Join("c1", "r1")
	x.Leave("c1", "r1")
	x.Join("c2", "r1")

	assert.Empty(t, x.MarkedEmpty())
	assert.False(t, x.Evict("r1"))
	assert.True(t, x.IsMember("c2", "r1"))
}

func TestIndex_EvictRemovesMarkedEmptyRoom(t *testing.T) {
	x := NewIndex()
	x.Join("c1", "r1")
	x.Leave("c1", "r1")

	assert.True(t, x.Evict("r1"))
	assert.Equal(t, 0, x.RoomCount())
	assert.Empty(t, x.MarkedEmpty())
}

func TestIndex_EvictUnmarkedIsNoop(t *testing.T) {
	x := NewIndex()
	x.Join("c1", "r1")
	assert.False(t, x.Evict("r1"))
	assert.Equal(t, 1, x.RoomCount())
}

func TestIndex_MembersSnapshotIsolated(t *testing.T) {
	x := NewIndex()
	x.Join("c1", "r1")
	x.Join("c2", "r1")

	snapshot := x.Members("r1")
	require.Len(t, snapshot, 2)

	x.Join("c3", "r1")
	x.Leave("c1", "r1")

	// The earlier snapshot is unaffected by later mutations.
	assert.Len(t, snapshot, 2)
	assert.Contains(t, snapshot, "c1")
}

func TestIndex_RemoveConnectionReportsEmptiedRooms(t *testing.T) {
	x := NewIndex()
	x.Join("c1", "r1")
	x.Join("c1", "r2")
	x.Join("c2", "r2")

	emptied := x.RemoveConnection("c1")
	assert.Equal(t, []string{"r1"}, emptied)
	assert.Empty(t, x.Rooms("c1"))
	assert.True(t, x.IsMember("c2", "r2"))
}

func TestIndex_RemoveConnectionUnknown(t *testing.T) {
	x := NewIndex()
	assert.Nil(t, x.RemoveConnection("ghost"))
}

func TestIndex_ConcurrentJoinLeave(t *testing.T) {
	x := NewIndex()
	const n = 100
	var wg sync.WaitGroup

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			x.Join(fmt.Sprintf("c%d", i), "r1")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, x.MemberCount("r1"))

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			x.RemoveConnection(fmt.Sprintf("c%d", i))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, x.MemberCount("r1"))
	assert.Contains(t, x.MarkedEmpty(), "r1")
}

func TestProperty_MembershipBidirectionallyConsistent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		x := NewIndex()
		rooms := []string{"r1", "r2", "r3"}
		numConns := rapid.IntRange(1, 15).Draw(t, "num_conns")

		for i := 0; i < numConns; i++ {
			roomIdx := rapid.IntRange(0, len(rooms)-1).Draw(t, "join_room")
			x.Join(fmt.Sprintf("c%d", i), rooms[roomIdx])
		}

		numOps := rapid.IntRange(0, numConns*3).Draw(t, "num_ops")
		for i := 0; i < numOps; i++ {
			connIdx := rapid.IntRange(0, numConns-1).Draw(t, "op_conn")
			roomIdx := rapid.IntRange(0, len(rooms)-1).Draw(t, "op_room")
			connID := fmt.Sprintf("c%d", connIdx)
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				x.Join(connID, rooms[roomIdx])
			case 1:
				x.Leave(connID, rooms[roomIdx])
			case 2:
				x.RemoveConnection(connID)
			}
		}

		// Every room member must report the room back, and vice versa.
		for _, roomID := range rooms {
			for _, connID := range x.Members(roomID) {
				found := false
				for _, r := range x.Rooms(connID) {
					if r == roomID {
						found = true
					}
				}
				if !found {
					t.Fatalf("room %s lists %s but the connection does not list the room", roomID, connID)
				}
			}
		}
		for i := 0; i < numConns; i++ {
			connID := fmt.Sprintf("c%d", i)
			for _, roomID := range x.Rooms(connID) {
				if !x.IsMember(connID, roomID) {
					t.Fatalf("connection %s lists %s but is not a member", connID, roomID)
				}
			}
		}
	})
}
