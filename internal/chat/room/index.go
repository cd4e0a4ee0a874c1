// Package room tracks bidirectional membership between connections and
// conversation rooms, with deferred eviction of empty rooms.
package room

import (
	"sync"
	"time"
)

// Index is the authoritative connection↔room membership table.
// All methods are safe for concurrent use.
//
// Invariant: a pairing present in rooms is present in conns and vice versa.
// Invariant: a room with zero members stays in the table, marked for
// eviction, until a sweep confirms it is still empty.
type Index struct {
	mu    sync.RWMutex
	rooms map[string]map[string]bool // roomID → set of connection IDs
	conns map[string]map[string]bool // connID → set of room IDs
	// emptySince records when a room's membership last reached zero.
	// Joining the room clears the mark.
	emptySince map[string]time.Time

	now func() time.Time
}

// NewIndex creates an empty membership Index.
func NewIndex() *Index {
	return &Index{
		rooms:      make(map[string]map[string]bool),
		conns:      make(map[string]map[string]bool),
		emptySince: make(map[string]time.Time),
		now:        time.Now,
	}
}

// Join adds the connection to the room. Idempotent: joining a room the
// connection is already in leaves membership unchanged.
//
// Precondition: connID and roomID must be non-empty.
// Postcondition: Returns the member count after the join.
func (x *Index) Join(connID, roomID string) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.rooms[roomID] == nil {
		x.rooms[roomID] = make(map[string]bool)
	}
	x.rooms[roomID][connID] = true

	if x.conns[connID] == nil {
		x.conns[connID] = make(map[string]bool)
	}
	x.conns[connID][roomID] = true

	// An occupied room is no longer an eviction candidate.
	delete(x.emptySince, roomID)

	return len(x.rooms[roomID])
}

// Leave removes the connection from the room; a no-op if the pairing is
// absent. A room whose membership reaches zero is marked for deferred
// cleanup, not deleted, so an immediate rejoin keeps the room's identity.
//
// Postcondition: Returns the member count after the leave.
func (x *Index) Leave(connID, roomID string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.leaveLocked(connID, roomID)
}

func (x *Index) leaveLocked(connID, roomID string) int {
	members, ok := x.rooms[roomID]
	if !ok {
		return 0
	}
	delete(members, connID)

	if rs, ok := x.conns[connID]; ok {
		delete(rs, roomID)
		if len(rs) == 0 {
			delete(x.conns, connID)
		}
	}

	if len(members) == 0 {
		x.emptySince[roomID] = x.now()
	}
	return len(members)
}

// Members returns a snapshot of the room's current member connection IDs.
// Concurrent joins and leaves after the call do not affect the returned
// slice.
//
// Postcondition: Returns a freshly allocated slice (may be empty).
func (x *Index) Members(roomID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	members, ok := x.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(members))
	for connID := range members {
		out = append(out, connID)
	}
	return out
}

// MemberCount returns the number of connections currently in the room.
func (x *Index) MemberCount(roomID string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.rooms[roomID])
}

// IsMember reports whether the connection is currently in the room.
func (x *Index) IsMember(connID, roomID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.rooms[roomID][connID]
}

// Rooms returns a snapshot of the room IDs the connection has joined.
func (x *Index) Rooms(connID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	rs, ok := x.conns[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rs))
	for roomID := range rs {
		out = append(out, roomID)
	}
	return out
}

// RemoveConnection removes the connection from every room it had joined.
// Invoked on disconnect.
//
// Postcondition: Returns the rooms that became empty as a result, so the
// caller can notify presence listeners once per room.
func (x *Index) RemoveConnection(connID string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	rs, ok := x.conns[connID]
	if !ok {
		return nil
	}

	var emptied []string
	for roomID := range rs {
		if x.leaveLocked(connID, roomID) == 0 {
			emptied = append(emptied, roomID)
		}
	}
	return emptied
}

// MarkedEmpty returns the rooms currently marked for deferred eviction.
func (x *Index) MarkedEmpty() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]string, 0, len(x.emptySince))
	for roomID := range x.emptySince {
		out = append(out, roomID)
	}
	return out
}

// Evict deletes the room if it is still marked empty and has no members.
// A room rejoined since its mark is left untouched.
//
// Postcondition: Returns true only when the room was removed.
func (x *Index) Evict(roomID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, marked := x.emptySince[roomID]; !marked {
		return false
	}
	if len(x.rooms[roomID]) != 0 {
		// Re-occupied between marking and eviction.
		delete(x.emptySince, roomID)
		return false
	}
	delete(x.rooms, roomID)
	delete(x.emptySince, roomID)
	return true
}

// RoomCount returns the number of rooms in the table, including rooms
// awaiting eviction.
func (x *Index) RoomCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.rooms)
}
