package session

import (
	"fmt"
	"sync"
	"time"
)

// Session tracks one authenticated connection.
type Session struct {
	// ConnID is the unique connection identifier assigned at handshake.
	ConnID string
	// UserID is the identity verified by the authentication collaborator.
	UserID string
	// ConnectedAt is when the handshake completed.
	ConnectedAt time.Time
	// Outbox is the connection's outbound event queue.
	Outbox *Outbox

	mu           sync.Mutex
	lastActivity time.Time
}

// Touch records activity on the connection.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

// LastActivity returns the time of the most recent inbound event.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Registry tracks all live connection sessions.
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // connID → session
	buffer   int
}

// NewRegistry creates an empty Registry whose outboxes buffer up to
// outboxBuffer events.
func NewRegistry(outboxBuffer int) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		buffer:   outboxBuffer,
	}
}

// Add registers a new connection session.
//
// Precondition: connID and userID must be non-empty.
// Postcondition: Returns the created Session, or an error if the connection
// ID is already registered.
func (r *Registry) Add(connID, userID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[connID]; exists {
		return nil, fmt.Errorf("connection %q already registered", connID)
	}

	now := time.Now()
	sess := &Session{
		ConnID:       connID,
		UserID:       userID,
		ConnectedAt:  now,
		Outbox:       NewOutbox(connID, r.buffer),
		lastActivity: now,
	}
	r.sessions[connID] = sess
	return sess, nil
}

// Remove deregisters a connection and closes its outbox.
//
// Postcondition: Returns an error if the connection is not registered.
func (r *Registry) Remove(connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, exists := r.sessions[connID]
	if !exists {
		return fmt.Errorf("connection %q not found", connID)
	}
	_ = sess.Outbox.Close()
	delete(r.sessions, connID)
	return nil
}

// Get returns the session for the given connection ID.
//
// Postcondition: Returns (session, true) if found, or (nil, false) otherwise.
func (r *Registry) Get(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[connID]
	return sess, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
