package session

import (
	"sync"
	"time"
)

// defaultTTL is the inactivity window after which a session's conversation
// state is evicted.
const defaultTTL = 30 * time.Minute

// Turn is one completed exchange: what the user said and what the assistant
// replied.
type Turn struct {
	// UserText is the confirmed user utterance.
	UserText string

	// AssistantText is the assistant's full reply. Empty when the reply was
	// interrupted before completion.
	AssistantText string

	// Confidence is the recognition confidence of the user utterance.
	Confidence float64

	// Time is when the turn completed.
	Time time.Time
}

// Store keeps per-session conversation history with TTL-based eviction.
// All methods are safe for concurrent use.
type Store struct {
	ttl time.Duration

	mu       sync.Mutex
	sessions map[string]*record
}

type record struct {
	turns        []Turn
	lastActivity time.Time
}

// NewStore creates a Store. A non-positive ttl selects the 30 minute
// default.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{
		ttl:      ttl,
		sessions: make(map[string]*record),
	}
}

// AppendTurn records a completed exchange and refreshes the session's
// activity timestamp.
func (s *Store) AppendTurn(sessionID string, t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.sessions[sessionID]
	if r == nil {
		r = &record{}
		s.sessions[sessionID] = r
	}
	r.turns = append(r.turns, t)
	r.lastActivity = time.Now()
}

// Turns returns a copy of the session's history, oldest first.
func (s *Store) Turns(sessionID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.sessions[sessionID]
	if r == nil {
		return nil
	}
	out := make([]Turn, len(r.turns))
	copy(out, r.turns)
	return out
}

// Touch refreshes the session's activity timestamp, creating the record if
// needed.
func (s *Store) Touch(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.sessions[sessionID]
	if r == nil {
		r = &record{}
		s.sessions[sessionID] = r
	}
	r.lastActivity = time.Now()
}

// Clear empties the session's history without removing the record.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.sessions[sessionID]; r != nil {
		r.turns = nil
		r.lastActivity = time.Now()
	}
}

// Remove discards the session entirely.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Sweep evicts sessions idle longer than the TTL and returns their ids.
// Called periodically from the scheduled pool.
func (s *Store) Sweep(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []string
	for id, r := range s.sessions {
		if now.Sub(r.lastActivity) > s.ttl {
			delete(s.sessions, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Len returns the number of live session records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
