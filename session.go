package sessionws

import (
	"context"
	"sync"
	"time"
)

// Session is the cookie-correlated bag of key/value state for one client.
// The registry stores the session ws id inside Values under the configured
// session key.
type Session struct {
	ID        string
	Values    map[string]any
	CreatedAt time.Time
	ExpiresAt time.Time

	mu      sync.RWMutex
	changed bool

	// encoded caches the gob-serialized Values between the Manager's size
	// check and the store's write. Valid only for the duration of one Save.
	encoded []byte
}

// Get returns the value stored under key.
func (s *Session) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.Values[key]
	return v, ok
}

// Set stores a value under key and marks the session as changed.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Values[key] = value
	s.changed = true
}

// Delete removes key from the session. The session is marked changed only
// if the key was present.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Values[key]; ok {
		delete(s.Values, key)
		s.changed = true
	}
}

// Changed reports whether the session has been mutated since it was loaded
// or last saved. Callers use it to decide whether persistence must run
// before a response (or a websocket handshake) goes out.
func (s *Session) Changed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

// Clear wipes all values from the session.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.Values {
		delete(s.Values, k)
	}
	s.changed = true
}

// Store defines the interface for session persistence.
type Store interface {
	// Get retrieves a session by its ID. Returns (nil, nil) when absent.
	Get(ctx context.Context, id string) (*Session, error)
	// Save saves a session to the store.
	Save(ctx context.Context, s *Session) error
	// Delete removes a session from the store.
	Delete(ctx context.Context, id string) error
	// Cleanup removes expired sessions from the store.
	Cleanup(ctx context.Context) error
	// Close closes the store.
	Close() error
}
