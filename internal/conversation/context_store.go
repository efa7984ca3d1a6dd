package conversation

import "sync"

// Handle addresses one conversation on one channel.
type Handle struct {
	Channel string `json:"channel"`
	Address string `json:"address"`
}

// ContextStore maps session keys to the channel handle a session was started from, so
// work resumed on another goroutine can still reach the user.
type ContextStore struct {
	mu      sync.RWMutex
	entries map[string]Handle
}

// NewContextStore creates an empty ContextStore.
func NewContextStore() *ContextStore {
	return &ContextStore{entries: make(map[string]Handle)}
}

// Put records the handle for sessionKey, replacing any previous one.
func (s *ContextStore) Put(sessionKey string, h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sessionKey] = h
}

// Get returns the handle for sessionKey.
func (s *ContextStore) Get(sessionKey string) (Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.entries[sessionKey]
	return h, ok
}

// Remove drops the entry for sessionKey.
func (s *ContextStore) Remove(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionKey)
}

// Len returns the number of tracked sessions.
func (s *ContextStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
