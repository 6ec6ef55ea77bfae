// Package volatile holds per-tab scratch values that must not outlive the
// browser tab that created them, such as PKCE exchange state.
package volatile

import (
	"sync"
	"time"
)

// Keys used by the login flow.
const (
	KeyCodeVerifier = "code_verifier"
	KeyAuthState    = "auth_state"
	KeyRedirectPath = "auth_redirect_path"
)

// Store is an in-memory set of tabs keyed by tab ID.
type Store struct {
	mu   sync.RWMutex
	tabs map[string]*Tab
	ttl  time.Duration
	now  func() time.Time
}

// NewStore creates a store whose idle tabs expire after ttl.
// A zero ttl keeps tabs until they are deleted.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		tabs: make(map[string]*Tab),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Tab returns the tab with the given ID, creating it if needed.
func (s *Store) Tab(id string) *Tab {
	now := s.now()

	s.mu.RLock()
	tab, ok := s.tabs[id]
	s.mu.RUnlock()
	if ok && !tab.expired(now, s.ttl) {
		tab.touch(now)
		return tab
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tab, ok := s.tabs[id]; ok && !tab.expired(now, s.ttl) {
		tab.touch(now)
		return tab
	}
	tab = &Tab{values: make(map[string]string), seen: now}
	s.tabs[id] = tab
	return tab
}

// Delete removes a tab and everything in it.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tabs, id)
}

// Len returns the number of tabs held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tabs)
}

// Prune drops tabs idle for longer than the TTL and returns how many were removed.
func (s *Store) Prune() int {
	if s.ttl <= 0 {
		return 0
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, tab := range s.tabs {
		if tab.expired(now, s.ttl) {
			delete(s.tabs, id)
			n++
		}
	}
	return n
}

// Tab is the scratch space of one browser tab.
type Tab struct {
	mu     sync.Mutex
	values map[string]string
	seen   time.Time
}

// NewTab returns a detached tab, useful when no store is involved.
func NewTab() *Tab {
	return &Tab{values: make(map[string]string)}
}

// Set stores value under key.
func (t *Tab) Set(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values[key] = value
}

// Get returns the value under key without removing it.
func (t *Tab) Get(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[key]
	return v, ok
}

// Take returns the value under key and removes it.
func (t *Tab) Take(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[key]
	delete(t.values, key)
	return v, ok
}

// Delete removes key.
func (t *Tab) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.values, key)
}

func (t *Tab) touch(now time.Time) {
	t.mu.Lock()
	t.seen = now
	t.mu.Unlock()
}

func (t *Tab) expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return now.Sub(t.seen) > ttl
}
