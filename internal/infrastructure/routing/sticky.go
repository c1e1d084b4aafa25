package routing

import (
	"sync"
	"time"
)

const defaultStickyCapacity = 10000

// stickyEntry binds one session to a pipeline until expiry.
type stickyEntry struct {
	pipelineID string
	expiresAt  time.Time
	lastUsed   time.Time
}

// StickyStore is the session → pipeline affinity map shared across the
// entries of a category. Entries expire by TTL and are swept lazily on
// lookup; when the map exceeds capacity the least recently used binding is
// evicted.
type StickyStore struct {
	mu       sync.Mutex
	sessions map[string]*stickyEntry
	capacity int
}

// NewStickyStore creates a sticky session store.
func NewStickyStore(capacity int) *StickyStore {
	if capacity <= 0 {
		capacity = defaultStickyCapacity
	}
	return &StickyStore{
		sessions: make(map[string]*stickyEntry),
		capacity: capacity,
	}
}

// Lookup returns the bound pipeline id for a session, if the binding has
// not expired. Expired entries are removed on the way.
func (s *StickyStore) Lookup(sessionID string) (string, bool) {
	if sessionID == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return "", false
	}
	now := time.Now()
	if now.After(e.expiresAt) {
		delete(s.sessions, sessionID)
		return "", false
	}
	e.lastUsed = now
	return e.pipelineID, true
}

// Bind associates a session with a pipeline for ttl.
func (s *StickyStore) Bind(sessionID, pipelineID string, ttl time.Duration) {
	if sessionID == "" || ttl <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if len(s.sessions) >= s.capacity {
		s.evictLocked(now)
	}
	s.sessions[sessionID] = &stickyEntry{
		pipelineID: pipelineID,
		expiresAt:  now.Add(ttl),
		lastUsed:   now,
	}
}

// evictLocked drops expired entries first, then the LRU entry if still over
// capacity.
func (s *StickyStore) evictLocked(now time.Time) {
	for id, e := range s.sessions {
		if now.After(e.expiresAt) {
			delete(s.sessions, id)
		}
	}
	if len(s.sessions) < s.capacity {
		return
	}
	var oldestID string
	var oldest time.Time
	for id, e := range s.sessions {
		if oldestID == "" || e.lastUsed.Before(oldest) {
			oldestID = id
			oldest = e.lastUsed
		}
	}
	if oldestID != "" {
		delete(s.sessions, oldestID)
	}
}

// Len returns the number of live bindings (including not-yet-swept expired
// ones).
func (s *StickyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
