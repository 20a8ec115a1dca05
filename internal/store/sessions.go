package store

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

// EvictFunc is called after a session leaves the store, outside the store lock.
type EvictFunc func(m *SessionMemory)

// Sessions is the process-wide registry of session memories. It is bounded
// by capacity (least recently used first) and by an idle TTL; zero disables
// either bound.
type Sessions struct {
	mu       sync.Mutex
	cache    *lru.Cache
	lastSeen map[string]time.Time
	ttl      time.Duration
	hooks    []EvictFunc
	evicted  []*SessionMemory

	now func() time.Time
}

func NewSessions(capacity int, ttl time.Duration) *Sessions {
	s := &Sessions{
		cache:    lru.New(capacity),
		lastSeen: make(map[string]time.Time),
		ttl:      ttl,
		now:      time.Now,
	}
	s.cache.OnEvicted = func(key lru.Key, value interface{}) {
		id := key.(string)
		delete(s.lastSeen, id)
		s.evicted = append(s.evicted, value.(*SessionMemory))
	}
	return s
}

// OnEvict registers a teardown hook.
func (s *Sessions) OnEvict(fn EvictFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Init registers a new session for imagePath under id.
func (s *Sessions) Init(id, imagePath string) *SessionMemory {
	m := NewSessionMemory(id, imagePath)
	s.Put(m)
	return m
}

// Put stores m, replacing any session with the same id.
func (s *Sessions) Put(m *SessionMemory) {
	s.mu.Lock()
	s.cache.Add(m.ID, m)
	s.lastSeen[m.ID] = s.now()
	s.release()
}

// Get returns the session for id, creating an empty one on a miss or when
// the previous one has expired.
func (s *Sessions) Get(id string) *SessionMemory {
	s.mu.Lock()
	m, ok := s.lookupLocked(id)
	if !ok {
		m = NewSessionMemory(id, "")
		s.cache.Add(id, m)
	}
	s.lastSeen[id] = s.now()
	s.release()
	return m
}

// Lookup returns the session for id without creating one.
func (s *Sessions) Lookup(id string) (*SessionMemory, bool) {
	s.mu.Lock()
	m, ok := s.lookupLocked(id)
	if ok {
		s.lastSeen[id] = s.now()
	}
	s.release()
	return m, ok
}

// Remove drops the session for id and runs the teardown hooks.
func (s *Sessions) Remove(id string) bool {
	s.mu.Lock()
	_, ok := s.cache.Get(id)
	if ok {
		s.cache.Remove(id)
	}
	s.release()
	return ok
}

// Sweep evicts every session idle for longer than the TTL and reports how
// many were removed.
func (s *Sessions) Sweep() int {
	s.mu.Lock()
	if s.ttl <= 0 {
		s.mu.Unlock()
		return 0
	}
	now := s.now()
	var expired []string
	for id, seen := range s.lastSeen {
		if now.Sub(seen) > s.ttl {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		s.cache.Remove(id)
	}
	s.release()
	return len(expired)
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

func (s *Sessions) lookupLocked(id string) (*SessionMemory, bool) {
	v, ok := s.cache.Get(id)
	if !ok {
		return nil, false
	}
	if s.ttl > 0 && s.now().Sub(s.lastSeen[id]) > s.ttl {
		s.cache.Remove(id)
		return nil, false
	}
	return v.(*SessionMemory), true
}

// release unlocks the store and then runs the hooks for evicted sessions.
func (s *Sessions) release() {
	evicted := s.evicted
	s.evicted = nil
	hooks := make([]EvictFunc, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	for _, m := range evicted {
		for _, fn := range hooks {
			fn(m)
		}
	}
}
