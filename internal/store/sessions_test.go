package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestSessions_GetCreatesOnMiss(t *testing.T) {
	s := NewSessions(0, 0)
	m := s.Get("abc")
	require.NotNil(t, m)
	assert.Equal(t, "abc", m.ID)
	assert.Empty(t, m.ImagePath)
	assert.Same(t, m, s.Get("abc"))
	assert.Equal(t, 1, s.Len())
}

func TestSessions_Init(t *testing.T) {
	s := NewSessions(0, 0)
	m := s.Init("abc", "/tmp/x.png")
	assert.Equal(t, "abc", m.ID)
	got, ok := s.Lookup("abc")
	require.True(t, ok)
	assert.Equal(t, "/tmp/x.png", got.ImagePath)

	_, ok = s.Lookup("missing")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestSessions_CapacityEvictsLeastRecent(t *testing.T) {
	s := NewSessions(2, 0)
	var evicted []string
	s.OnEvict(func(m *SessionMemory) { evicted = append(evicted, m.ID) })

	s.Get("a")
	s.Get("b")
	s.Get("a")
	s.Get("c")

	assert.Equal(t, []string{"b"}, evicted)
	_, ok := s.Lookup("b")
	assert.False(t, ok)
	_, ok = s.Lookup("a")
	assert.True(t, ok)
}

func TestSessions_TTL(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	s := NewSessions(0, time.Minute)
	s.now = clock.now
	var evicted []string
	s.OnEvict(func(m *SessionMemory) { evicted = append(evicted, m.ID) })

	first := s.Get("a")
	first.RecordUserTurn("hi")
	s.Get("b")

	clock.t = clock.t.Add(30 * time.Second)
	s.Get("b")

	clock.t = clock.t.Add(45 * time.Second)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, []string{"a"}, evicted)

	clock.t = clock.t.Add(2 * time.Minute)
	fresh := s.Get("b")
	assert.Empty(t, fresh.History())
	assert.Equal(t, []string{"a", "b"}, evicted)
}

func TestSessions_Remove(t *testing.T) {
	s := NewSessions(0, 0)
	calls := 0
	s.OnEvict(func(*SessionMemory) { calls++ })
	s.Get("a")
	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, s.Len())
}

func TestSessions_HookMayUseStore(t *testing.T) {
	s := NewSessions(1, 0)
	s.OnEvict(func(*SessionMemory) { _ = s.Len() })
	s.Get("a")
	done := make(chan struct{})
	go func() {
		s.Get("b")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("evict hook deadlocked the store")
	}
}

func TestSessions_Concurrent(t *testing.T) {
	s := NewSessions(16, time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Get(fmt.Sprintf("s%d", i%20))
			s.Sweep()
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, s.Len(), 16)
}
