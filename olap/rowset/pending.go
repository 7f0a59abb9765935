package rowset

import (
	"sync"
)

// PendingSet records rowset ids whose files are still being materialized by a
// writer. An id in the set is invisible to GC. Ids are split into a local and
// a remote bucket so remote GC can be handled separately.
type PendingSet struct {
	mu     sync.Mutex
	local  map[ID]struct{}
	remote map[ID]struct{}
}

func NewPendingSet() *PendingSet {
	return &PendingSet{
		local:  make(map[ID]struct{}),
		remote: make(map[ID]struct{}),
	}
}

// Add reserves the id and returns the guard whose Release is the sole removal
// path. Adding an id twice returns a second guard over the same entry; the
// first Release removes it.
func (s *PendingSet) Add(id ID, isLocal bool) *PendingGuard {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isLocal {
		s.local[id] = struct{}{}
	} else {
		s.remote[id] = struct{}{}
	}
	return &PendingGuard{set: s, id: id, isLocal: isLocal}
}

func (s *PendingSet) Contains(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.local[id]; ok {
		return true
	}
	_, ok := s.remote[id]
	return ok
}

func (s *PendingSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.local) + len(s.remote)
}

func (s *PendingSet) remove(id ID, isLocal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isLocal {
		delete(s.local, id)
	} else {
		delete(s.remote, id)
	}
}

// PendingGuard keeps one rowset id in the pending set until released. Release
// on every exit path, including failed writes.
type PendingGuard struct {
	set     *PendingSet
	id      ID
	isLocal bool
	once    sync.Once
}

func (g *PendingGuard) ID() ID { return g.id }

func (g *PendingGuard) Release() {
	g.once.Do(func() {
		g.set.remove(g.id, g.isLocal)
	})
}
