package visibility

import (
	"sync"

	"github.com/google/uuid"
)

const storeShards = 32

// Store holds the hidden flag of every tracked connection. A connection with no entry
// is not tracked and its packets pass through unmodified. Writes are visible to any
// later read from any goroutine.
type Store struct {
	shards [storeShards]storeShard
}

type storeShard struct {
	mu sync.RWMutex
	m  map[uuid.UUID]bool
}

func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].m = map[uuid.UUID]bool{}
	}
	return s
}

func (s *Store) shard(id uuid.UUID) *storeShard {
	return &s.shards[(id[0]^id[15])%storeShards]
}

func (s *Store) Get(id uuid.UUID) (hidden bool, ok bool) {
	sh := s.shard(id)
	sh.mu.RLock()
	hidden, ok = sh.m[id]
	sh.mu.RUnlock()
	return hidden, ok
}

func (s *Store) Set(id uuid.UUID, hidden bool) {
	sh := s.shard(id)
	sh.mu.Lock()
	sh.m[id] = hidden
	sh.mu.Unlock()
}

// Remove drops the entry and reports what it held.
func (s *Store) Remove(id uuid.UUID) (prev bool, ok bool) {
	sh := s.shard(id)
	sh.mu.Lock()
	prev, ok = sh.m[id]
	delete(sh.m, id)
	sh.mu.Unlock()
	return prev, ok
}

// LoadOrInit stores hidden only when the connection has no entry yet. It returns the
// value now in the store and whether it was already there.
func (s *Store) LoadOrInit(id uuid.UUID, hidden bool) (actual bool, loaded bool) {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if v, ok := sh.m[id]; ok {
		return v, true
	}
	sh.m[id] = hidden
	return hidden, false
}

// Swap stores hidden and returns the previous entry, if any.
func (s *Store) Swap(id uuid.UUID, hidden bool) (prev bool, existed bool) {
	sh := s.shard(id)
	sh.mu.Lock()
	prev, existed = sh.m[id]
	sh.m[id] = hidden
	sh.mu.Unlock()
	return prev, existed
}

// CompareAndSwap replaces old with next only if the entry exists and still holds old.
func (s *Store) CompareAndSwap(id uuid.UUID, old, next bool) bool {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.m[id]
	if !ok || v != old {
		return false
	}
	sh.m[id] = next
	return true
}

func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}

// Snapshot copies the store. Entries from different shards are not read atomically
// together.
func (s *Store) Snapshot() map[uuid.UUID]bool {
	out := map[uuid.UUID]bool{}
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, v := range sh.m {
			out[k] = v
		}
		sh.mu.RUnlock()
	}
	return out
}

func (s *Store) Clear() {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		clear(sh.m)
		sh.mu.Unlock()
	}
}
