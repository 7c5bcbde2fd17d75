package visibility

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// TeleportToken marks a teleport the controller issued itself. The teleport
// notification that carries it is ignored, once.
type TeleportToken struct {
	conn uuid.UUID
	used atomic.Bool
}

func (t *TeleportToken) Conn() uuid.UUID { return t.conn }

// Consume marks the token used. Only the first call returns true.
func (t *TeleportToken) Consume() bool {
	return t != nil && t.used.CompareAndSwap(false, true)
}

func (t *TeleportToken) Used() bool { return t != nil && t.used.Load() }

// Tokens tracks the one in-flight internal teleport per connection.
type Tokens struct {
	mu       sync.Mutex
	inflight map[uuid.UUID]*TeleportToken
}

func NewTokens() *Tokens {
	return &Tokens{inflight: map[uuid.UUID]*TeleportToken{}}
}

// Issue creates a token for id, invalidating any earlier one still in flight.
func (k *Tokens) Issue(id uuid.UUID) *TeleportToken {
	tok := &TeleportToken{conn: id}
	k.mu.Lock()
	if old := k.inflight[id]; old != nil {
		old.used.Store(true)
	}
	k.inflight[id] = tok
	k.mu.Unlock()
	return tok
}

// Consume spends tok for id. It fails for foreign, stale or already used tokens.
func (k *Tokens) Consume(id uuid.UUID, tok *TeleportToken) bool {
	if tok == nil || tok.conn != id {
		return false
	}
	if !tok.Consume() {
		return false
	}
	k.mu.Lock()
	if k.inflight[id] == tok {
		delete(k.inflight, id)
	}
	k.mu.Unlock()
	return true
}

// Release abandons tok without it being seen by a teleport notification.
func (k *Tokens) Release(id uuid.UUID, tok *TeleportToken) {
	if tok == nil {
		return
	}
	tok.used.Store(true)
	k.mu.Lock()
	if k.inflight[id] == tok {
		delete(k.inflight, id)
	}
	k.mu.Unlock()
}

func (k *Tokens) InFlight(id uuid.UUID) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.inflight[id] != nil
}

// Clear drops whatever token id has in flight.
func (k *Tokens) Clear(id uuid.UUID) {
	k.mu.Lock()
	if tok := k.inflight[id]; tok != nil {
		tok.used.Store(true)
		delete(k.inflight, id)
	}
	k.mu.Unlock()
}
