package host

import (
	"sync"

	"github.com/google/uuid"

	"strataguard/internal/sim/geom"
)

// Sink receives encoded server messages for one connection. Deliver must not block;
// it reports false when the message was dropped.
type Sink interface {
	Deliver(msg []byte) bool
}

// SinkFunc adapts a function to Sink.
type SinkFunc func([]byte) bool

func (f SinkFunc) Deliver(b []byte) bool { return f(b) }

// Conn is one connected client.
type Conn struct {
	ID     uuid.UUID
	Name   string
	Legacy bool

	sink Sink

	mu        sync.Mutex
	loc       geom.Location
	online    bool
	view      map[geom.ChunkPos]bool
	peers     map[uuid.UUID]bool
	streaming bool
}

func newConn(name string, legacy bool, at geom.Location, sink Sink) *Conn {
	return &Conn{
		ID:     uuid.New(),
		Name:   name,
		Legacy: legacy,
		sink:   sink,
		loc:    at,
		online: true,
		view:   map[geom.ChunkPos]bool{},
		peers:  map[uuid.UUID]bool{},
	}
}

func (c *Conn) Location() geom.Location {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loc
}

func (c *Conn) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// setLocation moves the connection and returns the previous location. A world
// change forgets the client's view.
func (c *Conn) setLocation(to geom.Location) geom.Location {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := c.loc
	c.loc = to
	if from.World != to.World {
		clear(c.view)
		clear(c.peers)
	}
	return from
}

func (c *Conn) setOffline() {
	c.mu.Lock()
	c.online = false
	c.mu.Unlock()
}

func (c *Conn) inView(a geom.ChunkPos) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view[a]
}

func (c *Conn) markView(a geom.ChunkPos) {
	c.mu.Lock()
	c.view[a] = true
	c.mu.Unlock()
}

// resetView forgets every column; the next stream pass sends the whole view again.
func (c *Conn) resetView() {
	c.mu.Lock()
	clear(c.view)
	c.mu.Unlock()
}

// ViewSize is the number of columns the client currently holds.
func (c *Conn) ViewSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.view)
}

// pruneView forgets columns farther than keep from center.
func (c *Conn) pruneView(center geom.ChunkPos, keep int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for a := range c.view {
		if a.Chebyshev(center) > keep {
			delete(c.view, a)
		}
	}
}

func (c *Conn) peerShown(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers[id]
}

func (c *Conn) setPeerShown(id uuid.UUID, shown bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if shown {
		c.peers[id] = true
		return
	}
	delete(c.peers, id)
}

// beginStream reports whether the caller should schedule a follow-up stream pass.
func (c *Conn) beginStream() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streaming {
		return false
	}
	c.streaming = true
	return true
}

func (c *Conn) endStream() {
	c.mu.Lock()
	c.streaming = false
	c.mu.Unlock()
}
