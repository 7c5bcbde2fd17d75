package visibility

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Cooldowns rate-limits refreshes caused by hidden transitions. Entries outlive the
// hidden state itself: leaving and re-entering an area does not reset them.
type Cooldowns struct {
	mu    sync.Mutex
	until map[uuid.UUID]time.Time
}

func NewCooldowns() *Cooldowns {
	return &Cooldowns{until: map[uuid.UUID]time.Time{}}
}

// TryArm reports whether the window for id has expired and, if so, starts a new one.
func (c *Cooldowns) TryArm(id uuid.UUID, now time.Time, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.until[id]; ok && now.Before(u) {
		return false
	}
	c.until[id] = now.Add(window)
	return true
}

func (c *Cooldowns) Until(id uuid.UUID) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.until[id]
	return u, ok
}

func (c *Cooldowns) Clear(id uuid.UUID) {
	c.mu.Lock()
	delete(c.until, id)
	c.mu.Unlock()
}

// Sweep drops expired entries and returns how many were removed.
func (c *Cooldowns) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, u := range c.until {
		if !now.Before(u) {
			delete(c.until, id)
			n++
		}
	}
	return n
}

func (c *Cooldowns) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.until)
}
