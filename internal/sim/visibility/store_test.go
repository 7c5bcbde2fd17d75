package visibility

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"strataguard/internal/sim/tuning"
)

func TestStore_CompoundOperations(t *testing.T) {
	s := NewStore()
	id := uuid.New()
	if v, loaded := s.LoadOrInit(id, true); loaded || !v {
		t.Fatalf("first LoadOrInit should store: got %v loaded=%v", v, loaded)
	}
	if v, loaded := s.LoadOrInit(id, false); !loaded || !v {
		t.Fatalf("second LoadOrInit should keep the stored value")
	}
	if s.CompareAndSwap(id, false, true) {
		t.Fatalf("CAS with a stale old value must fail")
	}
	if !s.CompareAndSwap(id, true, false) {
		t.Fatalf("CAS should succeed")
	}
	if prev, existed := s.Swap(id, true); !existed || prev {
		t.Fatalf("swap: prev=%v existed=%v", prev, existed)
	}
	if prev, ok := s.Remove(id); !ok || !prev {
		t.Fatalf("remove: prev=%v ok=%v", prev, ok)
	}
	if s.CompareAndSwap(id, true, false) {
		t.Fatalf("CAS on a missing entry must fail")
	}
}

func TestStore_ConcurrentWritersAndReaders(t *testing.T) {
	s := NewStore()
	ids := make([]uuid.UUID, 64)
	for i := range ids {
		ids[i] = uuid.New()
	}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i, id := range ids {
				s.Set(id, (i+w)%2 == 0)
				s.Get(ids[(i+1)%len(ids)])
			}
		}(w)
	}
	wg.Wait()
	if s.Len() != len(ids) {
		t.Fatalf("len: got %d want %d", s.Len(), len(ids))
	}
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("clear left %d entries", s.Len())
	}
}

func TestCooldowns_ArmAndSweep(t *testing.T) {
	c := NewCooldowns()
	id := uuid.New()
	now := time.Unix(100, 0)
	if !c.TryArm(id, now, time.Second) {
		t.Fatalf("first arm should succeed")
	}
	if c.TryArm(id, now.Add(999*time.Millisecond), time.Second) {
		t.Fatalf("arm inside the window should fail")
	}
	if !c.TryArm(id, now.Add(time.Second), time.Second) {
		t.Fatalf("arm at window end should succeed")
	}
	if n := c.Sweep(now.Add(1500 * time.Millisecond)); n != 0 {
		t.Fatalf("sweep removed a live entry")
	}
	if n := c.Sweep(now.Add(2 * time.Second)); n != 1 || c.Len() != 0 {
		t.Fatalf("sweep: removed %d, left %d", n, c.Len())
	}
}

func TestTokens_IssueInvalidatesPrevious(t *testing.T) {
	k := NewTokens()
	id := uuid.New()
	first := k.Issue(id)
	second := k.Issue(id)
	if k.Consume(id, first) {
		t.Fatalf("a replaced token must not be consumable")
	}
	if k.Consume(uuid.New(), second) {
		t.Fatalf("a token is bound to its connection")
	}
	if !k.Consume(id, second) || k.InFlight(id) {
		t.Fatalf("current token should consume and leave nothing in flight")
	}
}

func TestPolicy_Next(t *testing.T) {
	p := NewPolicy(tuning.Defaults())
	cases := []struct {
		old  bool
		y    float64
		want bool
	}{
		{false, 31, true},
		{false, 30.9, false},
		{true, 30.9, true},
		{true, 30, false},
		{true, 16, false},
		{false, 200, true},
	}
	for _, c := range cases {
		if got := p.Next(c.old, c.y); got != c.want {
			t.Fatalf("Next(%v, %v): got %v want %v", c.old, c.y, got, c.want)
		}
	}
	if p.Suppressible(16) || !p.Suppressible(17) || !p.Suppressible(319) || p.Suppressible(320) {
		t.Fatalf("suppressible range should be (16, 319]")
	}
}

func TestLegal(t *testing.T) {
	if Legal(Hidden, Hidden) || Legal(NotTracked, NotTracked) {
		t.Fatalf("self loops are not transitions")
	}
	for _, pair := range [][2]State{{NotTracked, Visible}, {NotTracked, Hidden}, {Visible, Hidden}, {Hidden, Visible}, {Hidden, NotTracked}, {Visible, NotTracked}} {
		if !Legal(pair[0], pair[1]) {
			t.Fatalf("%s -> %s should be legal", pair[0], pair[1])
		}
	}
}
