package sched

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"strataguard/internal/sim/geom"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestSingle_RunAtRunsNextTickInOrder(t *testing.T) {
	s := New(Capabilities{Mode: Single}, quietLogger())
	ctx := context.Background()
	var got []int
	loc := geom.Location{World: "world", X: 5000, Y: 64, Z: -5000}
	s.RunAt(loc, func(context.Context) { got = append(got, 1) })
	s.RunGlobal(func(context.Context) { got = append(got, 2) })
	s.RunAtDelayed(loc, func(context.Context) { got = append(got, 3) }, 2)

	s.Step(ctx)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("tick 1: got %v want [1 2]", got)
	}
	s.Step(ctx)
	if len(got) != 3 || got[2] != 3 {
		t.Fatalf("tick 2: got %v want [1 2 3]", got)
	}
	if s.Regions() != 0 {
		t.Fatalf("single mode should not create region executors")
	}
}

func TestSingle_OwnsEverythingInsideTasks(t *testing.T) {
	s := New(Capabilities{Mode: Single}, quietLogger())
	ctx := context.Background()
	far := geom.Location{World: "other", X: 1e6, Z: 1e6}
	if s.Owns(ctx, far) {
		t.Fatalf("a bare context is not an executor")
	}
	owned := false
	s.RunGlobal(func(tctx context.Context) { owned = s.Owns(tctx, far) })
	s.Step(ctx)
	if !owned {
		t.Fatalf("single-mode global executor should own every location")
	}
}

func TestRegionized_OwnershipFollowsRegion(t *testing.T) {
	s := New(Capabilities{Mode: Regionized, RegionShift: 5}, quietLogger())
	ctx := context.Background()
	a := geom.Location{World: "world", X: 10, Y: 64, Z: 10}
	sameRegion := geom.Location{World: "world", X: 500, Y: 0, Z: 500}
	b := geom.Location{World: "world", X: 600, Y: 64, Z: 10}

	var ownA, ownSame, ownB, globalOwnsA bool
	s.RunAt(a, func(tctx context.Context) {
		ownA = s.Owns(tctx, a)
		ownSame = s.Owns(tctx, sameRegion)
		ownB = s.Owns(tctx, b)
	})
	s.RunGlobal(func(tctx context.Context) { globalOwnsA = s.Owns(tctx, a) })
	s.Step(ctx)

	if !ownA || !ownSame {
		t.Fatalf("region executor should own its region: a=%v same=%v", ownA, ownSame)
	}
	if ownB {
		t.Fatalf("region executor must not own a neighbouring region")
	}
	if globalOwnsA {
		t.Fatalf("global executor owns no locations in regionized mode")
	}
	if s.Regions() != 1 {
		t.Fatalf("regions: got %d want 1", s.Regions())
	}
}

func TestRegionized_ClosedRegionFallsBackToGlobal(t *testing.T) {
	s := New(Capabilities{Mode: Regionized}, quietLogger())
	ctx := context.Background()
	loc := geom.Location{World: "world", X: 1, Z: 1}
	key := s.RegionOf("world", loc.Chunk())

	ranQueued := false
	s.RunAt(loc, func(context.Context) { ranQueued = true })
	s.CloseRegion(key)

	var onGlobal bool
	s.RunAt(loc, func(tctx context.Context) { onGlobal = Current(tctx) == s.Global() })
	s.Step(ctx)
	if !ranQueued {
		t.Fatalf("task queued before close should move to global")
	}
	if !onGlobal {
		t.Fatalf("task submitted after close should run on global")
	}
}

func TestExecutor_TaskSubmittedDuringStepWaitsForNextTick(t *testing.T) {
	s := New(Capabilities{Mode: Single}, quietLogger())
	ctx := context.Background()
	ticks := []uint64{}
	s.RunGlobal(func(tctx context.Context) {
		ticks = append(ticks, Current(tctx).Tick())
		s.RunGlobal(func(tctx context.Context) { ticks = append(ticks, Current(tctx).Tick()) })
	})
	s.Step(ctx)
	if len(ticks) != 1 {
		t.Fatalf("nested task ran in the same tick: %v", ticks)
	}
	s.Step(ctx)
	if len(ticks) != 2 || ticks[1] != ticks[0]+1 {
		t.Fatalf("ticks: got %v", ticks)
	}
	if s.Pending() != 0 {
		t.Fatalf("pending: got %d", s.Pending())
	}
}

func TestRun_DrivesExecutorsUntilCancelled(t *testing.T) {
	s := New(Capabilities{Mode: Regionized, TickRateHz: 100}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	ran := make(chan bool, 1)
	loc := geom.Location{World: "world", X: 40, Z: 40}
	s.RunAt(loc, func(tctx context.Context) { ran <- s.Owns(tctx, loc) })
	select {
	case owned := <-ran:
		if !owned {
			t.Fatalf("task should run on the owning region executor")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("region task did not run")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if s.TPS() <= 0 {
		t.Fatalf("tps should be positive")
	}
}

func TestRun_NewRegionsDuringShutdownAreNotStarted(t *testing.T) {
	s := New(Capabilities{Mode: Regionized, TickRateHz: 100}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	stop := make(chan struct{})
	created := make(chan int, 1)
	go func() {
		n := 0
		for {
			select {
			case <-stop:
				created <- n
				return
			default:
			}
			s.ExecutorFor(geom.Location{World: "world", X: float64(n * 512), Z: 8})
			n++
		}
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	close(stop)
	n := <-created
	if s.Regions() != n {
		t.Fatalf("regions: got %d want %d", s.Regions(), n)
	}

	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if !stopping {
		t.Fatalf("scheduler should be marked stopping once Run returns")
	}
	loc := geom.Location{World: "world_nether", X: 8, Z: 8}
	s.RunAt(loc, func(context.Context) {})
	time.Sleep(30 * time.Millisecond)
	if got := s.ExecutorFor(loc).Pending(); got != 1 {
		t.Fatalf("executor created after shutdown must stay idle: pending=%d", got)
	}
}
