package sched

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"strataguard/internal/sim/geom"
)

type Mode string

const (
	Single     Mode = "single"
	Regionized Mode = "regionized"
)

// Capabilities describe the host once at startup. They never change afterwards.
type Capabilities struct {
	Mode        Mode
	RegionShift int
	TickRateHz  int
}

func (c Capabilities) normalized() Capabilities {
	if c.Mode != Regionized {
		c.Mode = Single
	}
	if c.RegionShift <= 0 {
		c.RegionShift = geom.DefaultRegionShift
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = 20
	}
	return c
}

// Scheduler routes work to the executor owning a location. In Single mode every task
// runs on the global executor; in Regionized mode each (world, region) gets its own
// executor, created on first use.
type Scheduler struct {
	caps   Capabilities
	logger *log.Logger

	global *Executor

	mu       sync.Mutex
	regions  map[geom.RegionKey]*Executor
	runCtx   context.Context
	runGroup sync.WaitGroup
	// stopping is set once Run starts waiting on runGroup; no executor may start after it.
	stopping bool
}

func New(caps Capabilities, logger *log.Logger) *Scheduler {
	caps = caps.normalized()
	if logger == nil {
		logger = log.New(log.Writer(), "[sched] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Scheduler{
		caps:    caps,
		logger:  logger,
		global:  newExecutor("global", true, geom.RegionKey{}, caps.TickRateHz),
		regions: map[geom.RegionKey]*Executor{},
	}
}

func (s *Scheduler) Capabilities() Capabilities { return s.caps }

func (s *Scheduler) Global() *Executor { return s.global }

// RunGlobal queues t on the global executor for the next tick.
func (s *Scheduler) RunGlobal(t Task) {
	if !s.global.submit(t, 1) {
		s.logger.Printf("global executor closed; task dropped")
	}
}

// RunAt queues t on the executor owning loc for the next tick.
func (s *Scheduler) RunAt(loc geom.Location, t Task) {
	s.RunAtDelayed(loc, t, 1)
}

// RunAtDelayed queues t on the executor owning loc after the given number of ticks.
// If that executor has shut down the task falls back to the global executor.
func (s *Scheduler) RunAtDelayed(loc geom.Location, t Task, ticks uint64) {
	e := s.ExecutorFor(loc)
	if e.submit(t, ticks) {
		return
	}
	s.logger.Printf("executor %s closed; task for %s (%.1f,%.1f,%.1f) falls back to global", e.name, loc.World, loc.X, loc.Y, loc.Z)
	if !s.global.submit(t, ticks) {
		s.logger.Printf("global executor closed; task dropped")
	}
}

// Owns reports whether the task running under ctx may touch loc directly.
func (s *Scheduler) Owns(ctx context.Context, loc geom.Location) bool {
	e := Current(ctx)
	if e == nil {
		return false
	}
	if s.caps.Mode == Single {
		return e == s.global
	}
	if e.global {
		return false
	}
	return e.key == geom.RegionOf(loc.World, loc.Chunk(), s.caps.RegionShift)
}

// OwnsChunk is Owns for a column.
func (s *Scheduler) OwnsChunk(ctx context.Context, world string, c geom.ChunkPos) bool {
	return s.Owns(ctx, c.Origin(world, 0))
}

func (s *Scheduler) RegionOf(world string, c geom.ChunkPos) geom.RegionKey {
	if s.caps.Mode == Single {
		return geom.RegionKey{}
	}
	return geom.RegionOf(world, c, s.caps.RegionShift)
}

// ExecutorFor returns the executor owning loc, creating it when needed.
func (s *Scheduler) ExecutorFor(loc geom.Location) *Executor {
	if s.caps.Mode == Single {
		return s.global
	}
	key := geom.RegionOf(loc.World, loc.Chunk(), s.caps.RegionShift)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.regions[key]; ok {
		return e
	}
	e := newExecutor(fmt.Sprintf("region[%s %d,%d]", key.World, key.X, key.Z), false, key, s.caps.TickRateHz)
	s.regions[key] = e
	if s.runCtx != nil && !s.stopping {
		s.startLocked(e)
	}
	return e
}

// CloseRegion shuts down one region executor. Tasks still queued on it, and any
// submitted later, go to the global executor.
func (s *Scheduler) CloseRegion(key geom.RegionKey) {
	s.mu.Lock()
	e, ok := s.regions[key]
	s.mu.Unlock()
	if !ok {
		return
	}
	left := e.close()
	for _, t := range left {
		s.global.submit(t, 1)
	}
	if len(left) > 0 {
		s.logger.Printf("executor %s closed with %d queued tasks; moved to global", e.name, len(left))
	}
}

// Step advances every executor by one tick, global first, then regions in key order.
// It is meant for tests and replays; Run uses per-executor goroutines instead.
func (s *Scheduler) Step(ctx context.Context) int {
	n := s.global.Step(ctx)
	for _, e := range s.regionSnapshot() {
		n += e.Step(ctx)
	}
	return n
}

// StepN calls Step n times.
func (s *Scheduler) StepN(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		s.Step(ctx)
	}
}

func (s *Scheduler) regionSnapshot() []*Executor {
	s.mu.Lock()
	out := make([]*Executor, 0, len(s.regions))
	for _, e := range s.regions {
		out = append(out, e)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].key, out[j].key
		if a.World != b.World {
			return a.World < b.World
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Z < b.Z
	})
	return out
}

// Pending counts queued tasks across all executors.
func (s *Scheduler) Pending() int {
	n := s.global.Pending()
	for _, e := range s.regionSnapshot() {
		n += e.Pending()
	}
	return n
}

func (s *Scheduler) Regions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regions)
}

// TPS is the measured tick rate of the global executor. Before any measurement it
// reports the configured rate.
func (s *Scheduler) TPS() float64 {
	if v, ok := s.global.tps(); ok {
		return v
	}
	return float64(s.caps.TickRateHz)
}

// Run starts one goroutine per executor and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.runCtx != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.runCtx = ctx
	s.startLocked(s.global)
	for _, e := range s.regions {
		s.startLocked(e)
	}
	s.mu.Unlock()

	<-ctx.Done()
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.runGroup.Wait()
	return ctx.Err()
}

func (s *Scheduler) startLocked(e *Executor) {
	interval := time.Second / time.Duration(s.caps.TickRateHz)
	ctx := s.runCtx
	s.runGroup.Add(1)
	go func() {
		defer s.runGroup.Done()
		_ = e.Run(ctx, interval)
	}()
}

// Close stops every executor. Queued tasks are discarded.
func (s *Scheduler) Close() {
	s.mu.Lock()
	regions := s.regions
	s.regions = map[geom.RegionKey]*Executor{}
	s.mu.Unlock()
	for _, e := range regions {
		e.close()
	}
	s.global.close()
}
