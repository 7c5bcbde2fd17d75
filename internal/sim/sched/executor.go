package sched

import (
	"context"
	"sync"
	"time"

	"strataguard/internal/sim/geom"
)

// Task is a unit of work. The ctx passed in identifies the executor running it.
type Task func(ctx context.Context)

type scheduled struct {
	due  uint64
	task Task
}

// Executor is a tick-driven task queue. Tasks submitted during tick N run at tick N+delay
// (delay >= 1) in submission order. Only one Step runs at a time.
type Executor struct {
	name   string
	global bool
	key    geom.RegionKey

	stepMu sync.Mutex

	mu     sync.Mutex
	tick   uint64
	queue  []scheduled
	closed bool

	// Step timestamps for TPS measurement.
	stamps []time.Time
	next   int
	filled int
}

func newExecutor(name string, global bool, key geom.RegionKey, window int) *Executor {
	if window < 2 {
		window = 2
	}
	return &Executor{name: name, global: global, key: key, stamps: make([]time.Time, window)}
}

func (e *Executor) Name() string { return e.name }

func (e *Executor) Global() bool { return e.global }

func (e *Executor) Region() geom.RegionKey { return e.key }

func (e *Executor) Tick() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

// submit queues t to run delay ticks from now. It returns false when the executor is closed.
func (e *Executor) submit(t Task, delay uint64) bool {
	if delay == 0 {
		delay = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.queue = append(e.queue, scheduled{due: e.tick + delay, task: t})
	return true
}

func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Step advances the executor by one tick and runs every task that is due.
func (e *Executor) Step(ctx context.Context) int {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0
	}
	e.tick++
	now := e.tick
	var due []Task
	rest := e.queue[:0]
	for _, s := range e.queue {
		if s.due <= now {
			due = append(due, s.task)
		} else {
			rest = append(rest, s)
		}
	}
	for i := len(rest); i < len(e.queue); i++ {
		e.queue[i] = scheduled{}
	}
	e.queue = rest
	e.stamps[e.next] = time.Now()
	e.next = (e.next + 1) % len(e.stamps)
	if e.filled < len(e.stamps) {
		e.filled++
	}
	e.mu.Unlock()

	tctx := withExecutor(ctx, e)
	for _, t := range due {
		t(tctx)
	}
	return len(due)
}

// Run drives Step from a ticker until ctx is done or the executor is closed.
func (e *Executor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if e.isClosed() {
				return nil
			}
			e.Step(ctx)
		}
	}
}

func (e *Executor) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// close stops the executor and returns the tasks that never ran.
func (e *Executor) close() []Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	out := make([]Task, 0, len(e.queue))
	for _, s := range e.queue {
		out = append(out, s.task)
	}
	e.queue = nil
	return out
}

// tps returns ticks per second over the recorded window, or ok=false before two ticks.
func (e *Executor) tps() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.filled < 2 {
		return 0, false
	}
	newest := e.stamps[(e.next-1+len(e.stamps))%len(e.stamps)]
	oldest := e.stamps[(e.next-e.filled+len(e.stamps))%len(e.stamps)]
	span := newest.Sub(oldest).Seconds()
	if span <= 0 {
		return 0, false
	}
	return float64(e.filled-1) / span, true
}

type executorKey struct{}

func withExecutor(ctx context.Context, e *Executor) context.Context {
	return context.WithValue(ctx, executorKey{}, e)
}

// Current returns the executor running the calling task, or nil outside any task.
func Current(ctx context.Context) *Executor {
	if ctx == nil {
		return nil
	}
	e, _ := ctx.Value(executorKey{}).(*Executor)
	return e
}
