package refresh

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"strataguard/internal/sim/geom"
	"strataguard/internal/sim/sched"
	"strataguard/internal/sim/tuning"
	"strataguard/internal/sim/visibility"
)

// ErrAreaNotLoaded is returned by a Resender for columns the host has not loaded.
// Those are skipped silently: the host streams them fresh, through the rewrite
// engine, when they load.
var ErrAreaNotLoaded = errors.New("area not loaded")

// Connections resolves a connection's current location.
type Connections interface {
	Lookup(id uuid.UUID) (visibility.ConnInfo, bool)
}

// Resender makes the host send one column to a connection again. It is only called
// from the executor owning the column.
type Resender interface {
	ResendArea(ctx context.Context, id uuid.UUID, world string, c geom.ChunkPos) error
}

// Classifier flags reduced-capability clients.
type Classifier interface {
	Reduced(id uuid.UUID) bool
}

// LoadMeter reports the host's current tick rate.
type LoadMeter interface {
	TPS() float64
}

// Scheduler routes batches to the executor owning their columns.
type Scheduler interface {
	RunAt(loc geom.Location, t sched.Task)
	OwnsChunk(ctx context.Context, world string, c geom.ChunkPos) bool
	RegionOf(world string, c geom.ChunkPos) geom.RegionKey
}

// Config wires a Dispatcher to its host. Now defaults to time.Now.
type Config struct {
	Performance tuning.Performance
	Scheduler   Scheduler
	Connections Connections
	Resender    Resender
	Classifier  Classifier
	Load        LoadMeter
	Logger      *log.Logger
	Debug       bool
	Now         func() time.Time
}

// Stats are cumulative dispatch counters.
type Stats struct {
	Dispatches   uint64
	Deduped      uint64
	Batches      uint64
	Requeued     uint64
	Aborted      uint64
	AreasResent  uint64
	AreasSkipped uint64
	AreasFailed  uint64
}

// Dispatcher resends the neighbourhood of a connection in per-region batches, at most
// MaxAreasPerTick columns per batch per tick.
type Dispatcher struct {
	sched      Scheduler
	conns      Connections
	resender   Resender
	classifier Classifier
	load       LoadMeter
	perf       atomic.Pointer[tuning.Performance]

	logger *log.Logger
	debug  atomic.Bool
	now    func() time.Time
	tracer trace.Tracer

	mu   sync.Mutex
	seq  uint64
	gens map[uuid.UUID]uint64
	last map[uuid.UUID]time.Time

	dispatches   atomic.Uint64
	deduped      atomic.Uint64
	batches      atomic.Uint64
	requeued     atomic.Uint64
	aborted      atomic.Uint64
	areasResent  atomic.Uint64
	areasSkipped atomic.Uint64
	areasFailed  atomic.Uint64
}

func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		sched:      cfg.Scheduler,
		conns:      cfg.Connections,
		resender:   cfg.Resender,
		classifier: cfg.Classifier,
		load:       cfg.Load,
		logger:     cfg.Logger,
		now:        cfg.Now,
		tracer:     otel.Tracer("strataguard/refresh"),
		gens:       map[uuid.UUID]uint64{},
		last:       map[uuid.UUID]time.Time{},
	}
	if d.logger == nil {
		d.logger = log.New(log.Writer(), "[refresh] ", log.LstdFlags|log.Lmicroseconds)
	}
	if d.now == nil {
		d.now = time.Now
	}
	d.SetPerformance(cfg.Performance)
	d.debug.Store(cfg.Debug)
	return d
}

func (d *Dispatcher) SetPerformance(p tuning.Performance) {
	if p.MaxAreasPerTick <= 0 {
		p.MaxAreasPerTick = 1
	}
	d.perf.Store(&p)
}

func (d *Dispatcher) SetDebug(v bool) { d.debug.Store(v) }

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatches:   d.dispatches.Load(),
		Deduped:      d.deduped.Load(),
		Batches:      d.batches.Load(),
		Requeued:     d.requeued.Load(),
		Aborted:      d.aborted.Load(),
		AreasResent:  d.areasResent.Load(),
		AreasSkipped: d.areasSkipped.Load(),
		AreasFailed:  d.areasFailed.Load(),
	}
}

func (d *Dispatcher) debugf(format string, args ...any) {
	if d.debug.Load() {
		d.logger.Printf(format, args...)
	}
}

// Radius is the refresh radius for id: the configured view radius, narrowed for
// reduced-capability clients and shed under load.
func (d *Dispatcher) Radius(id uuid.UUID) int {
	p := d.perf.Load()
	r := p.RefreshRadius
	if d.classifier != nil && d.classifier.Reduced(id) && p.ReducedClientRadius > 0 && p.ReducedClientRadius < r {
		r = p.ReducedClientRadius
	}
	if d.load == nil || p.FullTPS <= 0 {
		return r
	}
	tps := d.load.TPS()
	switch {
	case tps >= p.FullTPS:
		return r
	case tps >= p.ReducedTPS:
		return max(r-1, 1)
	default:
		return min(r, 1)
	}
}

// RefreshFullView refreshes the whole view of id. See Refresh for force.
func (d *Dispatcher) RefreshFullView(ctx context.Context, id uuid.UUID, force bool) {
	d.Refresh(ctx, id, d.Radius(id), force)
}

// Refresh plans the columns within radius of the connection's current column and
// queues one batch per owning region. A new dispatch supersedes any earlier one for
// the same connection. Unforced calls inside the de-dupe window of the previous
// dispatch are dropped; forced calls always dispatch.
func (d *Dispatcher) Refresh(ctx context.Context, id uuid.UUID, radius int, force bool) {
	info, ok := d.conns.Lookup(id)
	if !ok || !info.Online {
		return
	}
	now := d.now()
	p := d.perf.Load()

	d.mu.Lock()
	if last, ok := d.last[id]; ok && !force && p.DedupeMillis > 0 && now.Sub(last) < time.Duration(p.DedupeMillis)*time.Millisecond {
		d.mu.Unlock()
		d.deduped.Add(1)
		d.debugf("refresh for %s deduped", id)
		return
	}
	d.last[id] = now
	d.seq++
	gen := d.seq
	d.gens[id] = gen
	d.mu.Unlock()

	_, span := d.tracer.Start(ctx, "refresh.dispatch")
	defer span.End()

	world := info.Location.World
	areas := Plan(info.Location.Chunk(), radius, 0)
	groups := group(areas, func(c geom.ChunkPos) geom.RegionKey { return d.sched.RegionOf(world, c) })
	span.SetAttributes(
		attribute.String("conn", id.String()),
		attribute.Int("radius", radius),
		attribute.Int("areas", len(areas)),
		attribute.Int("batches", len(groups)),
		attribute.Bool("forced", force),
	)
	d.dispatches.Add(1)
	d.debugf("refresh %s: %d areas in %d batches (radius %d)", id, len(areas), len(groups), radius)
	for _, g := range groups {
		d.submit(&batch{d: d, id: id, gen: gen, world: world, areas: g})
	}
}

// Cancel abandons every pending batch for id.
func (d *Dispatcher) Cancel(id uuid.UUID) {
	d.mu.Lock()
	delete(d.gens, id)
	delete(d.last, id)
	d.mu.Unlock()
}

func (d *Dispatcher) current(id uuid.UUID, gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gens[id] == gen
}

func (d *Dispatcher) submit(b *batch) {
	d.batches.Add(1)
	d.sched.RunAt(b.areas[0].Origin(b.world, 0), b.run)
}

type batch struct {
	d        *Dispatcher
	id       uuid.UUID
	gen      uint64
	world    string
	areas    []geom.ChunkPos
	handoffs int
}

func (b *batch) run(ctx context.Context) {
	d := b.d
	if !d.current(b.id, b.gen) {
		d.aborted.Add(1)
		return
	}
	info, ok := d.conns.Lookup(b.id)
	if !ok || !info.Online || info.Location.World != b.world {
		d.aborted.Add(1)
		return
	}

	budget := d.perf.Load().MaxAreasPerTick
	for done := 0; len(b.areas) > 0 && done < budget; done++ {
		c := b.areas[0]
		if !d.sched.OwnsChunk(ctx, b.world, c) {
			if b.handoffs > 0 {
				// Still not on an owner after a hand-off: the region is gone.
				d.aborted.Add(1)
				d.debugf("drop %d areas for %s: no owner for %s %d,%d", len(b.areas), b.id, b.world, c.X, c.Z)
				return
			}
			// Ownership moved since planning; hand the rest to the new owners.
			for _, g := range group(b.areas, func(c geom.ChunkPos) geom.RegionKey { return d.sched.RegionOf(b.world, c) }) {
				d.submit(&batch{d: d, id: b.id, gen: b.gen, world: b.world, areas: g, handoffs: b.handoffs + 1})
			}
			return
		}
		err := d.resender.ResendArea(ctx, b.id, b.world, c)
		switch {
		case err == nil:
			d.areasResent.Add(1)
		case errors.Is(err, ErrAreaNotLoaded):
			d.areasSkipped.Add(1)
		default:
			d.areasFailed.Add(1)
			d.debugf("resend %s %d,%d for %s: %v", b.world, c.X, c.Z, b.id, err)
		}
		b.areas = b.areas[1:]
	}
	if len(b.areas) > 0 {
		d.requeued.Add(1)
		d.sched.RunAt(b.areas[0].Origin(b.world, 0), b.run)
	}
}
