package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"strataguard/internal/protocol"
	"strataguard/internal/sim/catalogs"
	"strataguard/internal/sim/encoding"
	"strataguard/internal/sim/geom"
	"strataguard/internal/sim/refresh"
	"strataguard/internal/sim/sched"
	"strataguard/internal/sim/tuning"
	"strataguard/internal/sim/visibility"
)

// Guard is the visibility controller as seen by the host.
type Guard interface {
	Connect(ctx context.Context, id uuid.UUID, at geom.Location)
	Move(ctx context.Context, id uuid.UUID, from, to geom.Location)
	Teleport(ctx context.Context, ev *visibility.TeleportEvent)
	ChangeWorld(ctx context.Context, id uuid.UUID, to geom.Location)
	Disconnect(id uuid.UUID)
	Hidden(id uuid.UUID) bool
	Policy() *visibility.Policy
}

// Rewriter filters outbound world packets before they are encoded.
type Rewriter interface {
	Rewrite(pk *protocol.Outbound) bool
}

type Config struct {
	Tuning    tuning.Tuning
	Blocks    *catalogs.BlockCatalog
	Scheduler *sched.Scheduler
	Logger    *log.Logger
}

type Stats struct {
	Connections   int
	LoadedColumns int
	Delivered     uint64
	Dropped       uint64
	Streamed      uint64
	Resent        uint64
}

// Host is the reference game host: it owns the worlds and the connections and
// executes moves, teleports and block edits on the scheduler.
type Host struct {
	blocks *catalogs.BlockCatalog
	sched  *sched.Scheduler
	logger *log.Logger

	worlds map[string]*World
	order  []string

	viewRadius    atomic.Int64
	reducedRadius atomic.Int64
	streamBudget  atomic.Int64

	guard    Guard
	rewriter Rewriter

	mu    sync.RWMutex
	conns map[uuid.UUID]*Conn

	delivered atomic.Uint64
	dropped   atomic.Uint64
	streamed  atomic.Uint64
	resent    atomic.Uint64
}

func New(cfg Config) (*Host, error) {
	if cfg.Blocks == nil || cfg.Scheduler == nil {
		return nil, fmt.Errorf("host: blocks and scheduler are required")
	}
	h := &Host{
		blocks: cfg.Blocks,
		sched:  cfg.Scheduler,
		logger: cfg.Logger,
		worlds: map[string]*World{},
		conns:  map[uuid.UUID]*Conn{},
	}
	if h.logger == nil {
		h.logger = log.New(log.Writer(), "[host] ", log.LstdFlags|log.Lmicroseconds)
	}
	for _, spec := range cfg.Tuning.Host.Worlds {
		gen, err := NewGen(spec, cfg.Blocks)
		if err != nil {
			return nil, err
		}
		h.worlds[spec.Name] = NewWorld(spec.Name, gen)
		h.order = append(h.order, spec.Name)
	}
	if len(h.order) == 0 {
		return nil, fmt.Errorf("host: no worlds configured")
	}
	h.SetTuning(cfg.Tuning)
	return h, nil
}

// Attach wires the guard. Both may be nil for an unprotected host.
func (h *Host) Attach(g Guard, rw Rewriter) {
	h.guard = g
	h.rewriter = rw
}

// SetTuning applies the host-side parts of a reloaded configuration.
func (h *Host) SetTuning(t tuning.Tuning) {
	p := t.Performance
	h.viewRadius.Store(int64(p.RefreshRadius))
	h.reducedRadius.Store(int64(p.ReducedClientRadius))
	h.streamBudget.Store(int64(max(p.MaxAreasPerTick, 1)))
}

func (h *Host) World(name string) (*World, bool) {
	w, ok := h.worlds[name]
	return w, ok
}

func (h *Host) Worlds() []string { return append([]string(nil), h.order...) }

func (h *Host) Conn(id uuid.UUID) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

func (h *Host) Stats() Stats {
	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()
	loaded := 0
	for _, w := range h.worlds {
		loaded += w.LoadedCount()
	}
	return Stats{
		Connections:   n,
		LoadedColumns: loaded,
		Delivered:     h.delivered.Load(),
		Dropped:       h.dropped.Load(),
		Streamed:      h.streamed.Load(),
		Resent:        h.resent.Load(),
	}
}

// Lookup implements the connection registry.
func (h *Host) Lookup(id uuid.UUID) (visibility.ConnInfo, bool) {
	c, ok := h.Conn(id)
	if !ok {
		return visibility.ConnInfo{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return visibility.ConnInfo{ID: c.ID, Location: c.loc, Online: c.online}, true
}

// Online lists connected clients ordered by id.
func (h *Host) Online() []visibility.ConnInfo {
	h.mu.RLock()
	out := make([]visibility.ConnInfo, 0, len(h.conns))
	for _, c := range h.conns {
		c.mu.Lock()
		if c.online {
			out = append(out, visibility.ConnInfo{ID: c.ID, Location: c.loc, Online: true})
		}
		c.mu.Unlock()
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// Reduced implements the compatibility classifier: legacy clients get a smaller
// refresh radius.
func (h *Host) Reduced(id uuid.UUID) bool {
	c, ok := h.Conn(id)
	return ok && c.Legacy
}

func (h *Host) spawnPoint(w *World) geom.Location {
	y := w.Surface(0, 0) + 1
	return geom.Location{World: w.Name, X: 0.5, Y: float64(y), Z: 0.5}
}

// Join registers a client, delivers WELCOME and schedules its first view stream on
// the executor owning the spawn point.
func (h *Host) Join(name, world string, legacy bool, sink Sink) (*Conn, error) {
	if world == "" {
		world = h.order[0]
	}
	w, ok := h.worlds[world]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorld, world)
	}
	spawn := h.spawnPoint(w)
	c := newConn(name, legacy, spawn, sink)

	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()

	h.sendJSON(c, protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ConnID:          c.ID.String(),
		World:           w.Name,
		Pos:             [3]float64{spawn.X, spawn.Y, spawn.Z},
		MinY:            w.MinY(),
		Height:          w.Height(),
		ViewDistance:    h.radiusFor(c),
		Worlds:          h.Worlds(),
	})
	h.sched.RunAt(spawn, func(ctx context.Context) {
		if !c.Online() {
			return
		}
		if h.guard != nil {
			h.guard.Connect(ctx, c.ID, c.Location())
		}
		h.syncPeers(c, true)
		h.broadcastPeer(c)
		h.streamView(ctx, c)
	})
	return c, nil
}

// Leave removes a client and releases everything the guard holds for it.
func (h *Host) Leave(id uuid.UUID) {
	h.mu.Lock()
	c, ok := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.setOffline()
	if h.guard != nil {
		h.guard.Disconnect(id)
	}
	h.peerGone(c, c.Location().World)
}

// Submit runs fn on the executor owning the client's current location and reports
// any error back to the client.
func (h *Host) Submit(id uuid.UUID, fn func(ctx context.Context, c *Conn) error) {
	c, ok := h.Conn(id)
	if !ok {
		return
	}
	h.submitAt(c, c.Location(), fn)
}

func (h *Host) submitAt(c *Conn, loc geom.Location, fn func(ctx context.Context, c *Conn) error) {
	h.sched.RunAt(loc, func(ctx context.Context) {
		if !c.Online() {
			return
		}
		if err := fn(ctx, c); err != nil {
			h.sendError(c, err)
		}
	})
}

// HandleMove queues a client position update.
func (h *Host) HandleMove(id uuid.UUID, pos [3]float64) {
	h.Submit(id, func(ctx context.Context, c *Conn) error {
		to := c.Location()
		to.X, to.Y, to.Z = pos[0], pos[1], pos[2]
		return h.Move(ctx, c.ID, to)
	})
}

// HandleTeleport queues a client-requested teleport.
func (h *Host) HandleTeleport(id uuid.UUID, world string, pos [3]float64) {
	h.Submit(id, func(ctx context.Context, c *Conn) error {
		if world == "" {
			world = c.Location().World
		}
		return h.Teleport(ctx, c.ID, geom.Location{World: world, X: pos[0], Y: pos[1], Z: pos[2]}, nil)
	})
}

// HandlePlace queues a single cell edit on the executor owning the cell.
func (h *Host) HandlePlace(id uuid.UUID, pos [3]int, block string) {
	c, ok := h.Conn(id)
	if !ok {
		return
	}
	p := geom.BlockPos{X: pos[0], Y: pos[1], Z: pos[2]}
	at := geom.Location{World: c.Location().World, X: float64(p.X), Y: float64(p.Y), Z: float64(p.Z)}
	h.submitAt(c, at, func(ctx context.Context, c *Conn) error {
		return h.Place(ctx, at.World, p, block)
	})
}

// HandleFill queues a box edit inside one section.
func (h *Host) HandleFill(id uuid.UUID, lo, hi [3]int, block string) {
	c, ok := h.Conn(id)
	if !ok {
		return
	}
	at := geom.Location{World: c.Location().World, X: float64(lo[0]), Y: float64(lo[1]), Z: float64(lo[2])}
	h.submitAt(c, at, func(ctx context.Context, c *Conn) error {
		return h.Fill(ctx, at.World, geom.BlockPos{X: lo[0], Y: lo[1], Z: lo[2]}, geom.BlockPos{X: hi[0], Y: hi[1], Z: hi[2]}, block)
	})
}

// Move relocates a client within its world.
func (h *Host) Move(ctx context.Context, id uuid.UUID, to geom.Location) error {
	c, ok := h.Conn(id)
	if !ok {
		return ErrUnknownConn
	}
	from := c.Location()
	if to.World != from.World {
		return ErrWrongWorld
	}
	w := h.worlds[to.World]
	if w == nil || !w.InBounds(to.Block()) {
		h.sendMoved(c, from)
		return fmt.Errorf("%w: %.1f,%.1f,%.1f", ErrOutOfBounds, to.X, to.Y, to.Z)
	}
	c.setLocation(to)
	if h.guard != nil {
		h.guard.Move(ctx, id, from, to)
	}
	h.broadcastPeer(c)
	if from.Chunk() != to.Chunk() {
		h.streamView(ctx, c)
	}
	return nil
}

// Teleport implements the guard's Teleporter: it raises the teleport notification
// (carrying tok) and carries the teleport out unless the guard cancelled it.
func (h *Host) Teleport(ctx context.Context, id uuid.UUID, to geom.Location, tok *visibility.TeleportToken) error {
	c, ok := h.Conn(id)
	if !ok || !c.Online() {
		return ErrUnknownConn
	}
	w, ok := h.worlds[to.World]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorld, to.World)
	}
	if !w.InBounds(to.Block()) {
		return fmt.Errorf("%w: %.1f,%.1f,%.1f", ErrOutOfBounds, to.X, to.Y, to.Z)
	}
	ev := &visibility.TeleportEvent{Conn: id, From: c.Location(), To: to, Token: tok}
	if h.guard != nil {
		h.guard.Teleport(ctx, ev)
	}
	if ev.Cancelled() {
		return nil
	}
	from := c.setLocation(to)
	// Teleported clients drop their cached columns and receive the view afresh.
	c.resetView()
	if from.World != to.World {
		h.peerGone(c, from.World)
		if h.guard != nil {
			h.guard.ChangeWorld(ctx, id, to)
		}
		h.syncPeers(c, true)
	}
	h.sendMoved(c, to)
	h.broadcastPeer(c)
	h.streamView(ctx, c)
	return nil
}

// Place sets one cell and broadcasts the change to every client viewing it.
func (h *Host) Place(ctx context.Context, world string, p geom.BlockPos, block string) error {
	w, ok := h.worlds[world]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorld, world)
	}
	st, ok := h.blocks.State(block)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, block)
	}
	changed, err := w.SetBlock(p, st)
	if err != nil || !changed {
		return err
	}
	h.broadcast(world, p.Chunk(), func() protocol.Packet {
		return &protocol.CellUpdate{Pos: p, State: st}
	})
	return nil
}

// Fill sets every cell of the box lo..hi, which must lie inside one section, and
// broadcasts a batched update.
func (h *Host) Fill(ctx context.Context, world string, lo, hi geom.BlockPos, block string) error {
	w, ok := h.worlds[world]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorld, world)
	}
	st, ok := h.blocks.State(block)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, block)
	}
	lo, hi = geom.BlockPos{X: min(lo.X, hi.X), Y: min(lo.Y, hi.Y), Z: min(lo.Z, hi.Z)},
		geom.BlockPos{X: max(lo.X, hi.X), Y: max(lo.Y, hi.Y), Z: max(lo.Z, hi.Z)}
	sec := sectionOf(lo)
	if sectionOf(hi) != sec {
		return ErrFillSpan
	}
	var records []uint64
	for y := lo.Y; y <= hi.Y; y++ {
		for z := lo.Z; z <= hi.Z; z++ {
			for x := lo.X; x <= hi.X; x++ {
				changed, err := w.SetBlock(geom.BlockPos{X: x, Y: y, Z: z}, st)
				if err != nil {
					return err
				}
				if changed {
					records = append(records, protocol.EncodeRecord(protocol.Record{ID: uint32(st.ID), X: x, Y: y, Z: z}))
				}
			}
		}
	}
	if len(records) == 0 {
		return nil
	}
	h.broadcast(world, sec.Chunk(), func() protocol.Packet {
		return &protocol.BatchedUpdate{Section: sec, Records: append([]uint64(nil), records...)}
	})
	return nil
}

func sectionOf(p geom.BlockPos) protocol.SectionPos {
	return protocol.SectionPos{
		X: geom.FloorDiv(p.X, geom.SectionSize),
		Y: geom.FloorDiv(p.Y, geom.SectionSize),
		Z: geom.FloorDiv(p.Z, geom.SectionSize),
	}
}

// broadcast sends a fresh packet from mk to every client in world holding column a.
func (h *Host) broadcast(world string, a geom.ChunkPos, mk func() protocol.Packet) {
	for _, c := range h.connsIn(world) {
		if !c.inView(a) {
			continue
		}
		h.deliver(c, world, mk(), nil)
	}
}

func (h *Host) connsIn(world string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		if c.Online() && c.Location().World == world {
			out = append(out, c)
		}
	}
	return out
}

func (h *Host) radiusFor(c *Conn) int {
	if c.Legacy {
		return int(h.reducedRadius.Load())
	}
	return int(h.viewRadius.Load())
}

// streamView sends the columns around the client it does not hold yet, nearest
// first, at most streamBudget per tick. The remainder follows on later ticks.
func (h *Host) streamView(ctx context.Context, c *Conn) {
	loc := c.Location()
	w, ok := h.worlds[loc.World]
	if !ok {
		return
	}
	r := h.radiusFor(c)
	center := loc.Chunk()
	c.pruneView(center, r+1)

	budget := int(h.streamBudget.Load())
	sent := 0
	for _, a := range refresh.Plan(center, r, 0) {
		if c.inView(a) || !w.ColumnInBounds(a) {
			continue
		}
		if sent >= budget {
			h.continueStream(c)
			return
		}
		if err := w.Load(a); err != nil {
			continue
		}
		if !h.sendArea(c, w, a) {
			// Client queue is full; try again next tick.
			h.continueStream(c)
			return
		}
		h.streamed.Add(1)
		sent++
	}
}

func (h *Host) continueStream(c *Conn) {
	if !c.beginStream() {
		return
	}
	h.sched.RunAt(c.Location(), func(ctx context.Context) {
		c.endStream()
		if c.Online() {
			h.streamView(ctx, c)
		}
	})
}

// ResendArea implements the guard's area resend: the column is rebuilt from the
// authoritative copy and goes through the rewrite path again.
func (h *Host) ResendArea(ctx context.Context, id uuid.UUID, world string, a geom.ChunkPos) error {
	c, ok := h.Conn(id)
	if !ok || !c.Online() {
		return ErrUnknownConn
	}
	if c.Location().World != world {
		return ErrWrongWorld
	}
	w, ok := h.worlds[world]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorld, world)
	}
	if !w.Loaded(a) {
		return refresh.ErrAreaNotLoaded
	}
	if !h.sendArea(c, w, a) {
		return fmt.Errorf("resend %d,%d to %s: client queue full", a.X, a.Z, id)
	}
	h.resent.Add(1)
	return nil
}

func (h *Host) sendArea(c *Conn, w *World, a geom.ChunkPos) bool {
	snap, cached, err := w.Snapshot(a)
	if err != nil {
		return false
	}
	if !h.deliver(c, w.Name, snap, cached) {
		return false
	}
	c.markView(a)
	return true
}

// deliver runs pk through the rewriter and hands the encoded bytes to the client.
// cached holds the wire form of the unmodified packet, if known.
func (h *Host) deliver(c *Conn, world string, pk protocol.Packet, cached []byte) bool {
	out := &protocol.Outbound{Conn: c.ID, World: world, Packet: pk}
	if h.rewriter != nil {
		h.rewriter.Rewrite(out)
	}
	b := cached
	if b == nil || out.NeedsReencode() {
		var err error
		if b, err = encoding.EncodePacket(pk); err != nil {
			h.logger.Printf("encode %s for %s: %v", pk.Kind(), c.ID, err)
			return false
		}
	}
	return h.send(c, b)
}

func (h *Host) send(c *Conn, b []byte) bool {
	if c.sink == nil || !c.sink.Deliver(b) {
		h.dropped.Add(1)
		return false
	}
	h.delivered.Add(1)
	return true
}

func (h *Host) sendJSON(c *Conn, v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("marshal %T: %v", v, err)
		return false
	}
	return h.send(c, b)
}

func (h *Host) sendMoved(c *Conn, at geom.Location) {
	h.sendJSON(c, protocol.MovedMsg{Type: protocol.TypeMoved, World: at.World, Pos: [3]float64{at.X, at.Y, at.Z}})
}

func (h *Host) sendError(c *Conn, err error) {
	h.sendJSON(c, protocol.ErrorMsg{Type: protocol.TypeError, Code: ErrorCode(err), Message: err.Error()})
}
