package rewrite

import (
	"log"
	"sync/atomic"

	"github.com/google/uuid"

	"strataguard/internal/protocol"
	"strataguard/internal/sim/catalogs"
	"strataguard/internal/sim/geom"
	"strataguard/internal/sim/visibility"
)

// Visibility is the read side of the state store.
type Visibility interface {
	Hidden(id uuid.UUID) bool
	Policy() *visibility.Policy
}

// Locator resolves a connection's current position for the limited-area gate.
type Locator interface {
	Lookup(id uuid.UUID) (visibility.ConnInfo, bool)
}

type Config struct {
	Visibility Visibility
	Locator    Locator
	Blocks     *catalogs.BlockCatalog
	Specimen   catalogs.Specimen
	Logger     *log.Logger
	Debug      bool
}

type Stats struct {
	Inspected         uint64
	Mutated           uint64
	CellsRewritten    uint64
	MalformedSections uint64
	MalformedRecords  uint64
}

// Engine rewrites outbound world packets for hidden connections. Rewrite runs inline
// with packet transmission and never blocks.
type Engine struct {
	vis      Visibility
	locator  Locator
	blocks   *catalogs.BlockCatalog
	specimen protocol.BlockState

	logger *log.Logger
	debug  atomic.Bool

	inspected         atomic.Uint64
	mutated           atomic.Uint64
	cellsRewritten    atomic.Uint64
	malformedSections atomic.Uint64
	malformedRecords  atomic.Uint64
}

func New(cfg Config) *Engine {
	e := &Engine{
		vis:      cfg.Visibility,
		locator:  cfg.Locator,
		blocks:   cfg.Blocks,
		specimen: cfg.Specimen.State,
		logger:   cfg.Logger,
	}
	if e.logger == nil {
		e.logger = log.New(log.Writer(), "[rewrite] ", log.LstdFlags|log.Lmicroseconds)
	}
	e.debug.Store(cfg.Debug)
	return e
}

func (e *Engine) SetDebug(v bool) { e.debug.Store(v) }

func (e *Engine) Specimen() protocol.BlockState { return e.specimen }

func (e *Engine) Stats() Stats {
	return Stats{
		Inspected:         e.inspected.Load(),
		Mutated:           e.mutated.Load(),
		CellsRewritten:    e.cellsRewritten.Load(),
		MalformedSections: e.malformedSections.Load(),
		MalformedRecords:  e.malformedRecords.Load(),
	}
}

func (e *Engine) debugf(format string, args ...any) {
	if e.debug.Load() {
		e.logger.Printf(format, args...)
	}
}

// Rewrite applies suppression to pk in place and reports whether anything changed.
func (e *Engine) Rewrite(pk *protocol.Outbound) bool {
	if pk == nil || pk.Packet == nil {
		return false
	}
	kind := pk.Packet.Kind()
	if kind == protocol.KindOther {
		return false
	}
	e.inspected.Add(1)
	if !e.vis.Hidden(pk.Conn) {
		return false
	}
	pol := e.vis.Policy()
	if pk.World != "" && !pol.Eligible(pk.World) {
		return false
	}

	var n int
	switch p := pk.Packet.(type) {
	case *protocol.AreaSnapshot:
		if !e.withinLimitedArea(pol, pk, p.Chunk()) {
			return false
		}
		n = e.rewriteSnapshot(pol, pk.Conn, p)
		if n > 0 {
			p.IgnoreOldData = true
		}
	case *protocol.CellUpdate:
		if !e.withinLimitedArea(pol, pk, p.Pos.Chunk()) {
			return false
		}
		n = e.rewriteCell(pol, p)
	case *protocol.BatchedUpdate:
		if !e.withinLimitedArea(pol, pk, p.Section.Chunk()) {
			return false
		}
		n = e.rewriteBatch(pol, pk.Conn, p)
	default:
		return false
	}
	if n == 0 {
		return false
	}
	pk.MarkForReencode()
	e.mutated.Add(1)
	e.cellsRewritten.Add(uint64(n))
	return true
}

func (e *Engine) withinLimitedArea(pol *visibility.Policy, pk *protocol.Outbound, c geom.ChunkPos) bool {
	if !pol.LimitedArea {
		return true
	}
	if e.locator == nil {
		return false
	}
	info, ok := e.locator.Lookup(pk.Conn)
	if !ok {
		return false
	}
	if pk.World != "" && info.Location.World != pk.World {
		return false
	}
	return info.Location.Chunk().Chebyshev(c) <= pol.LimitedRadius
}

func (e *Engine) replaceable(st protocol.BlockState) bool {
	if st.ID == e.specimen.ID {
		return false
	}
	return e.blocks == nil || !e.blocks.IsAir(st.ID)
}

func (e *Engine) rewriteSnapshot(pol *visibility.Policy, conn uuid.UUID, a *protocol.AreaSnapshot) int {
	total := 0
	for i, sec := range a.Sections {
		if sec.IsEmpty() {
			continue
		}
		base := a.MinY + i*geom.SectionSize
		if base+geom.SectionSize-1 <= pol.HideBelowLevel || base > pol.WorldTop {
			continue
		}
		if err := sec.Validate(); err != nil {
			e.malformedSections.Add(1)
			e.debugf("skip section %d of column %d,%d for %s: %v", i, a.X, a.Z, conn, err)
			continue
		}
		total += e.rewriteSection(pol, sec, base)
	}
	return total
}

func (e *Engine) rewriteSection(pol *visibility.Policy, sec *protocol.Section, base int) int {
	// Decide once per palette entry instead of once per cell.
	replace := make([]bool, len(sec.Palette))
	found := false
	for i, st := range sec.Palette {
		replace[i] = e.replaceable(st)
		found = found || replace[i]
	}
	if !found {
		return 0
	}
	specIdx := -1
	n := 0
	for y := 0; y < geom.SectionSize; y++ {
		if !pol.Suppressible(base + y) {
			continue
		}
		for z := 0; z < geom.SectionSize; z++ {
			for x := 0; x < geom.SectionSize; x++ {
				i := protocol.CellIndex(x, y, z)
				if !replace[sec.Data[i]] {
					continue
				}
				if specIdx < 0 {
					specIdx = int(sec.PaletteIndex(e.specimen))
				}
				sec.Data[i] = uint16(specIdx)
				n++
			}
		}
	}
	return n
}

func (e *Engine) rewriteCell(pol *visibility.Policy, c *protocol.CellUpdate) int {
	if !pol.Suppressible(c.Pos.Y) || c.State.ID == e.specimen.ID {
		return 0
	}
	c.State = e.specimen
	return 1
}

func (e *Engine) rewriteBatch(pol *visibility.Policy, conn uuid.UUID, b *protocol.BatchedUpdate) int {
	base := b.Section.Y * geom.SectionSize
	id := uint32(e.specimen.ID)
	n := 0
	for i, v := range b.Records {
		r, err := protocol.DecodeRecord(v)
		if err != nil {
			e.malformedRecords.Add(1)
			e.debugf("skip record %d of section %v for %s: %v", i, b.Section, conn, err)
			continue
		}
		if !pol.Suppressible(base+r.Y) || r.ID == id {
			continue
		}
		b.Records[i] = protocol.WithID(v, id)
		n++
	}
	return n
}
