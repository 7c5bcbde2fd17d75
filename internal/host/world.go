package host

import (
	"errors"
	"fmt"
	"sync"

	"strataguard/internal/protocol"
	"strataguard/internal/sim/encoding"
	"strataguard/internal/sim/geom"
)

var (
	ErrOutOfBounds = errors.New("position out of bounds")
	ErrNotLoaded   = errors.New("column not loaded")
)

type column struct {
	sections []*protocol.Section
	version  uint64

	// encoded caches the wire form of the unmodified column at encodedAt.
	encoded   []byte
	encodedAt uint64
}

// World owns the authoritative columns of one world. Safe for concurrent use;
// columns are generated on first load.
type World struct {
	Name string
	gen  Gen

	mu      sync.RWMutex
	columns map[geom.ChunkPos]*column
}

func NewWorld(name string, gen Gen) *World {
	return &World{Name: name, gen: gen, columns: map[geom.ChunkPos]*column{}}
}

func (w *World) MinY() int   { return w.gen.MinY }
func (w *World) Height() int { return w.gen.Height }
func (w *World) Top() int    { return w.gen.Top() }
func (w *World) Gen() Gen    { return w.gen }
func (w *World) Surface(x, z int) int {
	return w.gen.SurfaceAt(x, z)
}

// InBounds reports whether p is inside the world's box.
func (w *World) InBounds(p geom.BlockPos) bool {
	if p.Y < w.gen.MinY || p.Y > w.gen.Top() {
		return false
	}
	r := w.gen.BoundaryR
	return r <= 0 || (geom.AbsInt(p.X) <= r && geom.AbsInt(p.Z) <= r)
}

func (w *World) ColumnInBounds(c geom.ChunkPos) bool {
	return w.InBounds(geom.BlockPos{X: c.X * geom.SectionSize, Y: w.gen.MinY, Z: c.Z * geom.SectionSize})
}

func (w *World) Loaded(c geom.ChunkPos) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.columns[c]
	return ok
}

func (w *World) LoadedCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.columns)
}

// Load generates c if needed.
func (w *World) Load(c geom.ChunkPos) error {
	if !w.ColumnInBounds(c) {
		return fmt.Errorf("%w: column %d,%d", ErrOutOfBounds, c.X, c.Z)
	}
	if w.Loaded(c) {
		return nil
	}
	secs := w.gen.Column(c)
	w.mu.Lock()
	if _, ok := w.columns[c]; !ok {
		w.columns[c] = &column{sections: secs}
	}
	w.mu.Unlock()
	return nil
}

func (w *World) Unload(c geom.ChunkPos) {
	w.mu.Lock()
	delete(w.columns, c)
	w.mu.Unlock()
}

// Snapshot returns a private copy of column c together with the cached wire bytes of
// the unmodified copy.
func (w *World) Snapshot(c geom.ChunkPos) (*protocol.AreaSnapshot, []byte, error) {
	w.mu.RLock()
	col, ok := w.columns[c]
	if !ok {
		w.mu.RUnlock()
		return nil, nil, ErrNotLoaded
	}
	snap := &protocol.AreaSnapshot{X: c.X, Z: c.Z, MinY: w.gen.MinY, Sections: make([]*protocol.Section, len(col.sections))}
	for i, s := range col.sections {
		snap.Sections[i] = cloneSection(s)
	}
	version := col.version
	var cached []byte
	if col.encoded != nil && col.encodedAt == version {
		cached = col.encoded
	}
	w.mu.RUnlock()

	if cached == nil {
		b, err := encoding.EncodePacket(snap)
		if err != nil {
			return nil, nil, err
		}
		cached = b
		w.mu.Lock()
		if cur, ok := w.columns[c]; ok && cur == col && col.version == version {
			col.encoded, col.encodedAt = b, version
		}
		w.mu.Unlock()
	}
	return snap, cached, nil
}

func cloneSection(s *protocol.Section) *protocol.Section {
	if s == nil {
		return nil
	}
	return &protocol.Section{
		Palette: append([]protocol.BlockState(nil), s.Palette...),
		Data:    append([]uint16(nil), s.Data...),
	}
}

func (w *World) Block(p geom.BlockPos) (protocol.BlockState, error) {
	if !w.InBounds(p) {
		return protocol.BlockState{}, ErrOutOfBounds
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	col, ok := w.columns[p.Chunk()]
	if !ok {
		return protocol.BlockState{}, ErrNotLoaded
	}
	sec := col.sections[w.sectionIndex(p.Y)]
	if sec == nil {
		return w.gen.states[kAir], nil
	}
	return sec.Get(p.X, p.Y, p.Z)
}

// SetBlock writes st at p and reports whether the cell changed. The column is loaded
// first when needed.
func (w *World) SetBlock(p geom.BlockPos, st protocol.BlockState) (bool, error) {
	if !w.InBounds(p) {
		return false, ErrOutOfBounds
	}
	if err := w.Load(p.Chunk()); err != nil {
		return false, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	col, ok := w.columns[p.Chunk()]
	if !ok {
		return false, ErrNotLoaded
	}
	i := w.sectionIndex(p.Y)
	sec := col.sections[i]
	if sec == nil {
		if st.ID == w.gen.states[kAir].ID {
			return false, nil
		}
		sec = protocol.NewSection(w.gen.states[kAir])
		col.sections[i] = sec
	}
	if cur, err := sec.Get(p.X, p.Y, p.Z); err == nil && cur.ID == st.ID {
		return false, nil
	}
	sec.Set(p.X, p.Y, p.Z, st)
	col.version++
	col.encoded = nil
	return true, nil
}

func (w *World) sectionIndex(y int) int {
	return (y - w.gen.MinY) / geom.SectionSize
}
