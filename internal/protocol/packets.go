package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"strataguard/internal/sim/geom"
)

// SectionVolume is the number of cells in one 16x16x16 section.
const SectionVolume = geom.SectionSize * geom.SectionSize * geom.SectionSize

var (
	ErrMalformedSection = errors.New("malformed section")
	ErrMalformedRecord  = errors.New("malformed record")
)

// BlockState is the full structured content of one cell.
type BlockState struct {
	ID   uint16
	Name string
}

type PacketKind uint8

const (
	KindAreaSnapshot PacketKind = iota + 1
	KindCellUpdate
	KindBatchedUpdate
	KindOther
)

func (k PacketKind) String() string {
	switch k {
	case KindAreaSnapshot:
		return "area_snapshot"
	case KindCellUpdate:
		return "cell_update"
	case KindBatchedUpdate:
		return "batched_update"
	default:
		return "other"
	}
}

// Packet is an outbound world-update packet built by the host.
type Packet interface {
	Kind() PacketKind
}

// Outbound wraps a packet on its way to one connection. Handlers that mutate the
// packet mark it so the host serialises it again.
type Outbound struct {
	Conn   uuid.UUID
	World  string
	Packet Packet

	reencode bool
}

func (o *Outbound) MarkForReencode()    { o.reencode = true }
func (o *Outbound) NeedsReencode() bool { return o.reencode }

// Section is a 16x16x16 block of cells stored as palette indices.
// Cell index is y<<8 | z<<4 | x.
type Section struct {
	Palette []BlockState
	Data    []uint16
}

func NewSection(fill BlockState) *Section {
	return &Section{
		Palette: []BlockState{fill},
		Data:    make([]uint16, SectionVolume),
	}
}

// CellIndex maps section-relative coordinates to a Data index.
func CellIndex(x, y, z int) int {
	return (y&15)<<8 | (z&15)<<4 | (x & 15)
}

func (s *Section) IsEmpty() bool {
	return s == nil || len(s.Data) == 0
}

// Validate reports whether every palette reference resolves.
func (s *Section) Validate() error {
	if s == nil {
		return nil
	}
	if len(s.Data) != SectionVolume {
		return fmt.Errorf("%w: %d cells", ErrMalformedSection, len(s.Data))
	}
	n := len(s.Palette)
	for i, idx := range s.Data {
		if int(idx) >= n {
			return fmt.Errorf("%w: cell %d references palette %d of %d", ErrMalformedSection, i, idx, n)
		}
	}
	return nil
}

func (s *Section) Get(x, y, z int) (BlockState, error) {
	i := CellIndex(x, y, z)
	if i >= len(s.Data) {
		return BlockState{}, fmt.Errorf("%w: cell %d out of range", ErrMalformedSection, i)
	}
	idx := s.Data[i]
	if int(idx) >= len(s.Palette) {
		return BlockState{}, fmt.Errorf("%w: palette index %d of %d", ErrMalformedSection, idx, len(s.Palette))
	}
	return s.Palette[idx], nil
}

func (s *Section) Set(x, y, z int, st BlockState) {
	i := CellIndex(x, y, z)
	s.Data[i] = s.PaletteIndex(st)
}

// PaletteIndex returns the palette slot holding st, appending it when missing.
func (s *Section) PaletteIndex(st BlockState) uint16 {
	for i, p := range s.Palette {
		if p.ID == st.ID {
			return uint16(i)
		}
	}
	s.Palette = append(s.Palette, st)
	return uint16(len(s.Palette) - 1)
}

// AreaSnapshot is a full chunk column: Sections[i] covers elevations
// MinY+16*i .. MinY+16*i+15. Nil sections hold nothing but air.
type AreaSnapshot struct {
	X, Z     int
	MinY     int
	Sections []*Section

	// IgnoreOldData tells the client to replace its cached column instead of merging.
	IgnoreOldData bool
}

func (*AreaSnapshot) Kind() PacketKind { return KindAreaSnapshot }

func (a *AreaSnapshot) Chunk() geom.ChunkPos { return geom.ChunkPos{X: a.X, Z: a.Z} }

// CellUpdate changes one cell.
type CellUpdate struct {
	Pos   geom.BlockPos
	State BlockState
}

func (*CellUpdate) Kind() PacketKind { return KindCellUpdate }

// SectionPos addresses a section in section coordinates.
type SectionPos struct {
	X, Y, Z int
}

func (p SectionPos) Chunk() geom.ChunkPos { return geom.ChunkPos{X: p.X, Z: p.Z} }

// BatchedUpdate changes several cells of one section. Records are packed as
// id<<12 | x<<8 | z<<4 | y with coordinates relative to the section origin.
type BatchedUpdate struct {
	Section SectionPos
	Records []uint64
}

func (*BatchedUpdate) Kind() PacketKind { return KindBatchedUpdate }

type Record struct {
	ID      uint32
	X, Y, Z int
}

// MaxRecordID bounds the state id a packed record can carry.
const MaxRecordID = 1<<32 - 1

func EncodeRecord(r Record) uint64 {
	return uint64(r.ID)<<12 | uint64(r.X&15)<<8 | uint64(r.Z&15)<<4 | uint64(r.Y&15)
}

func DecodeRecord(v uint64) (Record, error) {
	id := v >> 12
	if id > MaxRecordID {
		return Record{}, fmt.Errorf("%w: id %d", ErrMalformedRecord, id)
	}
	return Record{
		ID: uint32(id),
		X:  int(v>>8) & 15,
		Z:  int(v>>4) & 15,
		Y:  int(v) & 15,
	}, nil
}

// WithID returns the packed record with only its state id replaced.
func WithID(v uint64, id uint32) uint64 {
	return uint64(id)<<12 | v&0xFFF
}

// Other is any packet the rewrite path passes through untouched.
type Other struct {
	Name string
}

func (*Other) Kind() PacketKind { return KindOther }
