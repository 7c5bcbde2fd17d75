package geom

import "math"

const (
	// SectionSize is the edge length of a chunk section and of a chunk column.
	SectionSize = 16
	// DefaultRegionShift groups 32x32 chunks into one scheduling region.
	DefaultRegionShift = 5
)

// Location is a position inside a named world. Y is the elevation.
type Location struct {
	World string
	X     float64
	Y     float64
	Z     float64
}

func (l Location) Block() BlockPos {
	return BlockPos{X: floorInt(l.X), Y: floorInt(l.Y), Z: floorInt(l.Z)}
}

func (l Location) Chunk() ChunkPos {
	return l.Block().Chunk()
}

// BlockY is the elevation truncated to the containing cell.
func (l Location) BlockY() int {
	return floorInt(l.Y)
}

type BlockPos struct {
	X, Y, Z int
}

func (p BlockPos) Chunk() ChunkPos {
	return ChunkPos{X: FloorDiv(p.X, SectionSize), Z: FloorDiv(p.Z, SectionSize)}
}

type ChunkPos struct {
	X, Z int
}

// Origin is the location of the chunk's minimum corner at elevation y.
func (c ChunkPos) Origin(world string, y float64) Location {
	return Location{World: world, X: float64(c.X * SectionSize), Y: y, Z: float64(c.Z * SectionSize)}
}

// Chebyshev returns the chessboard distance between two chunk positions.
func (c ChunkPos) Chebyshev(o ChunkPos) int {
	return max(AbsInt(c.X-o.X), AbsInt(c.Z-o.Z))
}

func (c ChunkPos) Manhattan(o ChunkPos) int {
	return AbsInt(c.X-o.X) + AbsInt(c.Z-o.Z)
}

// RegionKey identifies a scheduling region: a square of 1<<shift chunks in one world.
type RegionKey struct {
	World string
	X, Z  int
}

func RegionOf(world string, c ChunkPos, shift int) RegionKey {
	return RegionKey{World: world, X: c.X >> shift, Z: c.Z >> shift}
}

func FloorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func Mod(a, b int) int {
	// b > 0
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func AbsInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func floorInt(v float64) int {
	return int(math.Floor(v))
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Hash2 is a stable column hash used by terrain generation.
func Hash2(seed int64, x, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uz := uint64(uint32(int32(z)))
	return mix64(uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uz * 0xbf58476d1ce4e5b9))
}

// Hash3 is a stable cell hash used by terrain generation.
func Hash3(seed int64, x, y, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uy := uint64(uint32(int32(y)))
	uz := uint64(uint32(int32(z)))
	return mix64(uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uy * 0xc2b2ae3d27d4eb4f) ^ (uz * 0xbf58476d1ce4e5b9))
}
