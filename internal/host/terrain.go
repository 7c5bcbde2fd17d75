package host

import (
	"fmt"

	"strataguard/internal/protocol"
	"strataguard/internal/sim/catalogs"
	"strataguard/internal/sim/geom"
	"strataguard/internal/sim/tuning"
)

type kind uint8

const (
	kAir kind = iota
	kCaveAir
	kBedrock
	kStone
	kDeepslate
	kDirt
	kGrass
	kSand
	kGravel
	kWater
	kLava
	kCoalOre
	kIronOre
	kGoldOre
	kDiamondOre
	kSpawner
	kChest
	numKinds
)

var kindNames = [numKinds]string{
	kAir:        "AIR",
	kCaveAir:    "CAVE_AIR",
	kBedrock:    "BEDROCK",
	kStone:      "STONE",
	kDeepslate:  "DEEPSLATE",
	kDirt:       "DIRT",
	kGrass:      "GRASS",
	kSand:       "SAND",
	kGravel:     "GRAVEL",
	kWater:      "WATER",
	kLava:       "LAVA",
	kCoalOre:    "COAL_ORE",
	kIronOre:    "IRON_ORE",
	kGoldOre:    "GOLD_ORE",
	kDiamondOre: "DIAMOND_ORE",
	kSpawner:    "SPAWNER",
	kChest:      "CHEST",
}

// feature is a family of spherical clusters placed on a 3D grid: at most one center
// per grid cell, present with probability prob/1000.
type feature struct {
	seed   int64
	grid   int
	radius int
	prob   uint64
	// maxDepth limits the feature to cells less than maxDepth above the world floor.
	maxDepth int
	// deep features stay well below the surface and off the floor.
	deep bool
	kind func(h uint64, y int) kind
}

// Gen generates deterministic terrain columns for one world.
type Gen struct {
	Seed      int64
	MinY      int
	Height    int
	SeaLevel  int
	BoundaryR int

	BiomeRegionSize int

	states   [numKinds]protocol.BlockState
	features []feature
}

func NewGen(spec tuning.WorldSpec, blocks *catalogs.BlockCatalog) (Gen, error) {
	g := Gen{
		Seed:            spec.Seed,
		MinY:            spec.MinY,
		Height:          spec.Height,
		SeaLevel:        spec.SeaLevel,
		BoundaryR:       spec.BoundaryR,
		BiomeRegionSize: 64,
	}
	for k, name := range kindNames {
		st, ok := blocks.State(name)
		if !ok {
			return Gen{}, fmt.Errorf("world %s: block %s missing from palette", spec.Name, name)
		}
		g.states[k] = st
	}
	floor := g.MinY
	// Stamped in order; later features win.
	g.features = []feature{
		{seed: g.Seed + 104, grid: 10, radius: 1, prob: 350, kind: constKind(kCoalOre)},
		{seed: g.Seed + 103, grid: 12, radius: 1, prob: 250, kind: constKind(kIronOre)},
		{seed: g.Seed + 102, grid: 16, radius: 1, prob: 180, maxDepth: 96, kind: constKind(kGoldOre)},
		{seed: g.Seed + 101, grid: 16, radius: 1, prob: 120, maxDepth: 64, kind: constKind(kDiamondOre)},
		{seed: g.Seed + 401, grid: 24, radius: 3, prob: 300, deep: true, kind: func(_ uint64, y int) kind {
			if y <= floor+10 {
				return kLava
			}
			return kCaveAir
		}},
		{seed: g.Seed + 501, grid: 96, radius: 2, prob: 60, deep: true, kind: func(h uint64, _ int) kind {
			if (h>>40)%9 == 0 {
				return kChest
			}
			return kSpawner
		}},
	}
	return g, nil
}

func constKind(k kind) func(uint64, int) kind {
	return func(uint64, int) kind { return k }
}

// Top is the highest elevation with cells.
func (g Gen) Top() int { return g.MinY + g.Height - 1 }

func (g Gen) Sections() int { return g.Height / geom.SectionSize }

// SurfaceAt is the elevation of the topmost solid cell of column x,z: bilinear value
// noise over a 32-block grid on top of the sea level.
func (g Gen) SurfaceAt(x, z int) int {
	const grid = 32
	gx, gz := geom.FloorDiv(x, grid), geom.FloorDiv(z, grid)
	fx, fz := geom.Mod(x, grid), geom.Mod(z, grid)

	corner := func(cx, cz int) int { return int(geom.Hash2(g.Seed+7, cx, cz)%25) - 8 }
	h00, h10 := corner(gx, gz), corner(gx+1, gz)
	h01, h11 := corner(gx, gz+1), corner(gx+1, gz+1)

	top := h00*(grid-fx) + h10*fx
	bot := h01*(grid-fx) + h11*fx
	v := (top*(grid-fz) + bot*fz) / (grid * grid)

	s := g.SeaLevel + 4 + v
	return min(max(s, g.MinY+8), g.Top()-8)
}

// colBuf holds one column as kinds, indexed y-major like a section.
type colBuf struct {
	g       *Gen
	c       geom.ChunkPos
	cells   []kind
	surface [geom.SectionSize][geom.SectionSize]int
}

func (b *colBuf) idx(x, y, z int) int {
	return (y-b.g.MinY)<<8 | z<<4 | x
}

// Column builds every section of chunk column c. All-air sections are nil.
func (g Gen) Column(c geom.ChunkPos) []*protocol.Section {
	b := &colBuf{g: &g, c: c, cells: make([]kind, g.Height*geom.SectionSize*geom.SectionSize)}
	for z := 0; z < geom.SectionSize; z++ {
		for x := 0; x < geom.SectionSize; x++ {
			wx, wz := c.X*geom.SectionSize+x, c.Z*geom.SectionSize+z
			s := g.SurfaceAt(wx, wz)
			b.surface[z][x] = s
			biome := biomeAt(g.Seed, wx, wz, g.BiomeRegionSize)
			for y := g.MinY; y <= g.Top(); y++ {
				b.cells[b.idx(x, y, z)] = g.baseKind(y, s, biome)
			}
		}
	}
	for _, f := range g.features {
		b.stamp(f)
	}

	out := make([]*protocol.Section, g.Sections())
	for i := range out {
		base := g.MinY + i*geom.SectionSize
		sec := protocol.NewSection(g.states[kAir])
		for y := 0; y < geom.SectionSize; y++ {
			for z := 0; z < geom.SectionSize; z++ {
				for x := 0; x < geom.SectionSize; x++ {
					if k := b.cells[b.idx(x, base+y, z)]; k != kAir {
						sec.Set(x, y, z, g.states[k])
					}
				}
			}
		}
		if len(sec.Palette) > 1 {
			out[i] = sec
		}
	}
	return out
}

func (g Gen) baseKind(y, surface int, biome string) kind {
	switch {
	case y == g.MinY:
		return kBedrock
	case y > surface:
		if y <= g.SeaLevel {
			return kWater
		}
		return kAir
	case y == surface:
		switch {
		case surface < g.SeaLevel:
			return kGravel
		case biome == "DESERT":
			return kSand
		default:
			return kGrass
		}
	case y > surface-4:
		if biome == "DESERT" {
			return kSand
		}
		return kDirt
	case y < 0:
		return kDeepslate
	default:
		return kStone
	}
}

// stamp places every cluster of f whose sphere reaches into the column.
func (b *colBuf) stamp(f feature) {
	g := b.g
	x0, z0 := b.c.X*geom.SectionSize, b.c.Z*geom.SectionSize
	x1, z1 := x0+geom.SectionSize-1, z0+geom.SectionSize-1
	r := f.radius
	for gy := geom.FloorDiv(g.MinY-r, f.grid); gy <= geom.FloorDiv(g.Top()+r, f.grid); gy++ {
		for gz := geom.FloorDiv(z0-r, f.grid); gz <= geom.FloorDiv(z1+r, f.grid); gz++ {
			for gx := geom.FloorDiv(x0-r, f.grid); gx <= geom.FloorDiv(x1+r, f.grid); gx++ {
				h := geom.Hash3(f.seed, gx, gy, gz)
				if h%1000 >= f.prob {
					continue
				}
				cx := gx*f.grid + int((h>>10)%uint64(f.grid))
				cy := gy*f.grid + int((h>>20)%uint64(f.grid))
				cz := gz*f.grid + int((h>>30)%uint64(f.grid))
				b.sphere(f, h, cx, cy, cz)
			}
		}
	}
}

func (b *colBuf) sphere(f feature, h uint64, cx, cy, cz int) {
	g := b.g
	r := f.radius
	r2 := r * r
	for y := max(cy-r, g.MinY+1); y <= min(cy+r, g.Top()); y++ {
		if f.maxDepth > 0 && y-g.MinY >= f.maxDepth {
			continue
		}
		for z := cz - r; z <= cz+r; z++ {
			lz := z - b.c.Z*geom.SectionSize
			if lz < 0 || lz >= geom.SectionSize {
				continue
			}
			for x := cx - r; x <= cx+r; x++ {
				lx := x - b.c.X*geom.SectionSize
				if lx < 0 || lx >= geom.SectionSize {
					continue
				}
				dx, dy, dz := x-cx, y-cy, z-cz
				if dx*dx+dy*dy+dz*dz > r2 {
					continue
				}
				s := b.surface[lz][lx]
				if y > s-4 {
					continue
				}
				if f.deep && (y >= s-12 || y <= g.MinY+4) {
					continue
				}
				b.cells[b.idx(lx, y, lz)] = f.kind(h, y)
			}
		}
	}
}

func biomeAt(seed int64, x, z, regionSize int) string {
	if regionSize <= 0 {
		regionSize = 1
	}
	switch geom.Hash2(seed, geom.FloorDiv(x, regionSize), geom.FloorDiv(z, regionSize)) % 3 {
	case 0:
		return "PLAINS"
	case 1:
		return "FOREST"
	default:
		return "DESERT"
	}
}
