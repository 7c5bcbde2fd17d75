package refresh

import (
	"sort"

	"strataguard/internal/sim/geom"
)

// Plan lists the columns within radius of center (square), nearest first by
// Manhattan distance, capped at maxAreas.
func Plan(center geom.ChunkPos, radius, maxAreas int) []geom.ChunkPos {
	if radius < 0 {
		radius = 0
	}
	side := 2*radius + 1
	if maxAreas <= 0 || maxAreas > side*side {
		maxAreas = side * side
	}
	type item struct {
		c    geom.ChunkPos
		dist int
	}
	items := make([]item, 0, side*side)
	for dz := -radius; dz <= radius; dz++ {
		for dx := -radius; dx <= radius; dx++ {
			c := geom.ChunkPos{X: center.X + dx, Z: center.Z + dz}
			items = append(items, item{c: c, dist: geom.AbsInt(dx) + geom.AbsInt(dz)})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].dist != items[j].dist {
			return items[i].dist < items[j].dist
		}
		if items[i].c.X != items[j].c.X {
			return items[i].c.X < items[j].c.X
		}
		return items[i].c.Z < items[j].c.Z
	})
	out := make([]geom.ChunkPos, 0, maxAreas)
	for _, it := range items[:maxAreas] {
		out = append(out, it.c)
	}
	return out
}

// group splits areas by owning region, keeping plan order inside each group and
// ordering groups by their nearest area.
func group(areas []geom.ChunkPos, regionOf func(geom.ChunkPos) geom.RegionKey) [][]geom.ChunkPos {
	idx := map[geom.RegionKey]int{}
	var out [][]geom.ChunkPos
	for _, c := range areas {
		k := regionOf(c)
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], c)
	}
	return out
}
