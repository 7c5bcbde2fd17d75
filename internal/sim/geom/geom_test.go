package geom

import "testing"

func TestLocationChunkNegative(t *testing.T) {
	loc := Location{World: "w", X: -0.5, Y: 64, Z: -17}
	if got := loc.Chunk(); got != (ChunkPos{X: -1, Z: -2}) {
		t.Fatalf("chunk: got %+v want {-1 -2}", got)
	}
	if got := (Location{Y: 30.9}).BlockY(); got != 30 {
		t.Fatalf("BlockY: got %d want 30", got)
	}
	if got := (Location{Y: -0.1}).BlockY(); got != -1 {
		t.Fatalf("BlockY negative: got %d want -1", got)
	}
}

func TestRegionOf(t *testing.T) {
	a := RegionOf("w", ChunkPos{X: 31, Z: 0}, DefaultRegionShift)
	b := RegionOf("w", ChunkPos{X: 32, Z: 0}, DefaultRegionShift)
	c := RegionOf("w", ChunkPos{X: -1, Z: 0}, DefaultRegionShift)
	if a == b {
		t.Fatalf("chunks 31 and 32 should be in different regions: %+v", a)
	}
	if c.X != -1 {
		t.Fatalf("negative chunk region: got %d want -1", c.X)
	}
}

func TestDistances(t *testing.T) {
	a := ChunkPos{X: 0, Z: 0}
	b := ChunkPos{X: 3, Z: -2}
	if got := a.Chebyshev(b); got != 3 {
		t.Fatalf("Chebyshev: got %d want 3", got)
	}
	if got := a.Manhattan(b); got != 5 {
		t.Fatalf("Manhattan: got %d want 5", got)
	}
}

func TestHashStable(t *testing.T) {
	if Hash3(7, 1, 2, 3) != Hash3(7, 1, 2, 3) {
		t.Fatalf("Hash3 not deterministic")
	}
	if Hash2(7, 1, 2) == Hash2(8, 1, 2) {
		t.Fatalf("Hash2 should depend on seed")
	}
}
