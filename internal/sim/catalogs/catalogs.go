package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"strataguard/internal/protocol"
)

// ErrNoReplacement means neither the configured replacement block nor any fallback
// exists in the palette. The guard cannot run without one.
var ErrNoReplacement = errors.New("no replacement block resolvable")

type Catalogs struct {
	Blocks BlockCatalog
}

type BlockCatalog struct {
	Palette       []string
	Index         map[string]uint16
	Defs          map[string]BlockDef
	PaletteDigest string
	DefsDigest    string

	airByID []bool
}

type BlockDef struct {
	ID    string `json:"id"`
	Solid bool   `json:"solid"`
	// Air marks blocks the client renders as empty space (AIR, CAVE_AIR, ...).
	Air bool `json:"air,omitempty"`
}

// Specimen is the block written over suppressed cells.
type Specimen struct {
	State protocol.BlockState
}

func (s Specimen) ID() uint16 { return s.State.ID }

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs
	if err := loadBlocks(filepath.Join(configDir, "blocks.json"), &c.Blocks); err != nil {
		return nil, err
	}
	return &c, nil
}

// FromDefs builds a catalog from in-memory definitions (tests, embedded hosts).
func FromDefs(defs []BlockDef) (*Catalogs, error) {
	var c Catalogs
	raw, err := json.Marshal(defs)
	if err != nil {
		return nil, err
	}
	if err := parseBlocks(raw, &c.Blocks); err != nil {
		return nil, err
	}
	return &c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func loadBlocks(path string, out *BlockCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return parseBlocks(raw, out)
}

func parseBlocks(raw []byte, out *BlockCatalog) error {
	out.DefsDigest = sha256Hex(raw)

	var defs []BlockDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("blocks.json: %w", err)
	}
	out.Defs = map[string]BlockDef{}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("blocks.json: empty id")
		}
		if _, dup := out.Defs[d.ID]; dup {
			return fmt.Errorf("blocks.json: duplicate id %s", d.ID)
		}
		out.Defs[d.ID] = d
	}

	ids := make([]string, 0, len(out.Defs))
	for id := range out.Defs {
		if id != "AIR" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	// Ensure AIR exists and is palette id 0.
	air, ok := out.Defs["AIR"]
	if !ok {
		return fmt.Errorf("blocks.json: missing AIR")
	}
	if !air.Air {
		air.Air = true
		out.Defs["AIR"] = air
	}
	ids = append([]string{"AIR"}, ids...)

	out.Palette = ids
	out.Index = make(map[string]uint16, len(ids))
	out.airByID = make([]bool, len(ids))
	for i, id := range ids {
		out.Index[id] = uint16(i)
		out.airByID[i] = out.Defs[id].Air
	}
	palJSON, _ := json.Marshal(ids)
	out.PaletteDigest = sha256Hex(palJSON)
	return nil
}

func (b *BlockCatalog) Len() int { return len(b.Palette) }

func (b *BlockCatalog) State(name string) (protocol.BlockState, bool) {
	id, ok := b.Index[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return protocol.BlockState{}, false
	}
	return protocol.BlockState{ID: id, Name: b.Palette[id]}, true
}

func (b *BlockCatalog) StateByID(id uint16) (protocol.BlockState, bool) {
	if int(id) >= len(b.Palette) {
		return protocol.BlockState{}, false
	}
	return protocol.BlockState{ID: id, Name: b.Palette[id]}, true
}

// IsAir reports whether the id renders as empty space. Unknown ids are not air.
func (b *BlockCatalog) IsAir(id uint16) bool {
	return int(id) < len(b.airByID) && b.airByID[id]
}

// ResolveReplacement walks the ordered candidate list and returns the first block the
// palette knows about.
func (b *BlockCatalog) ResolveReplacement(candidates []string) (Specimen, error) {
	for _, name := range candidates {
		if st, ok := b.State(name); ok {
			return Specimen{State: st}, nil
		}
	}
	return Specimen{}, fmt.Errorf("%w: tried %v", ErrNoReplacement, candidates)
}
