package encoding

import (
	"encoding/json"
	"fmt"

	"strataguard/internal/protocol"
)

// EncodeSection converts a section to its wire form. Nil or empty sections encode as
// the zero SectionWire.
func EncodeSection(s *protocol.Section) protocol.SectionWire {
	if s.IsEmpty() {
		return protocol.SectionWire{}
	}
	ids := make([]uint16, len(s.Palette))
	for i, st := range s.Palette {
		ids[i] = st.ID
	}
	return protocol.SectionWire{Palette: ids, Data: EncodeRLE(s.Data)}
}

// DecodeSection rebuilds a section from the wire. Palette names are resolved through
// names when provided.
func DecodeSection(w protocol.SectionWire, names func(uint16) string) (*protocol.Section, error) {
	if len(w.Palette) == 0 {
		return nil, nil
	}
	data, err := DecodeRLE(w.Data, protocol.SectionVolume)
	if err != nil {
		return nil, err
	}
	s := &protocol.Section{Palette: make([]protocol.BlockState, len(w.Palette)), Data: data}
	for i, id := range w.Palette {
		s.Palette[i] = protocol.BlockState{ID: id}
		if names != nil {
			s.Palette[i].Name = names(id)
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func ChunkMessage(a *protocol.AreaSnapshot) protocol.ChunkMsg {
	msg := protocol.ChunkMsg{
		Type:          protocol.TypeChunk,
		X:             a.X,
		Z:             a.Z,
		MinY:          a.MinY,
		IgnoreOldData: a.IgnoreOldData,
		Sections:      make([]protocol.SectionWire, len(a.Sections)),
	}
	for i, s := range a.Sections {
		msg.Sections[i] = EncodeSection(s)
	}
	return msg
}

func SnapshotFromMessage(m protocol.ChunkMsg, names func(uint16) string) (*protocol.AreaSnapshot, error) {
	a := &protocol.AreaSnapshot{X: m.X, Z: m.Z, MinY: m.MinY, IgnoreOldData: m.IgnoreOldData}
	a.Sections = make([]*protocol.Section, len(m.Sections))
	for i, w := range m.Sections {
		s, err := DecodeSection(w, names)
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", i, err)
		}
		a.Sections[i] = s
	}
	return a, nil
}

// EncodePacket serialises an outbound world packet as a JSON transport message.
func EncodePacket(pk protocol.Packet) ([]byte, error) {
	switch p := pk.(type) {
	case *protocol.AreaSnapshot:
		return json.Marshal(ChunkMessage(p))
	case *protocol.CellUpdate:
		return json.Marshal(protocol.BlockMsg{
			Type: protocol.TypeBlock,
			Pos:  [3]int{p.Pos.X, p.Pos.Y, p.Pos.Z},
			ID:   p.State.ID,
		})
	case *protocol.BatchedUpdate:
		return json.Marshal(protocol.MultiMsg{
			Type:    protocol.TypeMulti,
			Section: [3]int{p.Section.X, p.Section.Y, p.Section.Z},
			Records: p.Records,
		})
	default:
		return nil, fmt.Errorf("encode: unsupported packet %T", pk)
	}
}
