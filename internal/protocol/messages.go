package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Name            string `json:"name"`
	World           string `json:"world,omitempty"`
	// LegacyClient marks a reduced-capability client (smaller refresh radius).
	LegacyClient bool `json:"legacy_client,omitempty"`
	MaxQueue     int  `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ConnID          string     `json:"conn_id"`
	World           string     `json:"world"`
	Pos             [3]float64 `json:"pos"`
	MinY            int        `json:"min_y"`
	Height          int        `json:"height"`
	ViewDistance    int        `json:"view_distance"`
	Worlds          []string   `json:"worlds"`
}

// MOVE (client -> server)
type MoveMsg struct {
	Type string     `json:"type"`
	Pos  [3]float64 `json:"pos"`
}

// TELEPORT (client -> server)
type TeleportMsg struct {
	Type  string     `json:"type"`
	World string     `json:"world,omitempty"`
	Pos   [3]float64 `json:"pos"`
}

// PLACE (client -> server): set one cell.
type PlaceMsg struct {
	Type  string `json:"type"`
	Pos   [3]int `json:"pos"`
	Block string `json:"block"`
}

// FILL (client -> server): set a box of cells inside one section.
type FillMsg struct {
	Type  string `json:"type"`
	Min   [3]int `json:"min"`
	Max   [3]int `json:"max"`
	Block string `json:"block"`
}

// MOVED (server -> client): the server relocated the connection.
type MovedMsg struct {
	Type  string     `json:"type"`
	World string     `json:"world"`
	Pos   [3]float64 `json:"pos"`
}

// PEER (server -> client): another connection's position. Gone removes it from view.
type PeerMsg struct {
	Type string     `json:"type"`
	ID   string     `json:"id"`
	Name string     `json:"name,omitempty"`
	Pos  [3]float64 `json:"pos,omitempty"`
	Gone bool       `json:"gone,omitempty"`
}

// CHUNK (server -> client)
type ChunkMsg struct {
	Type          string        `json:"type"`
	X             int           `json:"x"`
	Z             int           `json:"z"`
	MinY          int           `json:"min_y"`
	IgnoreOldData bool          `json:"ignore_old_data,omitempty"`
	Sections      []SectionWire `json:"sections"`
}

// SectionWire is one section on the wire: palette ids plus RLE'd palette indices.
// Empty sections carry no palette.
type SectionWire struct {
	Palette []uint16 `json:"palette,omitempty"`
	Data    string   `json:"data,omitempty"`
}

// BLOCK (server -> client)
type BlockMsg struct {
	Type string `json:"type"`
	Pos  [3]int `json:"pos"`
	ID   uint16 `json:"id"`
}

// MULTI (server -> client)
type MultiMsg struct {
	Type    string   `json:"type"`
	Section [3]int   `json:"section"`
	Records []uint64 `json:"records"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
