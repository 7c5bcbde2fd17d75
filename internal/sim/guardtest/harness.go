package guardtest

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"strataguard/internal/host"
	"strataguard/internal/protocol"
	"strataguard/internal/sim/catalogs"
	"strataguard/internal/sim/encoding"
	"strataguard/internal/sim/geom"
	"strataguard/internal/sim/refresh"
	"strataguard/internal/sim/rewrite"
	"strataguard/internal/sim/sched"
	"strataguard/internal/sim/tuning"
	"strataguard/internal/sim/visibility"
)

// Harness is a black-box helper that runs the reference host with the full guard
// stack on a manually stepped scheduler:
// - Join() registers a client whose Session decodes everything the host sends
// - Step()/Settle() advance the scheduler deterministically
// - Session.Cell() answers what the client currently sees at a position
type Harness struct {
	T      *testing.T
	Ctx    context.Context
	Tuning tuning.Tuning
	Blocks *catalogs.BlockCatalog

	Sched    *sched.Scheduler
	Guard    *visibility.Controller
	Dispatch *refresh.Dispatcher
	Engine   *rewrite.Engine
	Host     *host.Host
	Specimen protocol.BlockState

	mu  sync.Mutex
	now time.Time
}

// DefaultTuning is the stock configuration with a small view so tests stay fast. The
// harness clock only moves on Advance, so every refresh falls inside one de-dupe
// window unless a test advances past it.
func DefaultTuning() tuning.Tuning {
	t := tuning.Defaults()
	t.Performance.RefreshRadius = 1
	t.Performance.ReducedClientRadius = 1
	return t
}

func New(t *testing.T, tun tuning.Tuning, mode sched.Mode) *Harness {
	t.Helper()
	cats, err := catalogs.Load("../../../configs")
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	spec, err := cats.Blocks.ResolveReplacement(tun.AntiXray.Replacement)
	if err != nil {
		t.Fatalf("resolve replacement: %v", err)
	}
	discard := log.New(io.Discard, "", 0)

	h := &Harness{
		T:        t,
		Ctx:      context.Background(),
		Tuning:   tun,
		Blocks:   &cats.Blocks,
		Specimen: spec.State,
		now:      time.Unix(1_700_000_000, 0),
	}
	h.Sched = sched.New(sched.Capabilities{Mode: mode, RegionShift: tun.Host.RegionShift, TickRateHz: tun.Host.TickRateHz}, discard)
	h.Host, err = host.New(host.Config{Tuning: tun, Blocks: &cats.Blocks, Scheduler: h.Sched, Logger: discard})
	if err != nil {
		t.Fatalf("host.New: %v", err)
	}
	h.Guard = visibility.NewController(visibility.Config{
		Tuning:     tun,
		Scheduler:  h.Sched,
		Registry:   h.Host,
		Teleporter: h.Host,
		Logger:     discard,
		Now:        h.Now,
	})
	h.Dispatch = refresh.New(refresh.Config{
		Performance: tun.Performance,
		Scheduler:   h.Sched,
		Connections: h.Host,
		Resender:    h.Host,
		Classifier:  h.Host,
		Logger:      discard,
		Now:         h.Now,
	})
	h.Guard.SetRefresher(h.Dispatch)
	h.Engine = rewrite.New(rewrite.Config{
		Visibility: h.Guard,
		Locator:    h.Host,
		Blocks:     &cats.Blocks,
		Specimen:   spec,
		Logger:     discard,
	})
	h.Host.Attach(h.Guard, h.Engine)
	h.Guard.Observe(h.Host)
	return h
}

func (h *Harness) Now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *Harness) Advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *Harness) Step(n int) { h.Sched.StepN(h.Ctx, n) }

// Settle steps until no work is queued.
func (h *Harness) Settle() {
	h.T.Helper()
	for i := 0; i < 500; i++ {
		if h.Sched.Pending() == 0 {
			return
		}
		h.Sched.Step(h.Ctx)
	}
	h.T.Fatalf("scheduler did not settle: %d tasks pending", h.Sched.Pending())
}

func (h *Harness) Join(name, world string, legacy bool) *Session {
	h.T.Helper()
	s := &Session{h: h, columns: map[geom.ChunkPos]*protocol.AreaSnapshot{}, peers: map[string][3]float64{}}
	c, err := h.Host.Join(name, world, legacy, s)
	if err != nil {
		h.T.Fatalf("join %s: %v", name, err)
	}
	s.ID = c.ID
	return s
}

// Session is a client model fed by the host's messages.
type Session struct {
	ID uuid.UUID
	h  *Harness

	mu       sync.Mutex
	Welcome  protocol.WelcomeMsg
	columns  map[geom.ChunkPos]*protocol.AreaSnapshot
	peers    map[string][3]float64
	Moved    []protocol.MovedMsg
	Errors   []protocol.ErrorMsg
	Chunks   int
	Replaced int
	Cells    int
	Batches  int
	// Full rejects deliveries when set, like a backed-up client queue.
	Full bool
}

// Deliver implements host.Sink.
func (s *Session) Deliver(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Full {
		return false
	}
	base, err := protocol.DecodeBase(b)
	if err != nil {
		s.h.T.Errorf("undecodable message: %v", err)
		return true
	}
	switch base.Type {
	case protocol.TypeWelcome:
		_ = json.Unmarshal(b, &s.Welcome)
	case protocol.TypeChunk:
		var m protocol.ChunkMsg
		if err := json.Unmarshal(b, &m); err != nil {
			s.h.T.Errorf("chunk: %v", err)
			return true
		}
		a, err := encoding.SnapshotFromMessage(m, nil)
		if err != nil {
			s.h.T.Errorf("chunk %d,%d: %v", m.X, m.Z, err)
			return true
		}
		s.columns[a.Chunk()] = a
		s.Chunks++
		if m.IgnoreOldData {
			s.Replaced++
		}
	case protocol.TypeBlock:
		var m protocol.BlockMsg
		_ = json.Unmarshal(b, &m)
		s.setCell(geom.BlockPos{X: m.Pos[0], Y: m.Pos[1], Z: m.Pos[2]}, m.ID)
		s.Cells++
	case protocol.TypeMulti:
		var m protocol.MultiMsg
		_ = json.Unmarshal(b, &m)
		for _, v := range m.Records {
			r, err := protocol.DecodeRecord(v)
			if err != nil {
				continue
			}
			s.setCell(geom.BlockPos{
				X: m.Section[0]*geom.SectionSize + r.X,
				Y: m.Section[1]*geom.SectionSize + r.Y,
				Z: m.Section[2]*geom.SectionSize + r.Z,
			}, uint16(r.ID))
		}
		s.Batches++
	case protocol.TypePeer:
		var m protocol.PeerMsg
		_ = json.Unmarshal(b, &m)
		if m.Gone {
			delete(s.peers, m.ID)
		} else {
			s.peers[m.ID] = m.Pos
		}
	case protocol.TypeMoved:
		var m protocol.MovedMsg
		_ = json.Unmarshal(b, &m)
		s.Moved = append(s.Moved, m)
	case protocol.TypeError:
		var m protocol.ErrorMsg
		_ = json.Unmarshal(b, &m)
		s.Errors = append(s.Errors, m)
	}
	return true
}

func (s *Session) setCell(p geom.BlockPos, id uint16) {
	a, ok := s.columns[p.Chunk()]
	if !ok {
		return
	}
	i := (p.Y - a.MinY) / geom.SectionSize
	if i < 0 || i >= len(a.Sections) {
		return
	}
	if a.Sections[i] == nil {
		a.Sections[i] = protocol.NewSection(protocol.BlockState{})
	}
	a.Sections[i].Set(p.X, p.Y, p.Z, protocol.BlockState{ID: id})
}

// Cell returns the state id the client holds at p.
func (s *Session) Cell(p geom.BlockPos) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.columns[p.Chunk()]
	if !ok {
		return 0, false
	}
	i := (p.Y - a.MinY) / geom.SectionSize
	if i < 0 || i >= len(a.Sections) {
		return 0, false
	}
	if a.Sections[i] == nil {
		return 0, true
	}
	st, err := a.Sections[i].Get(p.X, p.Y, p.Z)
	if err != nil {
		return 0, false
	}
	return st.ID, true
}

func (s *Session) Columns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.columns)
}

func (s *Session) HasColumn(c geom.ChunkPos) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.columns[c]
	return ok
}

func (s *Session) Peers() map[string][3]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][3]float64, len(s.peers))
	for k, v := range s.peers {
		out[k] = v
	}
	return out
}

func (s *Session) SetFull(v bool) {
	s.mu.Lock()
	s.Full = v
	s.mu.Unlock()
}

func (s *Session) Location() geom.Location {
	info, _ := s.h.Host.Lookup(s.ID)
	return info.Location
}

func (s *Session) MoveTo(x, y, z float64) { s.h.Host.HandleMove(s.ID, [3]float64{x, y, z}) }

func (s *Session) TeleportTo(world string, x, y, z float64) {
	s.h.Host.HandleTeleport(s.ID, world, [3]float64{x, y, z})
}

func (s *Session) Place(x, y, z int, block string) {
	s.h.Host.HandlePlace(s.ID, [3]int{x, y, z}, block)
}

func (s *Session) Fill(lo, hi [3]int, block string) { s.h.Host.HandleFill(s.ID, lo, hi, block) }

func (s *Session) Leave() { s.h.Host.Leave(s.ID) }
