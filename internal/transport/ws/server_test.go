package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"strataguard/internal/host"
	"strataguard/internal/protocol"
	"strataguard/internal/sim/catalogs"
	"strataguard/internal/sim/sched"
	"strataguard/internal/sim/tuning"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	cats, err := catalogs.Load("../../../configs")
	if err != nil {
		t.Fatalf("catalogs: %v", err)
	}
	tun := tuning.Defaults()
	tun.Performance.RefreshRadius = 1
	discard := log.New(io.Discard, "", 0)
	s := sched.New(sched.Capabilities{Mode: sched.Single, TickRateHz: 50}, discard)
	h, err := host.New(host.Config{Tuning: tun, Blocks: &cats.Blocks, Scheduler: s, Logger: discard})
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()

	srv := NewServer(h, discard)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	if err := c.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// next reads messages until one of type typ arrives.
func next(t *testing.T, c *websocket.Conn, typ string) []byte {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, b, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		base, err := protocol.DecodeBase(b)
		if err == nil && base.Type == typ {
			return b
		}
	}
}

func TestHandshake_WelcomeThenView(t *testing.T) {
	_, url := startServer(t)
	c := dial(t, url)
	send(t, c, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Name: "alice"})

	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(next(t, c, protocol.TypeWelcome), &welcome); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	if welcome.ConnID == "" || welcome.World != "world" {
		t.Fatalf("welcome: %+v", welcome)
	}
	var chunk protocol.ChunkMsg
	if err := json.Unmarshal(next(t, c, protocol.TypeChunk), &chunk); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if len(chunk.Sections) != welcome.Height/16 {
		t.Fatalf("sections: got %d want %d", len(chunk.Sections), welcome.Height/16)
	}

	send(t, c, protocol.TeleportMsg{Type: protocol.TypeTeleport, Pos: [3]float64{8.5, 100, 8.5}})
	var moved protocol.MovedMsg
	if err := json.Unmarshal(next(t, c, protocol.TypeMoved), &moved); err != nil {
		t.Fatalf("moved: %v", err)
	}
	if moved.Pos[1] != 100 {
		t.Fatalf("moved: %+v", moved)
	}
}

func TestHandshake_RejectsWrongFirstMessage(t *testing.T) {
	srv, url := startServer(t)
	c := dial(t, url)
	send(t, c, protocol.MoveMsg{Type: protocol.TypeMove})
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for srv.Rejected() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.Rejected() != 1 {
		t.Fatalf("rejected: %d", srv.Rejected())
	}
}

func TestHandshake_UnknownWorld(t *testing.T) {
	_, url := startServer(t)
	c := dial(t, url)
	send(t, c, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Name: "bob", World: "nowhere"})
	var e protocol.ErrorMsg
	if err := json.Unmarshal(next(t, c, protocol.TypeError), &e); err != nil {
		t.Fatalf("error: %v", err)
	}
	if e.Code != protocol.ErrWorldNotFound {
		t.Fatalf("code: %s", e.Code)
	}
}

func TestBadRequestsGetErrors(t *testing.T) {
	_, url := startServer(t)
	c := dial(t, url)
	send(t, c, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Name: "carol"})
	next(t, c, protocol.TypeWelcome)

	send(t, c, map[string]any{"type": "DANCE"})
	var e protocol.ErrorMsg
	if err := json.Unmarshal(next(t, c, protocol.TypeError), &e); err != nil {
		t.Fatalf("error: %v", err)
	}
	if e.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("code: %s", e.Code)
	}

	send(t, c, protocol.PlaceMsg{Type: protocol.TypePlace, Pos: [3]int{0, 40, 0}, Block: "unobtainium"})
	if err := json.Unmarshal(next(t, c, protocol.TypeError), &e); err != nil {
		t.Fatalf("error: %v", err)
	}
	if e.Code != protocol.ErrUnknownBlock {
		t.Fatalf("code: %s", e.Code)
	}
}
