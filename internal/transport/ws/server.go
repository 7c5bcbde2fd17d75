package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"strataguard/internal/host"
	"strataguard/internal/protocol"
)

const (
	defaultQueue = 256
	minQueue     = 32
	maxQueue     = 4096
)

type Server struct {
	host *host.Host
	log  *log.Logger

	upgrader websocket.Upgrader

	conns    atomic.Int64
	rejected atomic.Uint64
}

func NewServer(h *host.Host, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[ws] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Server{
		host: h,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Connections is the number of open sockets that completed the handshake.
func (s *Server) Connections() int64 { return s.conns.Load() }

// Rejected counts handshakes that were refused.
func (s *Server) Rejected() uint64 { return s.rejected.Load() }

// queue is the host sink of one socket. It never blocks; a full queue drops.
type queue chan []byte

func (q queue) Deliver(b []byte) bool {
	select {
	case q <- b:
		return true
	default:
		return false
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		id, out := s.handshake(conn)
		if id == uuid.Nil {
			s.rejected.Add(1)
			return
		}
		s.conns.Add(1)
		defer s.conns.Add(-1)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			if err := s.dispatch(id, msg); err != nil {
				out.Deliver(errorMessage(protocol.ErrProtoBadRequest, err.Error()))
			}
		}

		// Cleanup. The queue is never closed: the host may still hold it briefly.
		s.host.Leave(id)
	}
}

func (s *Server) dispatch(id uuid.UUID, msg []byte) error {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return err
	}
	switch base.Type {
	case protocol.TypeMove:
		var m protocol.MoveMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return err
		}
		s.host.HandleMove(id, m.Pos)
	case protocol.TypeTeleport:
		var m protocol.TeleportMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return err
		}
		s.host.HandleTeleport(id, strings.TrimSpace(m.World), m.Pos)
	case protocol.TypePlace:
		var m protocol.PlaceMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return err
		}
		s.host.HandlePlace(id, m.Pos, strings.ToUpper(strings.TrimSpace(m.Block)))
	case protocol.TypeFill:
		var m protocol.FillMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return err
		}
		s.host.HandleFill(id, m.Min, m.Max, strings.ToUpper(strings.TrimSpace(m.Block)))
	default:
		return fmt.Errorf("unknown message type %q", base.Type)
	}
	return nil
}

func (s *Server) handshake(conn *websocket.Conn) (uuid.UUID, queue) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return uuid.Nil, nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, "expected HELLO")
		return uuid.Nil, nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		closeWith(conn, "bad HELLO")
		return uuid.Nil, nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, "bad protocol_version")
		return uuid.Nil, nil
	}
	if hello.Name == "" {
		hello.Name = "player"
	}

	maxQ := hello.MaxQueue
	if maxQ <= 0 {
		maxQ = defaultQueue
	}
	maxQ = min(max(maxQ, minQueue), maxQueue)
	out := make(queue, maxQ)

	c, err := s.host.Join(hello.Name, strings.TrimSpace(hello.World), hello.LegacyClient, out)
	if err != nil {
		_ = writeRaw(conn, errorMessage(host.ErrorCode(err), err.Error()))
		closeWith(conn, err.Error())
		return uuid.Nil, nil
	}
	s.log.Printf("join %s name=%s world=%s legacy=%v queue=%d", c.ID, c.Name, c.Location().World, c.Legacy, maxQ)
	return c.ID, out
}

func closeWith(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func errorMessage(code, msg string) []byte {
	b, _ := json.Marshal(protocol.ErrorMsg{Type: protocol.TypeError, Code: code, Message: msg})
	return b
}

func writeRaw(conn *websocket.Conn, b []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
