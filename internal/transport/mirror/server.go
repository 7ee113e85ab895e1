// Package mirror serves the resident working set to remote renderers over
// websocket and feeds their per-frame brick requests back into the
// read-back ring.
package mirror

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voxelstream.ai/internal/mirrorproto"
	"voxelstream.ai/internal/sim/readback"
)

type Server struct {
	hub  *Hub
	ring *readback.Ring
	log  *log.Logger

	// AllowRemote accepts non-loopback clients.
	AllowRemote bool

	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, ring *readback.Ring, logger *log.Logger) *Server {
	return &Server{
		hub:  hub,
		ring: ring,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 256 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.AllowRemote && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub mirrorproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			closeWith(conn, websocket.ClosePolicyViolation, "bad subscribe")
			return
		}
		if sub.Type != mirrorproto.TypeSubscribe || sub.ProtocolVersion != mirrorproto.Version {
			closeWith(conn, websocket.ClosePolicyViolation, "expected SUBSCRIBE")
			return
		}

		sess := newSession(uuid.NewString(), sub.ClientName, sub.MaxBricks)
		if !s.hub.join(sess) {
			closeWith(conn, websocket.CloseTryAgainLater, "server busy")
			return
		}
		defer s.hub.leave(sess.id)

		select {
		case <-sess.ready:
		case <-time.After(10 * time.Second):
			closeWith(conn, websocket.CloseTryAgainLater, "tick loop not running")
			return
		}

		// Writer goroutine.
		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			for b := range sess.out {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
			closeWith(conn, websocket.CloseNormalClosure, "session closed")
		}()

		// Reader loop: brick requests from the renderer.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.handle(sess, msg)
		}

		closeWith(conn, websocket.CloseNormalClosure, "bye")

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeDone:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) handle(sess *session, msg []byte) {
	var base mirrorproto.BaseMessage
	if err := json.Unmarshal(msg, &base); err != nil {
		s.logf("mirror %s: bad message: %v", sess.id, err)
		return
	}
	if base.ProtocolVersion != mirrorproto.Version {
		s.logf("mirror %s: protocol version %q", sess.id, base.ProtocolVersion)
		return
	}
	switch base.Type {
	case mirrorproto.TypeBrickRequests:
		var req mirrorproto.BrickRequestsMsg
		if err := json.Unmarshal(msg, &req); err != nil || req.Frame == 0 {
			s.logf("mirror %s: bad BRICK_REQUESTS", sess.id)
			return
		}
		if req.Frame <= sess.lastFrame {
			return
		}
		sess.lastFrame = req.Frame
		// Each renderer numbers its own frames; the ring counts frames for
		// all of them.
		if s.ring != nil {
			s.ring.Next(req.Bricks)
		}
	case mirrorproto.TypeSubscribe:
		// Settings are fixed for the life of a session.
	default:
		s.logf("mirror %s: unexpected %q", sess.id, base.Type)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
